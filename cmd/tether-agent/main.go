// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// tether-agent runs on the controlled machine. It keeps a persistent
// duplex channel to the hub, announces the device after every
// (re)connect, and serves signed session commands from authorized
// viewers: interactive terminal sessions relayed line by line, and
// VNC remote-desktop sessions when a backing server is configured.
//
// Configuration comes from a single YAML file named by TETHER_CONFIG
// or --config. The agent refuses to start without a signing key and
// at least one authorized viewer key.
package main

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tether-remote/tether/channel"
	"github.com/tether-remote/tether/envelope"
	"github.com/tether-remote/tether/lib/config"
	"github.com/tether-remote/tether/lib/proc"
	"github.com/tether-remote/tether/lib/process"
	"github.com/tether-remote/tether/lib/version"
	"github.com/tether-remote/tether/session"
	"github.com/tether-remote/tether/wire"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	flagSet := pflag.NewFlagSet("tether-agent", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to tether.yaml (overrides TETHER_CONFIG)")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		version.Print("tether-agent")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	signingKey, err := cfg.SigningKey()
	if err != nil {
		return err
	}
	ring, err := cfg.KeyRing()
	if err != nil {
		return err
	}

	store := session.NewStore()

	var vnc *session.VncManager
	if cfg.Vnc.ServerPath != "" {
		vnc, err = session.NewVncManager(session.VncConfig{
			ServerPath:        cfg.Vnc.ServerPath,
			ServerProcessName: cfg.Vnc.ProcessName,
			ResourceDir:       cfg.Paths.Resources,
			Elevated:          cfg.Vnc.Elevated,
			Settings:          session.NewFileSettings(cfg.Vnc.SettingsFile),
			Runner:            proc.NewRunner(),
			Starter:           proc.NewStarter(),
			Locator:           proc.NewLocator(),
			Service:           session.NewExecServiceManager(cfg.Vnc.ServerPath, proc.NewRunner()),
			Store:             store,
			Logger:            logger,
		})
		if err != nil {
			return err
		}
	}

	ch, err := channel.New(channel.Config{
		HubURL:   cfg.Hub.URL,
		Role:     channel.AgentRole(),
		Identity: signingKey,
		OnConnected: func(ctx context.Context, ch *channel.Channel) {
			announce(ctx, ch, cfg, signingKey, logger)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}

	broker, err := session.NewBroker(session.BrokerConfig{
		Store:    store,
		Verifier: envelope.NewVerifier(ring, logger),
		Terminals: func(request wire.TerminalSessionRequest) (*session.TerminalSession, error) {
			return session.NewTerminal(session.TerminalConfig{
				SessionID:          request.SessionID,
				ViewerConnectionID: request.ViewerConnectionID,
				Starter:            proc.NewStarter(),
				Output:             &hubSender{ch: ch},
				Logger:             logger,
			})
		},
		VNC:    vnc,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	broker.RegisterHandlers(ch)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	logger.Info("agent connected", "hub", cfg.Hub.URL)

	<-ctx.Done()
	logger.Info("shutting down")

	// Shutdown order matters: stop serving new commands first, then
	// tear down sessions and any VNC state left on the host.
	ch.Stop()
	for _, live := range store.All() {
		if err := live.Close(); err != nil {
			logger.Warn("closing session", "session_id", live.ID(), "error", err)
		}
	}
	if vnc != nil {
		vnc.CleanupSessions(context.Background())
	}
	return nil
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// announce publishes the device descriptor after every (re)connect so
// the hub's device list recovers from hub restarts without waiting
// for the next heartbeat.
func announce(ctx context.Context, ch *channel.Channel, cfg *config.Config, key ed25519.PrivateKey, logger *slog.Logger) {
	name := cfg.Hub.DeviceName
	if name == "" {
		name, _ = os.Hostname()
	}
	descriptor := wire.DeviceDescriptor{
		DeviceID:  hex.EncodeToString(key.Public().(ed25519.PublicKey)),
		Hostname:  hostname(),
		Platform:  runtime.GOOS,
		AgentName: name,
	}
	if err := ch.Invoke(ctx, wire.MethodAnnounce, descriptor, nil); err != nil {
		logger.Warn("announcing device", "error", err)
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return name
}

// hubSender relays terminal output events through the channel.
type hubSender struct {
	ch *channel.Channel
}

func (s *hubSender) SendTerminalOutput(ctx context.Context, delivery wire.TerminalOutputDelivery) error {
	return s.ch.Invoke(ctx, wire.MethodSendTerminalOutput, delivery, nil)
}
