// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// tether-viewer is a terminal client for the Tether hub. It connects
// on the viewer endpoint, streams device updates, and can open an
// interactive terminal session against an agent: stdin lines go out
// as signed input requests, relayed output prints to stdout.
//
// Two modes:
//
// Watch mode (default): subscribes to device updates and prints each
// descriptor as it arrives.
//
// Terminal mode (--terminal): opens a terminal session, forwards
// stdin line by line, and closes the session on EOF (Ctrl-D).
package main

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/tether-remote/tether/channel"
	"github.com/tether-remote/tether/envelope"
	"github.com/tether-remote/tether/lib/codec"
	"github.com/tether-remote/tether/lib/config"
	"github.com/tether-remote/tether/lib/process"
	"github.com/tether-remote/tether/lib/version"
	"github.com/tether-remote/tether/wire"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var terminal bool
	flagSet := pflag.NewFlagSet("tether-viewer", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to tether.yaml (overrides TETHER_CONFIG)")
	flagSet.BoolVar(&terminal, "terminal", false, "open an interactive terminal session")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		version.Print("tether-viewer")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	signingKey, err := cfg.SigningKey()
	if err != nil {
		return err
	}

	ch, err := channel.New(channel.Config{
		HubURL:   cfg.Hub.URL,
		Role:     channel.ViewerRole(),
		Identity: signingKey,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ch.RegisterHandler(wire.MethodReceiveDeviceUpdate, func(ctx context.Context, payload codec.RawMessage) (any, error) {
		var device wire.DeviceDescriptor
		if err := codec.Unmarshal(payload, &device); err != nil {
			return nil, err
		}
		fmt.Printf("device %s  %s (%s) agent=%s\n", device.DeviceID, device.Hostname, device.Platform, device.AgentName)
		return nil, nil
	})
	ch.RegisterHandler(wire.MethodSendTerminalOutput, func(ctx context.Context, payload codec.RawMessage) (any, error) {
		var delivery wire.TerminalOutputDelivery
		if err := codec.Unmarshal(payload, &delivery); err != nil {
			return nil, err
		}
		stream := os.Stdout
		if delivery.Event.Stream == wire.StandardError {
			stream = os.Stderr
		}
		fmt.Fprintln(stream, delivery.Event.Line)
		return nil, nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := ch.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to hub: %w", err)
	}
	defer ch.Stop()

	if terminal {
		return runTerminal(ctx, ch, signingKey)
	}
	return watchDevices(ctx, ch)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// watchDevices subscribes to device updates and blocks until
// interrupted; the updates print from the inbound handler.
func watchDevices(ctx context.Context, ch *channel.Channel) error {
	if err := ch.Invoke(ctx, wire.MethodRequestDeviceUpdates, nil, nil); err != nil {
		return fmt.Errorf("requesting device updates: %w", err)
	}
	<-ctx.Done()
	return nil
}

// runTerminal opens one terminal session and forwards stdin to it
// until EOF or interrupt.
func runTerminal(ctx context.Context, ch *channel.Channel, key ed25519.PrivateKey) error {
	sessionID := wire.NewSessionID()

	create, err := envelope.Sign(wire.PayloadTerminalSessionRequest, wire.TerminalSessionRequest{
		SessionID:          sessionID,
		ViewerConnectionID: ch.ConnectionID(),
	}, key)
	if err != nil {
		return err
	}
	var descriptor wire.SessionDescriptor
	if err := ch.Invoke(ctx, wire.MethodCreateTerminalSession, create, &descriptor); err != nil {
		return fmt.Errorf("creating terminal session: %w", err)
	}
	fmt.Fprintf(os.Stderr, "session %s opened\n", descriptor.SessionID)

	defer func() {
		closeReq, err := envelope.Sign(wire.PayloadCloseTerminalRequest, wire.CloseTerminalRequest{
			SessionID: sessionID,
		}, key)
		if err != nil {
			return
		}
		// Shutdown path: use a fresh context so the close still goes
		// out after an interrupt.
		_ = ch.Invoke(context.Background(), wire.MethodCloseTerminalSession, closeReq, nil)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		input, err := envelope.Sign(wire.PayloadTerminalInputRequest, wire.TerminalInputRequest{
			SessionID: sessionID,
			Input:     scanner.Text() + "\n",
		}, key)
		if err != nil {
			return err
		}
		if err := ch.Invoke(ctx, wire.MethodWriteToTerminal, input, nil); err != nil {
			fmt.Fprintf(os.Stderr, "write failed: %v\n", err)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}
