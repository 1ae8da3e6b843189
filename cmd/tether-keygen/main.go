// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// tether-keygen generates an Ed25519 identity for a Tether component.
// The private key is written hex-encoded to --out with mode 0600; the
// public key prints to stdout in the form expected by the
// authorized_keys list in tether.yaml.
package main

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/tether-remote/tether/lib/process"
	"github.com/tether-remote/tether/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var outPath string
	flagSet := pflag.NewFlagSet("tether-keygen", pflag.ContinueOnError)
	flagSet.StringVar(&outPath, "out", "", "write the private key to this file (required)")
	showVersion := flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}
	if *showVersion {
		version.Print("tether-keygen")
		return nil
	}
	if outPath == "" {
		return fmt.Errorf("--out is required")
	}

	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generating key: %w", err)
	}

	// Refuse to clobber an existing identity.
	if _, err := os.Stat(outPath); err == nil {
		return fmt.Errorf("%s already exists; remove it first to regenerate", outPath)
	}
	if err := os.WriteFile(outPath, []byte(hex.EncodeToString(private)+"\n"), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	fmt.Printf("%s\n", hex.EncodeToString(public))
	return nil
}
