// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
)

// shellCommand is a resolved shell executable for the host platform.
type shellCommand struct {
	path       string
	args       []string
	powershell bool
}

// powershellSeed contains the preference statements written to a
// freshly started PowerShell so its output is maximally informative.
// Seed writes are best-effort: a shell that rejects them is still
// usable.
var powershellSeed = []string{
	"$VerbosePreference = \"Continue\"",
	"$DebugPreference = \"Continue\"",
	"$InformationPreference = \"Continue\"",
	"$ErrorActionPreference = \"Continue\"",
}

// resolveShell picks the shell executable for the platform. PowerShell
// is preferred everywhere it resolves (pwsh on any platform, then
// powershell.exe on Windows); otherwise the platform default. lookPath
// is exec.LookPath in production and a fake in tests.
func resolveShell(goos string, lookPath func(string) (string, error)) (shellCommand, error) {
	if path, err := lookPath("pwsh"); err == nil {
		return shellCommand{path: path, powershell: true}, nil
	}

	switch goos {
	case "windows":
		if path, err := lookPath("powershell.exe"); err == nil {
			return shellCommand{path: path, powershell: true}, nil
		}
		if path, err := lookPath("cmd.exe"); err == nil {
			return shellCommand{path: path}, nil
		}
	case "darwin":
		if path, err := lookPath("zsh"); err == nil {
			return shellCommand{path: path, args: []string{"-i"}}, nil
		}
	case "linux":
		if path, err := lookPath("bash"); err == nil {
			return shellCommand{path: path, args: []string{"-i"}}, nil
		}
		if path, err := lookPath("sh"); err == nil {
			return shellCommand{path: path, args: []string{"-i"}}, nil
		}
	default:
		return shellCommand{}, fmt.Errorf("no shell defined for %s: %w", goos, ErrPlatformNotSupported)
	}

	return shellCommand{}, fmt.Errorf("no shell executable found on %s: %w", goos, ErrPlatformNotSupported)
}
