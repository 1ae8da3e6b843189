// Copyright 2026 The Tether Authors
// SPDX-License-Identifier: Apache-2.0

// Package resource extracts the VNC support binaries an agent needs
// on disk before a remote-desktop session can start. The set of files
// is a compile-time manifest — an explicit list of names, sizes, and
// BLAKE3 checksums — consumed against an fs.FS of zstd-compressed
// payloads. There is no scanning of embedded names by prefix: what
// ships is exactly what the manifest says, and anything else in the
// bundle is ignored.
//
// Extraction is idempotent. Files already present with the right
// checksum are left alone; missing or corrupt files are re-extracted
// and logged. Writes are atomic (temp file, sync, rename) so a crash
// mid-extraction never leaves a half-written binary that the next run
// would trust.
package resource

import (
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// compressedSuffix is appended to the manifest name to locate the
// payload inside the bundle filesystem.
const compressedSuffix = ".zst"

// Entry describes one file the agent must have on disk.
type Entry struct {
	// Name is the file name, also the bundle payload name minus the
	// .zst suffix.
	Name string

	// Checksum is the lowercase hex BLAKE3-256 of the extracted
	// (decompressed) content.
	Checksum string

	// Size is the extracted size in bytes. Used as a cheap first
	// check before hashing.
	Size int64

	// Mode is the file mode to install with. Executables need 0755.
	Mode os.FileMode
}

// Manifest is the explicit list of files an Extractor manages.
type Manifest []Entry

// Extractor installs manifest entries from a compressed bundle into a
// target directory.
type Extractor struct {
	manifest Manifest
	bundle   fs.FS
	logger   *slog.Logger
}

// NewExtractor creates an Extractor. A nil logger defaults to
// slog.Default().
func NewExtractor(manifest Manifest, bundle fs.FS, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{manifest: manifest, bundle: bundle, logger: logger}
}

// Ensure makes every manifest entry present and checksum-valid under
// dir, extracting only what is missing or corrupt. Returns on the
// first failure: a partially provisioned resource directory must not
// be reported as ready.
func (e *Extractor) Ensure(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("resource: creating %s: %w", dir, err)
	}

	for _, entry := range e.manifest {
		path := filepath.Join(dir, entry.Name)
		ok, err := e.matches(path, entry)
		if err != nil {
			return err
		}
		if ok {
			continue
		}

		e.logger.Info("extracting resource", "name", entry.Name, "dir", dir)
		if err := e.extract(path, entry); err != nil {
			return err
		}
	}
	return nil
}

// matches reports whether the file at path already has the entry's
// size and checksum. A missing file is simply a non-match.
func (e *Extractor) matches(path string, entry Entry) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("resource: stat %s: %w", path, err)
	}
	if info.Size() != entry.Size {
		return false, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("resource: reading %s for checksum: %w", path, err)
	}
	return checksum(content) == entry.Checksum, nil
}

// extract decompresses the bundle payload, verifies it against the
// manifest checksum, and installs it atomically.
func (e *Extractor) extract(path string, entry Entry) error {
	compressed, err := fs.ReadFile(e.bundle, entry.Name+compressedSuffix)
	if err != nil {
		return fmt.Errorf("resource: bundle is missing %s%s: %w", entry.Name, compressedSuffix, err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return fmt.Errorf("resource: creating zstd decoder: %w", err)
	}
	defer decoder.Close()

	content, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("resource: decompressing %s: %w", entry.Name, err)
	}

	// The manifest checksum is the trust anchor: a bundle whose
	// decompressed content does not match was corrupted or tampered
	// with, and must never be installed.
	if got := checksum(content); got != entry.Checksum {
		return fmt.Errorf("resource: %s checksum mismatch: got %s, want %s", entry.Name, got, entry.Checksum)
	}
	if int64(len(content)) != entry.Size {
		return fmt.Errorf("resource: %s size mismatch: got %d, want %d", entry.Name, len(content), entry.Size)
	}

	mode := entry.Mode
	if mode == 0 {
		mode = 0644
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("resource: creating temporary file for %s: %w", entry.Name, err)
	}
	if _, err := file.Write(content); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("resource: writing %s: %w", entry.Name, err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("resource: syncing %s: %w", entry.Name, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("resource: closing %s: %w", entry.Name, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("resource: installing %s: %w", entry.Name, err)
	}
	return nil
}

// checksum returns the lowercase hex BLAKE3-256 of content.
func checksum(content []byte) string {
	sum := blake3.Sum256(content)
	return hex.EncodeToString(sum[:])
}
