/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
)

// Store persists finished archive chunks. Save consumes the file at
// path: a successful save removes it from the spool.
type Store interface {
	Name() string
	// Save files the chunk under key and reports its final location.
	Save(ctx context.Context, key, path string) (string, error)
}

// FSStore files chunks under a local root, keyed by recording date.
type FSStore struct {
	root   string
	logger zerolog.Logger
}

// NewFSStore creates a filesystem-based chunk store.
func NewFSStore(root string, logger zerolog.Logger) *FSStore {
	return &FSStore{
		root:   root,
		logger: logger.With().Str("component", "archive_fs").Logger(),
	}
}

func (s *FSStore) Name() string { return "fs" }

// Save moves the chunk into the dated layout under the root. A rename
// across filesystems falls back to copy and remove.
func (s *FSStore) Save(ctx context.Context, key, path string) (string, error) {
	dest := filepath.Join(s.root, filepath.FromSlash(key))

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("create archive directories: %w", err)
	}

	if err := os.Rename(path, dest); err != nil {
		if err := copyFile(path, dest); err != nil {
			return "", err
		}
		os.Remove(path)
	}

	s.logger.Debug().Str("dest", dest).Msg("archive chunk filed")
	return dest, nil
}

// CheckAccess verifies the archive root exists and is a directory.
func (s *FSStore) CheckAccess() error {
	info, err := os.Stat(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(s.root, 0o755)
		}
		return fmt.Errorf("cannot access archive root: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("archive root is not a directory: %s", s.root)
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open chunk: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create destination: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		os.Remove(dest)
		return fmt.Errorf("copy chunk: %w", err)
	}
	return nil
}
