// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package store implements the content-addressed resource store: a flat
// directory where every entry is named by the base32 form of its hash.
package store

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/caskpkg/cask/internal/hash"
	"github.com/caskpkg/cask/internal/lockfile"
	"github.com/caskpkg/cask/internal/manifest"
)

// Store is a content-addressed directory. Renames into the store are atomic
// as long as temp entries live under the same root, which they do by
// construction.
type Store struct {
	folder string
}

// New creates a store over the given root directory.
func New(folder string) *Store {
	return &Store{folder: folder}
}

// Folder returns the store root.
func (s *Store) Folder() string {
	return s.folder
}

// Path builds the final path of a resource.
func (s *Store) Path(h hash.Hash) string {
	return filepath.Join(s.folder, h.Base32())
}

// TempPath builds the temp path of a resource. Temp entries are not cleaned
// up on failure; being content-addressed they never conflict and external
// housekeeping may remove them.
func (s *Store) TempPath(h hash.Hash) string {
	return filepath.Join(s.folder, h.Base32()+".tmp")
}

// Has checks whether a resource with the given hash is installed.
func (s *Store) Has(h hash.Hash) bool {
	_, err := os.Stat(s.Path(h))
	return err == nil
}

// GetPackage loads a package manifest from the store. It returns nil without
// an error when the resource is absent.
func (s *Store) GetPackage(h hash.Hash) (*manifest.Manifest, error) {
	data, err := os.ReadFile(s.Path(h))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	m, err := manifest.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("package %s: %w", h, err)
	}

	return m, nil
}

// Validate scans the store and verifies every locked resource: the entry
// must exist and its recomputed hash must equal the recorded one.
func (s *Store) Validate(lock *lockfile.LockFile) (bool, error) {
	for _, resource := range lock.Resources {
		path := s.Path(resource.Data.Hash)

		if _, err := os.Stat(path); err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}

		actual, err := hash.ForEntry(path)
		if err != nil {
			return false, err
		}

		if actual != resource.Data.Hash {
			return false, nil
		}
	}

	return true, nil
}

// EntrySize returns the total byte size of a stored entry. Directories sum
// the sizes of all contained files.
func (s *Store) EntrySize(h hash.Hash) (uint64, error) {
	path := s.Path(h)

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	if !info.IsDir() {
		return uint64(info.Size()), nil
	}

	var total uint64

	err = filepath.Walk(path, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode().IsRegular() {
			total += uint64(info.Size())
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return total, nil
}
