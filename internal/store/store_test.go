// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caskpkg/cask/internal/hash"
	"github.com/caskpkg/cask/internal/lockfile"
	"github.com/caskpkg/cask/internal/manifest"
)

func commit(t *testing.T, s *Store, data []byte) hash.Hash {
	t.Helper()

	h := hash.ForBytes(data)
	require.NoError(t, os.WriteFile(s.Path(h), data, 0o644))
	return h
}

func TestPaths(t *testing.T) {
	s := New("/store")
	h := hash.ForString("entry")

	assert.Equal(t, filepath.Join("/store", h.Base32()), s.Path(h))
	assert.Equal(t, filepath.Join("/store", h.Base32()+".tmp"), s.TempPath(h))
	assert.Equal(t, "/store", s.Folder())
}

func TestHas(t *testing.T) {
	s := New(t.TempDir())

	h := hash.ForString("something")
	assert.False(t, s.Has(h))

	h = commit(t, s, []byte("something"))
	assert.True(t, s.Has(h))
}

func TestGetPackage(t *testing.T) {
	s := New(t.TempDir())

	missing, err := s.GetPackage(hash.ForString("absent"))
	require.NoError(t, err)
	assert.Nil(t, missing)

	document := []byte("[package]\nformat = 1\ndescription = \"stored\"\n")
	h := commit(t, s, document)

	m, err := s.GetPackage(h)
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "stored", m.Package.Description)

	broken := commit(t, s, []byte("not a manifest at all = ["))
	_, err = s.GetPackage(broken)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	s := New(t.TempDir())

	h := commit(t, s, []byte("payload"))

	lock := &lockfile.LockFile{
		Root: []uint32{0},
		Resources: []lockfile.Resource{
			{
				URL:    "https://example.com/payload",
				Format: manifest.FileFormat,
				Data:   lockfile.ResourceData{Hash: h, Size: 7},
			},
		},
	}

	valid, err := s.Validate(lock)
	require.NoError(t, err)
	assert.True(t, valid)

	// Corrupt the stored bytes: the recomputed hash no longer matches.
	require.NoError(t, os.WriteFile(s.Path(h), []byte("tampered"), 0o644))

	valid, err = s.Validate(lock)
	require.NoError(t, err)
	assert.False(t, valid)

	// Remove it entirely.
	require.NoError(t, os.Remove(s.Path(h)))

	valid, err = s.Validate(lock)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestEntrySize(t *testing.T) {
	s := New(t.TempDir())

	h := commit(t, s, []byte("12345"))

	size, err := s.EntrySize(h)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), size)

	dir := hash.ForString("tree")
	require.NoError(t, os.MkdirAll(filepath.Join(s.Path(dir), "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(s.Path(dir), "a"), []byte("12"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Path(dir), "sub", "b"), []byte("3456"), 0o644))

	size, err = s.EntrySize(dir)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), size)
}
