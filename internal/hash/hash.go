// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package hash implements the 64-bit content identifier used to address
// resources in the store and the lock file, plus the named algorithm catalog
// exposed to runtime modules.
package hash

import (
	"encoding/base32"
	"encoding/binary"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
)

// base32 with the RFC 4648 extended hex alphabet, lowercase, no padding.
// A 64-bit hash always encodes to 13 characters.
var encoding = base32.NewEncoding("0123456789abcdefghijklmnopqrstuv").WithPadding(base32.NoPadding)

// EncodedLen is the length of a base32-encoded hash.
const EncodedLen = 13

// Hash is an opaque 64-bit content identifier. Hashes compose by xor, so a
// directory hash does not depend on traversal order.
type Hash uint64

// Rand returns a random hash. Used as a placeholder while a resource's real
// content hash is unknown.
func Rand() Hash {
	return Hash(rand.Uint64())
}

// ForBytes hashes a byte slice.
func ForBytes(buf []byte) Hash {
	return Hash(xxhash.Sum64(buf))
}

// ForString hashes a string.
func ForString(s string) Hash {
	return Hash(xxhash.Sum64String(s))
}

// ForUint64 hashes the big-endian representation of v.
func ForUint64(v uint64) Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return ForBytes(buf[:])
}

// Chain combines two hashes into a new one.
func (h Hash) Chain(other Hash) Hash {
	return h ^ other
}

// Base32 returns the textual form of the hash.
func (h Hash) Base32() string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(h))
	return encoding.EncodeToString(buf[:])
}

func (h Hash) String() string {
	return h.Base32()
}

// FromBase32 parses the textual form of a hash. The boolean is false when the
// input is not a valid encoding of at least 8 bytes.
func FromBase32(s string) (Hash, bool) {
	raw, err := encoding.DecodeString(s)
	if err != nil || len(raw) < 8 {
		return 0, false
	}
	return Hash(binary.BigEndian.Uint64(raw[:8])), true
}

// resolveSymlinks follows symlinks until a regular filesystem entry is
// reached. Relative link targets resolve against the link's directory.
func resolveSymlinks(path string) (string, error) {
	for {
		info, err := os.Lstat(path)
		if err != nil {
			return "", err
		}
		if info.Mode()&os.ModeSymlink == 0 {
			return path, nil
		}
		target, err := os.Readlink(path)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			target = filepath.Join(filepath.Dir(path), target)
		}
		path = target
	}
}

func hashFile(path string) (Hash, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	digest := xxhash.New()
	if _, err := io.Copy(digest, file); err != nil {
		return 0, err
	}

	return Hash(digest.Sum64()), nil
}

// ForEntry hashes a filesystem entry. A regular file is streamed through the
// hasher. A directory hashes to the xor of every descendant file's content
// hash and the hash of each entry's path relative to the root. Symlinks are
// dereferenced before hashing.
func ForEntry(path string) (Hash, error) {
	path, err := resolveSymlinks(path)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	if !info.IsDir() {
		return hashFile(path)
	}

	root := path
	folders := []string{path}

	var result Hash

	for len(folders) > 0 {
		folder := folders[len(folders)-1]
		folders = folders[:len(folders)-1]

		entries, err := os.ReadDir(folder)
		if err != nil {
			return 0, err
		}

		for _, entry := range entries {
			entryPath, err := resolveSymlinks(filepath.Join(folder, entry.Name()))
			if err != nil {
				return 0, err
			}

			rel, err := filepath.Rel(root, filepath.Join(folder, entry.Name()))
			if err != nil {
				return 0, err
			}

			result = result.Chain(ForString(filepath.ToSlash(rel)))

			info, err := os.Stat(entryPath)
			if err != nil {
				return 0, err
			}

			if info.IsDir() {
				folders = append(folders, entryPath)
				continue
			}

			fileHash, err := hashFile(entryPath)
			if err != nil {
				return 0, err
			}

			result = result.Chain(fileHash)
		}
	}

	return result, nil
}
