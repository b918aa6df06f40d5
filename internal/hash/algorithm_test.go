// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hash

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAlgorithm(t *testing.T) {
	known := []string{
		"crc32", "crc32c", "xxh-64", "xxh3-64", "xxh3-128",
		"md5", "sha1",
		"sha2-224", "sha2-256", "sha2-384", "sha2-512", "sha2-512/224", "sha2-512/256",
		"sha3-224", "sha3-256", "sha3-384", "sha3-512",
		"shake-128", "shake-256", "cshake-128", "cshake-256",
		"keccak-256", "keccak-512",
		"blake2s", "blake2b", "blake3",
	}

	for _, name := range known {
		algorithm, err := ParseAlgorithm(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, algorithm.String())
	}

	for _, name := range []string{"", "sha256", "md4", "whirlpool"} {
		_, err := ParseAlgorithm(name)
		assert.Error(t, err, name)
	}
}

func TestSumBytesKnownVectors(t *testing.T) {
	tests := []struct {
		algorithm Algorithm
		input     string
		expected  string
	}{
		{MD5, "abc", "900150983cd24fb0d6963f7d28e17f72"},
		{SHA1, "abc", "a9993e364706816aba3e25717850c26c9cd0d89d"},
		{SHA2_256, "abc", "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"},
		{CRC32, "123456789", "cbf43926"},
	}

	for _, tt := range tests {
		t.Run(string(tt.algorithm), func(t *testing.T) {
			sum := tt.algorithm.SumBytes([]byte(tt.input))
			assert.Equal(t, tt.expected, hex.EncodeToString(sum))
		})
	}
}

func TestStreamingMatchesOneShot(t *testing.T) {
	payload := []byte("the quick brown fox jumps over the lazy dog")

	for _, name := range []Algorithm{CRC32C, XXH64, XXH3_64, XXH3_128, SHA3_256, Shake128, Blake2b, Blake3, Keccak256} {
		t.Run(string(name), func(t *testing.T) {
			digest := name.New()
			for _, b := range payload {
				_, err := digest.Write([]byte{b})
				require.NoError(t, err)
			}

			assert.Equal(t, name.SumBytes(payload), digest.Sum())
		})
	}
}

func TestSumFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(path, []byte("abc"), 0o644))

	sum, err := SHA2_256.SumFile(path)
	require.NoError(t, err)
	assert.Equal(t, SHA2_256.SumBytes([]byte("abc")), sum)

	_, err = SHA2_256.SumFile(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}
