// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package hash

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/blake2s"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// Digest is a streaming hasher for a named algorithm.
type Digest interface {
	io.Writer

	// Sum returns the final digest bytes.
	Sum() []byte
}

// Algorithm is a named hash algorithm from the catalog.
type Algorithm string

const (
	CRC32        Algorithm = "crc32"
	CRC32C       Algorithm = "crc32c"
	XXH64        Algorithm = "xxh-64"
	XXH3_64      Algorithm = "xxh3-64"
	XXH3_128     Algorithm = "xxh3-128"
	MD5          Algorithm = "md5"
	SHA1         Algorithm = "sha1"
	SHA2_224     Algorithm = "sha2-224"
	SHA2_256     Algorithm = "sha2-256"
	SHA2_384     Algorithm = "sha2-384"
	SHA2_512     Algorithm = "sha2-512"
	SHA2_512_224 Algorithm = "sha2-512/224"
	SHA2_512_256 Algorithm = "sha2-512/256"
	SHA3_224     Algorithm = "sha3-224"
	SHA3_256     Algorithm = "sha3-256"
	SHA3_384     Algorithm = "sha3-384"
	SHA3_512     Algorithm = "sha3-512"
	Shake128     Algorithm = "shake-128"
	Shake256     Algorithm = "shake-256"
	CShake128    Algorithm = "cshake-128"
	CShake256    Algorithm = "cshake-256"
	Keccak256    Algorithm = "keccak-256"
	Keccak512    Algorithm = "keccak-512"
	Blake2s      Algorithm = "blake2s"
	Blake2b      Algorithm = "blake2b"
	Blake3       Algorithm = "blake3"
)

// ParseAlgorithm validates a catalog name. Unknown names fail at parse time.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch Algorithm(name) {
	case CRC32, CRC32C, XXH64, XXH3_64, XXH3_128,
		MD5, SHA1,
		SHA2_224, SHA2_256, SHA2_384, SHA2_512, SHA2_512_224, SHA2_512_256,
		SHA3_224, SHA3_256, SHA3_384, SHA3_512,
		Shake128, Shake256, CShake128, CShake256,
		Keccak256, Keccak512,
		Blake2s, Blake2b, Blake3:
		return Algorithm(name), nil
	}
	return "", fmt.Errorf("unknown hash algorithm %q", name)
}

func (a Algorithm) String() string {
	return string(a)
}

// hashDigest adapts a stdlib hash.Hash.
type hashDigest struct {
	hash.Hash
}

func (d hashDigest) Sum() []byte {
	return d.Hash.Sum(nil)
}

// xxh3Digest emits either the 64- or 128-bit final value.
type xxh3Digest struct {
	*xxh3.Hasher
	wide bool
}

func (d xxh3Digest) Sum() []byte {
	if d.wide {
		sum := d.Hasher.Sum128().Bytes()
		return sum[:]
	}

	var buf [8]byte
	v := d.Hasher.Sum64()
	for i := range buf {
		buf[i] = byte(v >> (56 - 8*i))
	}
	return buf[:]
}

// shakeDigest reads a fixed number of XOF bytes.
type shakeDigest struct {
	sha3.ShakeHash
	size int
}

func (d shakeDigest) Sum() []byte {
	buf := make([]byte, d.size)
	_, _ = io.ReadFull(d.ShakeHash, buf)
	return buf
}

// New returns a fresh streaming hasher for the algorithm.
func (a Algorithm) New() Digest {
	switch a {
	case CRC32:
		return hashDigest{crc32.NewIEEE()}
	case CRC32C:
		return hashDigest{crc32.New(crc32.MakeTable(crc32.Castagnoli))}
	case XXH64:
		return hashDigest{xxhash.New()}
	case XXH3_64:
		return xxh3Digest{xxh3.New(), false}
	case XXH3_128:
		return xxh3Digest{xxh3.New(), true}
	case MD5:
		return hashDigest{md5.New()}
	case SHA1:
		return hashDigest{sha1.New()}
	case SHA2_224:
		return hashDigest{sha256.New224()}
	case SHA2_256:
		return hashDigest{sha256.New()}
	case SHA2_384:
		return hashDigest{sha512.New384()}
	case SHA2_512:
		return hashDigest{sha512.New()}
	case SHA2_512_224:
		return hashDigest{sha512.New512_224()}
	case SHA2_512_256:
		return hashDigest{sha512.New512_256()}
	case SHA3_224:
		return hashDigest{sha3.New224()}
	case SHA3_256:
		return hashDigest{sha3.New256()}
	case SHA3_384:
		return hashDigest{sha3.New384()}
	case SHA3_512:
		return hashDigest{sha3.New512()}
	case Shake128:
		return shakeDigest{sha3.NewShake128(), 32}
	case Shake256:
		return shakeDigest{sha3.NewShake256(), 64}
	case CShake128:
		return shakeDigest{sha3.NewCShake128(nil, nil), 32}
	case CShake256:
		return shakeDigest{sha3.NewCShake256(nil, nil), 64}
	case Keccak256:
		return hashDigest{sha3.NewLegacyKeccak256()}
	case Keccak512:
		return hashDigest{sha3.NewLegacyKeccak512()}
	case Blake2s:
		digest, _ := blake2s.New256(nil)
		return hashDigest{digest}
	case Blake2b:
		digest, _ := blake2b.New512(nil)
		return hashDigest{digest}
	case Blake3:
		return hashDigest{blake3.New(32, nil)}
	}

	panic("unreachable: unvalidated hash algorithm " + string(a))
}

// SumBytes hashes a byte slice with the algorithm.
func (a Algorithm) SumBytes(buf []byte) []byte {
	digest := a.New()
	_, _ = digest.Write(buf)
	return digest.Sum()
}

// SumFile streams a file through the algorithm.
func (a Algorithm) SumFile(path string) ([]byte, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	digest := a.New()
	if _, err := io.Copy(digest, file); err != nil {
		return nil, err
	}

	return digest.Sum(), nil
}
