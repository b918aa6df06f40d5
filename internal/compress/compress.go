// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package compress implements the compression algorithm catalog with both
// one-shot helpers and push-style streaming used by the runtime API.
package compress

import (
	"bytes"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm is a named compression algorithm from the catalog.
type Algorithm string

const (
	Lz4     Algorithm = "lz4"
	Bzip2   Algorithm = "bzip2"
	Deflate Algorithm = "deflate"
	Gzip    Algorithm = "gzip"
	Zlib    Algorithm = "zlib"
	Zstd    Algorithm = "zstd"
)

// ParseAlgorithm validates a catalog name.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "lz4":
		return Lz4, nil
	case "bzip2", "bz2":
		return Bzip2, nil
	case "deflate":
		return Deflate, nil
	case "gzip":
		return Gzip, nil
	case "zlib":
		return Zlib, nil
	case "zstd":
		return Zstd, nil
	}
	return "", fmt.Errorf("unknown compression algorithm %q", name)
}

func (a Algorithm) String() string {
	return string(a)
}

// Level selects a compression effort. Named levels map onto each algorithm's
// native range; Custom passes the value through untranslated.
type Level struct {
	name   string
	custom int
}

var (
	LevelQuick    = Level{name: "quick"}
	LevelFast     = Level{name: "fast"}
	LevelBalanced = Level{name: "balanced"}
	LevelGood     = Level{name: "good"}
	LevelBest     = Level{name: "best"}
	LevelDefault  = Level{name: "default"}
)

// CustomLevel wraps an algorithm-native level value.
func CustomLevel(level int) Level {
	return Level{custom: level}
}

// ParseLevel accepts a named level or a signed integer.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "quick":
		return LevelQuick, nil
	case "fast":
		return LevelFast, nil
	case "balanced":
		return LevelBalanced, nil
	case "good":
		return LevelGood, nil
	case "best":
		return LevelBest, nil
	case "default", "":
		return LevelDefault, nil
	}

	level, err := strconv.Atoi(s)
	if err != nil {
		return Level{}, fmt.Errorf("invalid compression level %q", s)
	}

	return CustomLevel(level), nil
}

func (l Level) String() string {
	if l.name == "" {
		return strconv.Itoa(l.custom)
	}
	return l.name
}

// scale maps the named levels onto a 1..9 style range shared by bzip2 and the
// deflate family.
func (l Level) scale(def int) int {
	switch l.name {
	case "quick":
		return 1
	case "fast":
		return 3
	case "balanced":
		return 5
	case "good":
		return 7
	case "best":
		return 9
	case "default":
		return def
	}
	return l.custom
}

func (l Level) zstd() int {
	switch l.name {
	case "quick":
		return 3
	case "fast":
		return 9
	case "balanced":
		return 13
	case "good":
		return 17
	case "best":
		return 22
	case "default":
		return 10
	}
	return l.custom
}

func (l Level) lz4() lz4.CompressionLevel {
	level := l.scale(1)

	switch {
	case level <= 1:
		return lz4.Fast
	case level >= 9:
		return lz4.Level9
	default:
		// lz4.Level1..Level9 are spaced by bit shifts, not increments.
		levels := []lz4.CompressionLevel{
			lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
			lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9,
		}
		return levels[level-1]
	}
}

// Compressor is a push-style streaming compressor. Written bytes become
// readable compressed output; Finish flushes the trailing frame.
type Compressor struct {
	encoder io.WriteCloser
	buf     *bytes.Buffer
}

// NewCompressor creates a streaming compressor for the algorithm and level.
func NewCompressor(algorithm Algorithm, level Level) (*Compressor, error) {
	buf := &bytes.Buffer{}

	var (
		encoder io.WriteCloser
		err     error
	)

	switch algorithm {
	case Lz4:
		w := lz4.NewWriter(buf)
		err = w.Apply(lz4.CompressionLevelOption(level.lz4()))
		encoder = w
	case Bzip2:
		encoder, err = bzip2.NewWriter(buf, &bzip2.WriterConfig{Level: level.scale(4)})
	case Deflate:
		encoder, err = flate.NewWriter(buf, level.scale(6))
	case Gzip:
		encoder, err = gzip.NewWriterLevel(buf, level.scale(6))
	case Zlib:
		encoder, err = zlib.NewWriterLevel(buf, level.scale(6))
	case Zstd:
		encoder, err = zstd.NewWriter(buf, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level.zstd())))
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}

	if err != nil {
		return nil, err
	}

	return &Compressor{encoder: encoder, buf: buf}, nil
}

// Write feeds raw bytes into the compressor.
func (c *Compressor) Write(p []byte) (int, error) {
	return c.encoder.Write(p)
}

// Read drains the compressed bytes produced so far.
func (c *Compressor) Read() []byte {
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	c.buf.Reset()
	return out
}

// Finish closes the stream and returns any remaining compressed bytes.
func (c *Compressor) Finish() ([]byte, error) {
	if err := c.encoder.Close(); err != nil {
		return nil, err
	}
	return c.Read(), nil
}

// Decompressor is a push-style streaming decompressor. The decoder runs in
// its own goroutine fed through a pipe so that decoders which expect an
// io.Reader fit the push model.
type Decompressor struct {
	pw   *io.PipeWriter
	done chan error

	waitOnce sync.Once
	waitErr  error

	mu  sync.Mutex
	out bytes.Buffer
}

func (d *Decompressor) wait() error {
	d.waitOnce.Do(func() {
		d.waitErr = <-d.done
	})
	return d.waitErr
}

type lockedWriter struct {
	d *Decompressor
}

func (w lockedWriter) Write(p []byte) (int, error) {
	w.d.mu.Lock()
	defer w.d.mu.Unlock()
	return w.d.out.Write(p)
}

// NewDecompressor creates a streaming decompressor for the algorithm.
func NewDecompressor(algorithm Algorithm) (*Decompressor, error) {
	switch algorithm {
	case Lz4, Bzip2, Deflate, Gzip, Zlib, Zstd:
	default:
		return nil, fmt.Errorf("unknown compression algorithm %q", algorithm)
	}

	pr, pw := io.Pipe()

	d := &Decompressor{
		pw:   pw,
		done: make(chan error, 1),
	}

	go func() {
		var (
			decoder io.Reader
			err     error
		)

		// Decoder construction happens here because several of them read
		// the stream header from the constructor.
		switch algorithm {
		case Lz4:
			decoder = lz4.NewReader(pr)
		case Bzip2:
			decoder, err = bzip2.NewReader(pr, nil)
		case Deflate:
			decoder = flate.NewReader(pr)
		case Gzip:
			decoder, err = gzip.NewReader(pr)
		case Zlib:
			decoder, err = zlib.NewReader(pr)
		case Zstd:
			var zr *zstd.Decoder
			zr, err = zstd.NewReader(pr)
			if zr != nil {
				defer zr.Close()
				decoder = zr
			}
		}

		if err == nil {
			_, err = io.Copy(lockedWriter{d}, decoder)
		}

		// Unblock the writer if decoding stopped early.
		pr.CloseWithError(err)

		d.done <- err
	}()

	return d, nil
}

// Write feeds compressed bytes into the decompressor.
func (d *Decompressor) Write(p []byte) (int, error) {
	return d.pw.Write(p)
}

// Read drains the decompressed bytes produced so far.
func (d *Decompressor) Read() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]byte, d.out.Len())
	copy(out, d.out.Bytes())
	d.out.Reset()
	return out
}

// Finish closes the input side, waits for the decoder to drain and returns
// any remaining decompressed bytes.
func (d *Decompressor) Finish() ([]byte, error) {
	if err := d.pw.Close(); err != nil {
		return nil, err
	}
	if err := d.wait(); err != nil {
		return nil, err
	}
	return d.Read(), nil
}

// Close aborts the decompressor.
func (d *Decompressor) Close() error {
	d.pw.CloseWithError(io.ErrClosedPipe)
	_ = d.wait()
	return nil
}

// Compress is the one-shot form: all of buf compressed with the algorithm at
// the given level.
func Compress(algorithm Algorithm, level Level, buf []byte) ([]byte, error) {
	compressor, err := NewCompressor(algorithm, level)
	if err != nil {
		return nil, err
	}

	if _, err := compressor.Write(buf); err != nil {
		return nil, err
	}

	head := compressor.Read()
	tail, err := compressor.Finish()
	if err != nil {
		return nil, err
	}

	return append(head, tail...), nil
}

// Decompress is the one-shot inverse of Compress.
func Decompress(algorithm Algorithm, buf []byte) ([]byte, error) {
	decompressor, err := NewDecompressor(algorithm)
	if err != nil {
		return nil, err
	}

	if _, err := decompressor.Write(buf); err != nil {
		return nil, err
	}

	head := decompressor.Read()
	tail, err := decompressor.Finish()
	if err != nil {
		return nil, err
	}

	return append(head, tail...), nil
}
