// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package archive probes archive formats by filename and extracts tar, zip
// and 7z archives (including the common compressed tar variants) through
// mholt/archives.
package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/mholt/archives"
	"github.com/pkg/errors"
)

// Format is an archive family from the catalog.
type Format string

const (
	Tar    Format = "tar"
	Zip    Format = "zip"
	Sevenz Format = "7z"
)

var formatExtensions = []struct {
	format Format
	exts   []string
}{
	{Tar, []string{
		".tar",
		".tar.xz", ".tar.gz", ".tar.bz2", ".tar.zst", ".tar.zstd",
		".txz", ".tgz", ".tbz2", ".tzst", ".tzstd",
	}},
	{Zip, []string{".zip"}},
	{Sevenz, []string{".7z", ".7z.001", ".zip.001"}},
}

// FromPath assumes the archive format from a filesystem path. The boolean is
// false when no known extension matches.
func FromPath(path string) (Format, bool) {
	for _, candidate := range formatExtensions {
		for _, ext := range candidate.exts {
			if strings.HasSuffix(path, ext) {
				return candidate.format, true
			}
		}
	}
	return "", false
}

// ParseFormat validates a catalog name.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "tar":
		return Tar, nil
	case "zip":
		return Zip, nil
	case "7z", "sevenz":
		return Sevenz, nil
	}
	return "", errors.Errorf("unsupported archive format: %s", s)
}

func (f Format) String() string {
	return string(f)
}

// decoder picks the concrete mholt/archives extractor for a file. The
// filename decides the compression wrapping; the format decides the family
// fallback when the extension is unknown.
func decoder(path string, format Format) archives.Extraction {
	name := strings.ToLower(filepath.Base(path))

	var compression archives.Compression

	switch {
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		compression = archives.Gz{}
	case strings.HasSuffix(name, ".tar.xz"), strings.HasSuffix(name, ".txz"):
		compression = archives.Xz{}
	case strings.HasSuffix(name, ".tar.bz2"), strings.HasSuffix(name, ".tbz2"):
		compression = archives.Bz2{}
	case strings.HasSuffix(name, ".tar.zst"), strings.HasSuffix(name, ".tar.zstd"),
		strings.HasSuffix(name, ".tzst"), strings.HasSuffix(name, ".tzstd"):
		compression = archives.Zstd{}
	}

	switch format {
	case Zip:
		return archives.Zip{}
	case Sevenz:
		return archives.SevenZip{}
	default:
		if compression != nil {
			return archives.CompressedArchive{
				Compression: compression,
				Extraction:  archives.Tar{},
			}
		}
		return archives.Tar{}
	}
}

// Entry describes a single archive member.
type Entry struct {
	Path string
	Size uint64
}

// Archive is an opened archive file.
type Archive struct {
	path   string
	name   string
	format Format
}

// Open prepares an archive for listing and extraction. An empty format
// triggers probe-by-extension ("auto" behaves the same way).
func Open(path string, format Format) (*Archive, error) {
	return OpenAs(path, filepath.Base(path), format)
}

// OpenAs is Open with an explicit probe name. The resolver downloads
// archives into hash-named temp files, so the original URL file name has to
// carry the extension information.
func OpenAs(path, name string, format Format) (*Archive, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	if format == "" || format == "auto" {
		probed, ok := FromPath(name)
		if !ok {
			return nil, errors.Errorf("could not probe archive format: %s", name)
		}
		format = probed
	}

	return &Archive{path: path, name: name, format: format}, nil
}

// Format returns the archive family.
func (a *Archive) Format() Format {
	return a.format
}

// walk streams the archive members through fn.
func (a *Archive) walk(ctx context.Context, fn archives.FileHandler) error {
	file, err := os.Open(a.path)
	if err != nil {
		return err
	}
	defer file.Close()

	return decoder(a.name, a.format).Extract(ctx, file, fn)
}

// Entries lists the archive members. Directories are skipped, matching the
// external tar listing behavior.
func (a *Archive) Entries(ctx context.Context) ([]Entry, error) {
	var entries []Entry

	err := a.walk(ctx, func(_ context.Context, info archives.FileInfo) error {
		if info.IsDir() || info.LinkTarget != "" {
			return nil
		}

		entries = append(entries, Entry{
			Path: filepath.ToSlash(info.NameInArchive),
			Size: uint64(info.Size()),
		})

		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "could not list archive: %s", a.path)
	}

	return entries, nil
}

// Progress reports extraction state: bytes written so far, total bytes
// expected and the change since the previous report.
type Progress func(current, total, diff uint64)

// Extract unpacks the archive into target, reporting byte progress. The
// total is derived from a listing pass, so the archive is read twice.
func (a *Archive) Extract(ctx context.Context, target string, progress Progress) error {
	entries, err := a.Entries(ctx)
	if err != nil {
		return err
	}

	var total uint64
	for _, entry := range entries {
		total += entry.Size
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	var current uint64

	err = a.walk(ctx, func(_ context.Context, info archives.FileInfo) error {
		dest := filepath.Join(target, filepath.FromSlash(info.NameInArchive))

		// Keep extraction inside the target directory.
		if !strings.HasPrefix(dest, filepath.Clean(target)+string(os.PathSeparator)) && dest != filepath.Clean(target) {
			return errors.Errorf("archive entry escapes target: %s", info.NameInArchive)
		}

		switch {
		case info.IsDir():
			return os.MkdirAll(dest, 0o755)

		case info.LinkTarget != "":
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			return os.Symlink(info.LinkTarget, dest)

		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}

			src, err := info.Open()
			if err != nil {
				return err
			}
			defer src.Close()

			mode := info.Mode().Perm()
			if mode == 0 {
				mode = 0o644
			}

			out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
			if err != nil {
				return err
			}

			written, err := io.Copy(out, src)
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}

			current += uint64(written)
			if progress != nil {
				progress(current, total, uint64(written))
			}

			return err
		}
	})
	if err != nil {
		return errors.Wrapf(err, "could not extract archive: %s", a.path)
	}

	return nil
}
