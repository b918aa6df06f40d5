// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package manifest

import (
	"fmt"
	"strings"

	"github.com/caskpkg/cask/internal/archive"
)

// FormatKind is the primary resource format tag.
type FormatKind uint8

const (
	// KindFile uses the resource as an opaque file readable by modules.
	KindFile FormatKind = iota

	// KindPackage is another package imported as a dependency.
	KindPackage

	// KindModule is a script executed in the runtime.
	KindModule

	// KindArchive is extracted and its files made readable by modules.
	KindArchive
)

// ModuleDialect names the scripting dialect of a module resource.
type ModuleDialect uint8

const (
	DialectAuto ModuleDialect = iota
	DialectLuau
)

func (d ModuleDialect) String() string {
	if d == DialectLuau {
		return "luau"
	}
	return "auto"
}

// ArchiveKind names the archive family of an archive resource.
type ArchiveKind uint8

const (
	ArchiveAuto ArchiveKind = iota
	ArchiveTar
	ArchiveZip
	ArchiveSevenz
)

func (k ArchiveKind) String() string {
	switch k {
	case ArchiveTar:
		return "tar"
	case ArchiveZip:
		return "zip"
	case ArchiveSevenz:
		return "7z"
	default:
		return "auto"
	}
}

// Probe returns the concrete archive format for extraction. Auto probes by
// filename, so it is equivalent to passing no format at all.
func (k ArchiveKind) Probe() archive.Format {
	switch k {
	case ArchiveTar:
		return archive.Tar
	case ArchiveZip:
		return archive.Zip
	case ArchiveSevenz:
		return archive.Sevenz
	default:
		return ""
	}
}

// Format is the tagged resource format variant. The zero value is a file.
// Format values are comparable and used as map keys by the resolver.
type Format struct {
	Kind    FormatKind
	Dialect ModuleDialect
	Archive ArchiveKind
}

var (
	FileFormat    = Format{Kind: KindFile}
	PackageFormat = Format{Kind: KindPackage}
)

// ModuleFormat builds a module format with the given dialect.
func ModuleFormat(dialect ModuleDialect) Format {
	return Format{Kind: KindModule, Dialect: dialect}
}

// ArchiveFormat builds an archive format with the given kind.
func ArchiveFormat(kind ArchiveKind) Format {
	return Format{Kind: KindArchive, Archive: kind}
}

func (f Format) String() string {
	switch f.Kind {
	case KindPackage:
		return "package"
	case KindModule:
		return "module/" + f.Dialect.String()
	case KindArchive:
		return "archive/" + f.Archive.String()
	default:
		return "file"
	}
}

// ParseFormat parses a format string like "file", "package",
// "module/<dialect>" or "archive/<kind>". A missing secondary part means
// "auto".
func ParseFormat(s string) (Format, error) {
	primary, secondary, found := strings.Cut(s, "/")
	if !found {
		secondary = "auto"
	}

	switch primary {
	case "file":
		return FileFormat, nil

	case "package":
		return PackageFormat, nil

	case "module":
		switch secondary {
		case "auto":
			return ModuleFormat(DialectAuto), nil
		case "luau", "lua":
			return ModuleFormat(DialectLuau), nil
		}
		return Format{}, fmt.Errorf("unknown module format %q", secondary)

	case "archive":
		switch secondary {
		case "auto":
			return ArchiveFormat(ArchiveAuto), nil
		case "tar":
			return ArchiveFormat(ArchiveTar), nil
		case "zip":
			return ArchiveFormat(ArchiveZip), nil
		case "7z", "sevenz":
			return ArchiveFormat(ArchiveSevenz), nil
		}
		return Format{}, fmt.Errorf("unknown archive format %q", secondary)
	}

	return Format{}, fmt.Errorf("unknown resource format %q", s)
}

// FormatFromURI predicts the resource format from a URI. Only the file name
// after the last separator is considered; a URI without any separator has no
// file name and defaults to a plain file.
func FormatFromURI(uri string) Format {
	cleaned := strings.ReplaceAll(uri, "\\", "/")
	cleaned = strings.ReplaceAll(cleaned, "//", "/")

	idx := strings.LastIndex(cleaned, "/")
	if idx < 0 {
		return FileFormat
	}

	fileName := cleaned[idx+1:]

	if kind, ok := archive.FromPath(fileName); ok {
		switch kind {
		case archive.Tar:
			return ArchiveFormat(ArchiveTar)
		case archive.Zip:
			return ArchiveFormat(ArchiveZip)
		case archive.Sevenz:
			return ArchiveFormat(ArchiveSevenz)
		}
	}

	if strings.HasSuffix(fileName, ".luau") || strings.HasSuffix(fileName, ".lua") {
		return ModuleFormat(DialectLuau)
	}

	return FileFormat
}
