// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package manifest implements the v1 package manifest schema: metadata,
// runtime requirements and the inputs/outputs resource tables.
package manifest

import (
	"fmt"

	"github.com/pelletier/go-toml/v2"

	"github.com/caskpkg/cask/internal/hash"
)

// FieldError reports an ill-typed or missing manifest field.
type FieldError struct {
	Field    string
	Expected string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid manifest field %q value: expected %q", e.Field, e.Expected)
}

// UnknownVersionError reports an unsupported manifest format version.
type UnknownVersionError struct {
	Version int64
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("unknown package manifest format version: %d", e.Version)
}

// ResourceInfo declares one input or output resource of a package.
type ResourceInfo struct {
	// URI is a relative or absolute path to the resource.
	URI string

	// Format of the resource. Determined from the URI when not explicit.
	Format Format

	// Hash is the expected resource hash. When set and mismatched at
	// resolve time the package is rejected.
	Hash *hash.Hash
}

// PackageInfo carries package metadata.
type PackageInfo struct {
	Description string
	Authors     []string
}

func (i PackageInfo) IsEmpty() bool {
	return i.Description == "" && len(i.Authors) == 0
}

// RuntimeInfo carries requirements for the modules runtime.
type RuntimeInfo struct {
	MinimalVersion int64
}

func (i RuntimeInfo) IsEmpty() bool {
	return i.MinimalVersion < 2
}

// Manifest is a parsed v1 package manifest.
type Manifest struct {
	Package PackageInfo
	Runtime RuntimeInfo
	Inputs  map[string]ResourceInfo
	Outputs map[string]ResourceInfo
}

func asTable(v any) (map[string]any, bool) {
	table, ok := v.(map[string]any)
	return table, ok
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asInteger(v any) (int64, bool) {
	n, ok := v.(int64)
	return n, ok
}

func parseResource(table map[string]any) (ResourceInfo, error) {
	rawURI, ok := table["uri"]
	if !ok {
		return ResourceInfo{}, &FieldError{Field: "<resource>.uri", Expected: "string"}
	}

	uri, ok := asString(rawURI)
	if !ok {
		return ResourceInfo{}, &FieldError{Field: "<resource>.uri", Expected: "string"}
	}

	format := FormatFromURI(uri)

	if rawFormat, ok := table["format"]; ok {
		s, ok := asString(rawFormat)
		if !ok {
			return ResourceInfo{}, &FieldError{Field: "<resource>.format", Expected: "string"}
		}

		parsed, err := ParseFormat(s)
		if err != nil {
			return ResourceInfo{}, err
		}
		format = parsed
	}

	var expected *hash.Hash

	if rawHash, ok := table["hash"]; ok {
		switch value := rawHash.(type) {
		case string:
			parsed, ok := hash.FromBase32(value)
			if !ok {
				return ResourceInfo{}, &FieldError{Field: "<resource>.hash", Expected: "string"}
			}
			expected = &parsed

		case int64:
			parsed := hash.Hash(uint64(value))
			expected = &parsed

		default:
			return ResourceInfo{}, &FieldError{Field: "<resource>.hash", Expected: "string"}
		}
	}

	return ResourceInfo{URI: uri, Format: format, Hash: expected}, nil
}

func parseResourceTable(raw any, field string) (map[string]ResourceInfo, error) {
	table, ok := asTable(raw)
	if !ok {
		return nil, &FieldError{Field: field, Expected: "table"}
	}

	resources := make(map[string]ResourceInfo, len(table))

	for name, value := range table {
		// A plain string is a URI shorthand with everything inferred.
		if uri, ok := asString(value); ok {
			resources[name] = ResourceInfo{URI: uri, Format: FormatFromURI(uri)}
			continue
		}

		resource, ok := asTable(value)
		if !ok {
			return nil, &FieldError{Field: field + "[]", Expected: "table"}
		}

		parsed, err := parseResource(resource)
		if err != nil {
			return nil, err
		}

		resources[name] = parsed
	}

	return resources, nil
}

// Decode parses a v1 manifest document.
func Decode(data []byte) (*Manifest, error) {
	var document map[string]any
	if err := toml.Unmarshal(data, &document); err != nil {
		return nil, err
	}

	pkg, ok := asTable(document["package"])
	if !ok {
		return nil, &FieldError{Field: "package", Expected: "table"}
	}

	version, ok := asInteger(pkg["format"])
	if !ok {
		return nil, &FieldError{Field: "package.format", Expected: "integer"}
	}

	if version != 1 {
		return nil, &UnknownVersionError{Version: version}
	}

	manifest := &Manifest{
		Inputs:  map[string]ResourceInfo{},
		Outputs: map[string]ResourceInfo{},
	}

	if raw, ok := pkg["description"]; ok {
		description, ok := asString(raw)
		if !ok {
			return nil, &FieldError{Field: "package.description", Expected: "string"}
		}
		manifest.Package.Description = description
	}

	if raw, ok := pkg["authors"]; ok {
		authors, ok := raw.([]any)
		if !ok {
			return nil, &FieldError{Field: "package.authors", Expected: "string[]"}
		}

		for _, author := range authors {
			s, ok := asString(author)
			if !ok {
				return nil, &FieldError{Field: "package.authors", Expected: "string[]"}
			}
			manifest.Package.Authors = append(manifest.Package.Authors, s)
		}
	}

	if raw, ok := document["runtime"]; ok {
		runtime, ok := asTable(raw)
		if !ok {
			return nil, &FieldError{Field: "runtime", Expected: "table"}
		}

		if rawVersion, ok := runtime["minimal_version"]; ok {
			minimal, ok := asInteger(rawVersion)
			if !ok {
				return nil, &FieldError{Field: "runtime.minimal_version", Expected: "integer"}
			}
			manifest.Runtime.MinimalVersion = minimal
		}
	}

	if raw, ok := document["inputs"]; ok {
		inputs, err := parseResourceTable(raw, "inputs")
		if err != nil {
			return nil, err
		}
		manifest.Inputs = inputs
	}

	if raw, ok := document["outputs"]; ok {
		outputs, err := parseResourceTable(raw, "outputs")
		if err != nil {
			return nil, err
		}
		manifest.Outputs = outputs
	}

	return manifest, nil
}

func encodeResource(resource ResourceInfo) map[string]any {
	table := map[string]any{
		"uri":    resource.URI,
		"format": resource.Format.String(),
	}

	if resource.Hash != nil {
		table["hash"] = resource.Hash.Base32()
	}

	return table
}

// Encode renders the manifest back to its v1 document form. Empty sections
// are omitted.
func (m *Manifest) Encode() ([]byte, error) {
	pkg := map[string]any{"format": int64(1)}

	if m.Package.Description != "" {
		pkg["description"] = m.Package.Description
	}
	if len(m.Package.Authors) > 0 {
		pkg["authors"] = m.Package.Authors
	}

	document := map[string]any{"package": pkg}

	if !m.Runtime.IsEmpty() {
		document["runtime"] = map[string]any{"minimal_version": m.Runtime.MinimalVersion}
	}

	if len(m.Inputs) > 0 {
		inputs := make(map[string]any, len(m.Inputs))
		for name, resource := range m.Inputs {
			inputs[name] = encodeResource(resource)
		}
		document["inputs"] = inputs
	}

	if len(m.Outputs) > 0 {
		outputs := make(map[string]any, len(m.Outputs))
		for name, resource := range m.Outputs {
			outputs[name] = encodeResource(resource)
		}
		document["outputs"] = outputs
	}

	return toml.Marshal(document)
}
