// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package lockfile implements the v1 lock file: the canonical representation
// of a resolved package closure, indexed by integer resource ids.
package lockfile

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/caskpkg/cask/internal/hash"
	"github.com/caskpkg/cask/internal/manifest"
)

// FieldError reports an ill-typed or missing lock file field.
type FieldError struct {
	Field    string
	Expected string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid lock file field %q value: expected %q", e.Field, e.Expected)
}

// UnknownVersionError reports an unsupported lock file format version.
type UnknownVersionError struct {
	Version int64
}

func (e *UnknownVersionError) Error() string {
	return fmt.Sprintf("unknown lock file format version: %d", e.Version)
}

// ResourceData is the verification payload of a locked resource.
type ResourceData struct {
	Hash hash.Hash
	Size uint64
}

// Resource is a single locked resource. Only package resources carry
// non-nil Inputs/Outputs maps.
type Resource struct {
	URL     string
	Format  manifest.Format
	Data    ResourceData
	Inputs  map[string]uint32
	Outputs map[string]uint32
}

// LockFile is the canonical closure: a root id set plus a resource array
// indexed by id.
type LockFile struct {
	Root      []uint32
	Resources []Resource
}

// Check verifies the structural invariants: every referenced id is a valid
// index, root ids are unique and non-packages carry no reference maps.
func (l *LockFile) Check() error {
	seen := make(map[uint32]struct{}, len(l.Root))

	for _, id := range l.Root {
		if int(id) >= len(l.Resources) {
			return fmt.Errorf("root id %d out of range", id)
		}
		if _, ok := seen[id]; ok {
			return fmt.Errorf("duplicate root id %d", id)
		}
		seen[id] = struct{}{}
	}

	for i, resource := range l.Resources {
		if resource.Format.Kind != manifest.KindPackage && (resource.Inputs != nil || resource.Outputs != nil) {
			return fmt.Errorf("resource %d: non-package resource with references", i)
		}

		for name, id := range resource.Inputs {
			if int(id) >= len(l.Resources) {
				return fmt.Errorf("resource %d: input %q id %d out of range", i, name, id)
			}
		}
		for name, id := range resource.Outputs {
			if int(id) >= len(l.Resources) {
				return fmt.Errorf("resource %d: output %q id %d out of range", i, name, id)
			}
		}
	}

	return nil
}

func encodeReferences(refs map[string]uint32) map[string]any {
	table := make(map[string]any, len(refs))
	for name, id := range refs {
		table[name] = int64(id)
	}
	return table
}

// Encode renders the lock file to its v1 document form.
func (l *LockFile) Encode() ([]byte, error) {
	root := make([]int64, len(l.Root))
	for i, id := range l.Root {
		root[i] = int64(id)
	}

	resources := make([]map[string]any, len(l.Resources))

	for i, resource := range l.Resources {
		table := map[string]any{
			"url":    resource.URL,
			"format": resource.Format.String(),
			"lock": map[string]any{
				"hash": resource.Data.Hash.Base32(),
				"size": int64(resource.Data.Size),
			},
		}

		if resource.Inputs != nil {
			table["inputs"] = encodeReferences(resource.Inputs)
		}
		if resource.Outputs != nil {
			table["outputs"] = encodeReferences(resource.Outputs)
		}

		resources[i] = table
	}

	return toml.Marshal(map[string]any{
		"lock": map[string]any{
			"format": int64(1),
			"root":   root,
		},
		"resources": resources,
	})
}

func decodeReferences(raw any, field string) (map[string]uint32, error) {
	table, ok := raw.(map[string]any)
	if !ok {
		return nil, &FieldError{Field: field, Expected: "table"}
	}

	refs := make(map[string]uint32, len(table))

	for name, value := range table {
		id, ok := value.(int64)
		if !ok {
			return nil, &FieldError{Field: field, Expected: "table"}
		}
		refs[name] = uint32(id)
	}

	return refs, nil
}

func decodeResource(raw any) (Resource, error) {
	table, ok := raw.(map[string]any)
	if !ok {
		return Resource{}, &FieldError{Field: "resources[]", Expected: "table"}
	}

	url, ok := table["url"].(string)
	if !ok {
		return Resource{}, &FieldError{Field: "<resource>.url", Expected: "string"}
	}

	rawFormat, ok := table["format"].(string)
	if !ok {
		return Resource{}, &FieldError{Field: "<resource>.format", Expected: "string"}
	}

	format, err := manifest.ParseFormat(rawFormat)
	if err != nil {
		return Resource{}, err
	}

	lock, ok := table["lock"].(map[string]any)
	if !ok {
		return Resource{}, &FieldError{Field: "<resource>.lock", Expected: "table"}
	}

	rawHash, ok := lock["hash"].(string)
	if !ok {
		return Resource{}, &FieldError{Field: "<resource>.lock.hash", Expected: "string"}
	}

	parsedHash, ok := hash.FromBase32(rawHash)
	if !ok {
		return Resource{}, &FieldError{Field: "<resource>.lock.hash", Expected: "string"}
	}

	size, ok := lock["size"].(int64)
	if !ok {
		return Resource{}, &FieldError{Field: "<resource>.lock.size", Expected: "integer"}
	}

	resource := Resource{
		URL:    url,
		Format: format,
		Data: ResourceData{
			Hash: parsedHash,
			Size: uint64(size),
		},
	}

	if raw, ok := table["inputs"]; ok {
		resource.Inputs, err = decodeReferences(raw, "<resource>.inputs")
		if err != nil {
			return Resource{}, err
		}
	}

	if raw, ok := table["outputs"]; ok {
		resource.Outputs, err = decodeReferences(raw, "<resource>.outputs")
		if err != nil {
			return Resource{}, err
		}
	}

	return resource, nil
}

// Decode parses a v1 lock file document, rejecting unknown format versions.
func Decode(data []byte) (*LockFile, error) {
	var document map[string]any
	if err := toml.Unmarshal(data, &document); err != nil {
		return nil, err
	}

	lock, ok := document["lock"].(map[string]any)
	if !ok {
		return nil, &FieldError{Field: "lock", Expected: "table"}
	}

	version, ok := lock["format"].(int64)
	if !ok {
		return nil, &FieldError{Field: "lock.format", Expected: "integer"}
	}

	if version != 1 {
		return nil, &UnknownVersionError{Version: version}
	}

	rawRoot, ok := lock["root"].([]any)
	if !ok {
		return nil, &FieldError{Field: "lock.root", Expected: "integer[]"}
	}

	root := make([]uint32, len(rawRoot))
	for i, raw := range rawRoot {
		id, ok := raw.(int64)
		if !ok {
			return nil, &FieldError{Field: "lock.root", Expected: "integer[]"}
		}
		root[i] = uint32(id)
	}

	rawResources, ok := document["resources"].([]any)
	if !ok {
		// An empty closure has no [[resources]] blocks at all.
		if _, present := document["resources"]; present {
			return nil, &FieldError{Field: "resources", Expected: "array"}
		}
		rawResources = nil
	}

	resources := make([]Resource, len(rawResources))
	for i, raw := range rawResources {
		resource, err := decodeResource(raw)
		if err != nil {
			return nil, err
		}
		resources[i] = resource
	}

	return &LockFile{Root: root, Resources: resources}, nil
}

// Load reads and decodes a lock file from disk.
func Load(path string) (*LockFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Save encodes and writes the lock file to disk.
func (l *LockFile) Save(path string) error {
	data, err := l.Encode()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
