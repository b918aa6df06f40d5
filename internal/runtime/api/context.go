// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/caskpkg/cask/internal/hash"
)

// Context fixes the capability grants of one module: its folders, the store
// paths of its package's input resources and the extended privileges.
type Context struct {
	ResourceHash hash.Hash

	TempFolder       string
	ModuleFolder     string
	PersistentFolder string
	InputResources   []string

	// ExtProcessAPI includes the process namespace in the environment.
	ExtProcessAPI bool

	// ExtAllowedPaths grants access to extra paths.
	ExtAllowedPaths []string
}

// IsAccessible checks whether the module may touch the given path.
func (c *Context) IsAccessible(path string) bool {
	allowed := make([]string, 0, 3+len(c.InputResources)+len(c.ExtAllowedPaths))
	allowed = append(allowed, c.ModuleFolder, c.TempFolder, c.PersistentFolder)
	allowed = append(allowed, c.InputResources...)
	allowed = append(allowed, c.ExtAllowedPaths...)

	for _, prefix := range allowed {
		if prefix == "" {
			continue
		}
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}

	return false
}

// ResolvePath follows symlinks until a real filesystem entry is reached.
// Missing entries resolve to themselves.
func ResolvePath(path string) (string, error) {
	for {
		info, err := os.Lstat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return path, nil
			}
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

// resolveInContext resolves symlinks, anchors relative paths at the module
// folder and enforces accessibility.
func (c *Context) resolveInContext(path string) (string, error) {
	resolved, err := ResolvePath(path)
	if err != nil {
		return "", err
	}

	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(c.ModuleFolder, resolved)
	}

	if !c.IsAccessible(resolved) {
		return "", errInaccessiblePath
	}

	return resolved, nil
}
