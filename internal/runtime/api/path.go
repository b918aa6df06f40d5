// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"os"
	"path/filepath"
	"strings"

	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/hash"
)

// splitPath breaks a path into normalized parts, folding "." and ".."
// segments. The boolean is false when ".." would escape the path root.
func splitPath(path string) ([]string, bool) {
	cleaned := strings.ReplaceAll(path, "\\", "/")

	var parts []string

	for _, part := range strings.Split(cleaned, "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(parts) == 0 {
				return nil, false
			}
			parts = parts[:len(parts)-1]
		default:
			parts = append(parts, part)
		}
	}

	return parts, true
}

// normalizePath returns the canonical form of a path, or "" when the path
// has no canonical form (empty, pure dots, or ".." escaping the root).
// Only "/" survives as an empty absolute path.
func normalizePath(path string) string {
	cleaned := strings.ReplaceAll(path, "\\", "/")
	isAbsolute := strings.HasPrefix(cleaned, "/")

	parts, ok := splitPath(cleaned)
	if !ok {
		return ""
	}

	if len(parts) == 0 {
		if isAbsolute {
			return "/"
		}
		return ""
	}

	joined := strings.Join(parts, "/")
	if isAbsolute {
		return "/" + joined
	}
	return joined
}

// sanitizePersistKey maps an arbitrary persistent storage key to a safe
// directory name component.
func sanitizePersistKey(key string) string {
	var out strings.Builder

	for _, r := range strings.ToLower(key) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			out.WriteRune(r)
		default:
			out.WriteRune('_')
		}
	}

	sanitized := out.String()
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}

	return sanitized
}

func (a *API) pathEnv(ls *lua.LState, ctx *Context) *lua.LTable {
	env := ls.NewTable()

	env.RawSetString("temp_dir", lua.LString(ctx.TempFolder))
	env.RawSetString("module_dir", lua.LString(ctx.ModuleFolder))

	// persist_dir derives "<base32(hash(key))>-<sanitized key>" so that
	// distinct keys never collide after sanitizing.
	env.RawSetString("persist_dir", ls.NewFunction(func(ls *lua.LState) int {
		key := ls.CheckString(1)

		name := hash.ForString(key).Base32() + "-" + sanitizePersistKey(key)
		path := filepath.Join(ctx.PersistentFolder, name)

		if err := os.MkdirAll(path, 0o755); err != nil {
			ls.RaiseError("could not prepare persistent folder: %s", err)
			return 0
		}

		ls.Push(lua.LString(path))
		return 1
	}))

	env.RawSetString("normalize", ls.NewFunction(func(ls *lua.LState) int {
		normalized := normalizePath(ls.CheckString(1))
		if normalized == "" {
			ls.Push(lua.LNil)
			return 1
		}

		ls.Push(lua.LString(normalized))
		return 1
	}))

	env.RawSetString("join", ls.NewFunction(func(ls *lua.LState) int {
		parts := make([]string, 0, ls.GetTop())
		for i := 1; i <= ls.GetTop(); i++ {
			parts = append(parts, ls.CheckString(i))
		}

		normalized := normalizePath(strings.Join(parts, "/"))
		if normalized == "" {
			ls.Push(lua.LNil)
			return 1
		}

		ls.Push(lua.LString(normalized))
		return 1
	}))

	env.RawSetString("parts", ls.NewFunction(func(ls *lua.LState) int {
		parts, ok := splitPath(ls.CheckString(1))
		if !ok || len(parts) == 0 {
			ls.Push(lua.LNil)
			return 1
		}

		table := ls.CreateTable(len(parts), 0)
		for _, part := range parts {
			table.Append(lua.LString(part))
		}

		ls.Push(table)
		return 1
	}))

	env.RawSetString("parent", ls.NewFunction(func(ls *lua.LState) int {
		path := ls.CheckString(1)
		isAbsolute := strings.HasPrefix(strings.ReplaceAll(path, "\\", "/"), "/")

		parts, ok := splitPath(path)
		if !ok || len(parts) < 2 {
			ls.Push(lua.LNil)
			return 1
		}

		joined := strings.Join(parts[:len(parts)-1], "/")
		if isAbsolute {
			joined = "/" + joined
		}

		ls.Push(lua.LString(joined))
		return 1
	}))

	env.RawSetString("file_name", ls.NewFunction(func(ls *lua.LState) int {
		path := ls.CheckString(1)
		if path == "/" {
			ls.Push(lua.LString("/"))
			return 1
		}

		parts, ok := splitPath(path)
		if !ok || len(parts) == 0 {
			ls.Push(lua.LNil)
			return 1
		}

		ls.Push(lua.LString(parts[len(parts)-1]))
		return 1
	}))

	env.RawSetString("exists", ls.NewFunction(func(ls *lua.LState) int {
		path, err := ResolvePath(ls.CheckString(1))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		_, err = os.Stat(path)
		ls.Push(lua.LBool(err == nil))
		return 1
	}))

	env.RawSetString("accessible", ls.NewFunction(func(ls *lua.LState) int {
		path, err := ResolvePath(ls.CheckString(1))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		ls.Push(lua.LBool(ctx.IsAccessible(path)))
		return 1
	}))

	return env
}
