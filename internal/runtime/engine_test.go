// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package runtime

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/hash"
	"github.com/caskpkg/cask/internal/lockfile"
	"github.com/caskpkg/cask/internal/manifest"
	"github.com/caskpkg/cask/internal/store"
)

// fixture builds a store + lock file without touching the network:
// package P (root) exports module M and imports package Q, which exports
// module N; P also has a plain file input.
func fixture(t *testing.T, moduleSource string) (*store.Store, *lockfile.LockFile) {
	t.Helper()

	st := store.New(t.TempDir())

	commit := func(data []byte) hash.Hash {
		h := hash.ForBytes(data)
		require.NoError(t, os.WriteFile(st.Path(h), data, 0o644))
		return h
	}

	moduleM := commit([]byte(moduleSource))
	moduleN := commit([]byte("return { v = 1 }"))
	dataFile := commit([]byte("raw bytes"))

	lock := &lockfile.LockFile{
		Root: []uint32{0},
		Resources: []lockfile.Resource{
			{
				URL:     "https://example.com/p/package.json",
				Format:  manifest.PackageFormat,
				Data:    lockfile.ResourceData{Hash: hash.ForString("p"), Size: 1},
				Inputs:  map[string]uint32{"q": 2, "data": 4},
				Outputs: map[string]uint32{"m": 1},
			},
			{
				URL:    "https://example.com/p/m.lua",
				Format: manifest.ModuleFormat(manifest.DialectLuau),
				Data:   lockfile.ResourceData{Hash: moduleM, Size: uint64(len(moduleSource))},
			},
			{
				URL:     "https://example.com/q/package.json",
				Format:  manifest.PackageFormat,
				Data:    lockfile.ResourceData{Hash: hash.ForString("q"), Size: 1},
				Inputs:  map[string]uint32{},
				Outputs: map[string]uint32{"n": 3},
			},
			{
				URL:    "https://example.com/q/n.lua",
				Format: manifest.ModuleFormat(manifest.DialectLuau),
				Data:   lockfile.ResourceData{Hash: moduleN, Size: 16},
			},
			{
				URL:    "https://example.com/p/data.bin",
				Format: manifest.FileFormat,
				Data:   lockfile.ResourceData{Hash: dataFile, Size: 9},
			},
		},
	}

	return st, lock
}

func create(t *testing.T, st *store.Store, lock *lockfile.LockFile) (*lua.LState, *Engine) {
	t.Helper()

	ls := lua.NewState()
	t.Cleanup(ls.Close)

	base := t.TempDir()

	engine, err := Create(ls, st, lock, Options{
		TempStorePath:    filepath.Join(base, "temp"),
		PersistStorePath: filepath.Join(base, "persist"),
		ModulesStorePath: filepath.Join(base, "modules"),
	})
	require.NoError(t, err)
	t.Cleanup(engine.Close)

	return ls, engine
}

func TestRuntimeLoad(t *testing.T) {
	st, lock := fixture(t, `
local q = import("q")
local wrapped = load("q")
local data = load("data")

local missing_ok = pcall(function()
    return import("nope")
end)

return {
    v = q.n.v,
    wrapped_v = wrapped.value.n.value.v,
    data_is_path = type(data.value) == "string",
    missing = missing_ok,
}
`)

	_, engine := create(t, st, lock)

	modules, err := engine.LoadRootModules()
	require.NoError(t, err)
	require.Len(t, modules, 1)

	value, ok := modules[0].RawGetString("value").(*lua.LTable)
	require.True(t, ok, "module value should be a table")

	assert.Equal(t, lua.LNumber(1), value.RawGetString("v"))
	assert.Equal(t, lua.LNumber(1), value.RawGetString("wrapped_v"))
	assert.Equal(t, lua.LTrue, value.RawGetString("data_is_path"))
	assert.Equal(t, lua.LFalse, value.RawGetString("missing"))
}

func TestRuntimeRootResources(t *testing.T) {
	st, lock := fixture(t, "return true")

	_, engine := create(t, st, lock)

	roots, err := engine.LoadRootResources()
	require.NoError(t, err)
	require.Len(t, roots, 1)

	assert.Equal(t, lua.LString("package"), roots[0].RawGetString("format"))
}

func TestRuntimeLoadResource(t *testing.T) {
	st, lock := fixture(t, "return 42")

	_, engine := create(t, st, lock)

	// By lock index.
	resource, err := engine.LoadResource("1")
	require.NoError(t, err)
	require.NotNil(t, resource)
	assert.Equal(t, lua.LNumber(42), resource.RawGetString("value"))

	// By hash substring.
	encoded := lock.Resources[3].Data.Hash.Base32()
	resource, err = engine.LoadResource(encoded[2:9])
	require.NoError(t, err)
	require.NotNil(t, resource)
	assert.Equal(t, lua.LString(encoded), resource.RawGetString("hash"))

	// Nothing matches.
	resource, err = engine.LoadResource("zzzzzzzzzzzzzzzzzz")
	require.NoError(t, err)
	assert.Nil(t, resource)
}

func TestRuntimeModuleFailureAborts(t *testing.T) {
	st, lock := fixture(t, `error("boom")`)

	ls := lua.NewState()
	t.Cleanup(ls.Close)

	base := t.TempDir()

	_, err := Create(ls, st, lock, Options{
		TempStorePath:    filepath.Join(base, "temp"),
		PersistStorePath: filepath.Join(base, "persist"),
		ModulesStorePath: filepath.Join(base, "modules"),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestRuntimeRejectsBrokenLock(t *testing.T) {
	st, lock := fixture(t, "return 1")
	lock.Root = []uint32{99}

	ls := lua.NewState()
	t.Cleanup(ls.Close)

	base := t.TempDir()

	_, err := Create(ls, st, lock, Options{
		TempStorePath:    filepath.Join(base, "temp"),
		PersistStorePath: filepath.Join(base, "persist"),
		ModulesStorePath: filepath.Join(base, "modules"),
	})
	require.Error(t, err)
}
