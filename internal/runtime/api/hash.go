// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/hash"
)

type hashesAPI struct {
	hashers *handles[hash.Digest]
}

func newHashesAPI() *hashesAPI {
	return &hashesAPI{hashers: newHandles[hash.Digest]()}
}

func checkAlgorithm(ls *lua.LState, index int) hash.Algorithm {
	algorithm, err := hash.ParseAlgorithm(ls.CheckString(index))
	if err != nil {
		ls.RaiseError("%s", err)
	}
	return algorithm
}

func (h *hashesAPI) createEnv(ls *lua.LState, ctx *Context) *lua.LTable {
	env := ls.NewTable()

	// Digests come back as byte tables; str.encode turns them into hex.
	env.RawSetString("hash", ls.NewFunction(func(ls *lua.LState) int {
		algorithm := checkAlgorithm(ls, 1)

		data, err := valueToBytes(ls.Get(2))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		ls.Push(bytesToTable(ls, algorithm.SumBytes(data)))
		return 1
	}))

	env.RawSetString("file_hash", ls.NewFunction(func(ls *lua.LState) int {
		algorithm := checkAlgorithm(ls, 1)

		path, err := ResolvePath(ls.CheckString(2))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		if !filepath.IsAbs(path) {
			path = filepath.Join(ctx.ModuleFolder, path)
		}

		if !ctx.IsAccessible(path) {
			ls.RaiseError("%s", errInaccessiblePath)
			return 0
		}

		sum, err := algorithm.SumFile(path)
		if err != nil {
			ls.RaiseError("could not hash file: %s", err)
			return 0
		}

		ls.Push(bytesToTable(ls, sum))
		return 1
	}))

	env.RawSetString("hasher", ls.NewFunction(func(ls *lua.LState) int {
		algorithm := checkAlgorithm(ls, 1)

		ls.Push(lua.LNumber(h.hashers.insert(algorithm.New())))
		return 1
	}))

	env.RawSetString("write", ls.NewFunction(func(ls *lua.LState) int {
		digest, ok := h.hashers.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid hasher handle")
			return 0
		}

		data, err := valueToBytes(ls.Get(2))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		if _, err := digest.Write(data); err != nil {
			ls.RaiseError("could not write hasher: %s", err)
			return 0
		}

		return 0
	}))

	env.RawSetString("finalize", ls.NewFunction(func(ls *lua.LState) int {
		digest, ok := h.hashers.remove(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid hasher handle")
			return 0
		}

		ls.Push(bytesToTable(ls, digest.Sum()))
		return 1
	}))

	return env
}
