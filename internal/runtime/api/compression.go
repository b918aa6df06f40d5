// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/compress"
)

type compressionAPI struct {
	compressors   *handles[*compress.Compressor]
	decompressors *handles[*compress.Decompressor]
}

func newCompressionAPI() *compressionAPI {
	return &compressionAPI{
		compressors:   newHandles[*compress.Compressor](),
		decompressors: newHandles[*compress.Decompressor](),
	}
}

func checkCompression(ls *lua.LState, index int) compress.Algorithm {
	algorithm, err := compress.ParseAlgorithm(ls.CheckString(index))
	if err != nil {
		ls.RaiseError("%s", err)
	}
	return algorithm
}

func optLevel(ls *lua.LState, index int) compress.Level {
	raw := ls.Get(index)

	switch value := raw.(type) {
	case *lua.LNilType:
		return compress.LevelDefault
	case lua.LNumber:
		return compress.CustomLevel(int(value))
	case lua.LString:
		level, err := compress.ParseLevel(string(value))
		if err != nil {
			ls.RaiseError("%s", err)
		}
		return level
	}

	ls.RaiseError("invalid compression level")
	return compress.LevelDefault
}

func (c *compressionAPI) createEnv(ls *lua.LState) *lua.LTable {
	env := ls.NewTable()

	env.RawSetString("compress", ls.NewFunction(func(ls *lua.LState) int {
		algorithm := checkCompression(ls, 1)

		data, err := valueToBytes(ls.Get(2))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		compressed, err := compress.Compress(algorithm, optLevel(ls, 3), data)
		if err != nil {
			ls.RaiseError("could not compress: %s", err)
			return 0
		}

		ls.Push(lua.LString(compressed))
		return 1
	}))

	env.RawSetString("decompress", ls.NewFunction(func(ls *lua.LState) int {
		algorithm := checkCompression(ls, 1)

		data, err := valueToBytes(ls.Get(2))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		decompressed, err := compress.Decompress(algorithm, data)
		if err != nil {
			ls.RaiseError("could not decompress: %s", err)
			return 0
		}

		ls.Push(lua.LString(decompressed))
		return 1
	}))

	env.RawSetString("compressor", ls.NewFunction(func(ls *lua.LState) int {
		algorithm := checkCompression(ls, 1)

		compressor, err := compress.NewCompressor(algorithm, optLevel(ls, 2))
		if err != nil {
			ls.RaiseError("could not create compressor: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(c.compressors.insert(compressor)))
		return 1
	}))

	env.RawSetString("decompressor", ls.NewFunction(func(ls *lua.LState) int {
		algorithm := checkCompression(ls, 1)

		decompressor, err := compress.NewDecompressor(algorithm)
		if err != nil {
			ls.RaiseError("could not create decompressor: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(c.decompressors.insert(decompressor)))
		return 1
	}))

	env.RawSetString("write", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		data, err := valueToBytes(ls.Get(2))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		if compressor, ok := c.compressors.get(handle); ok {
			if _, err := compressor.Write(data); err != nil {
				ls.RaiseError("could not write compressor: %s", err)
			}
			return 0
		}

		if decompressor, ok := c.decompressors.get(handle); ok {
			if _, err := decompressor.Write(data); err != nil {
				ls.RaiseError("could not write decompressor: %s", err)
			}
			return 0
		}

		ls.RaiseError("invalid compression handle")
		return 0
	}))

	env.RawSetString("read", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		if compressor, ok := c.compressors.get(handle); ok {
			ls.Push(lua.LString(compressor.Read()))
			return 1
		}

		if decompressor, ok := c.decompressors.get(handle); ok {
			ls.Push(lua.LString(decompressor.Read()))
			return 1
		}

		ls.RaiseError("invalid compression handle")
		return 0
	}))

	env.RawSetString("finish", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		if compressor, ok := c.compressors.remove(handle); ok {
			tail, err := compressor.Finish()
			if err != nil {
				ls.RaiseError("could not finish compressor: %s", err)
				return 0
			}
			ls.Push(lua.LString(tail))
			return 1
		}

		if decompressor, ok := c.decompressors.remove(handle); ok {
			tail, err := decompressor.Finish()
			if err != nil {
				ls.RaiseError("could not finish decompressor: %s", err)
				return 0
			}
			ls.Push(lua.LString(tail))
			return 1
		}

		ls.RaiseError("invalid compression handle")
		return 0
	}))

	env.RawSetString("close", ls.NewFunction(func(ls *lua.LState) int {
		handle := int32(ls.CheckInt(1))

		if _, ok := c.compressors.remove(handle); ok {
			return 0
		}
		if decompressor, ok := c.decompressors.remove(handle); ok {
			_ = decompressor.Close()
		}
		return 0
	}))

	return env
}
