// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package api implements the capability namespaces exposed to runtime
// modules. Every namespace is built per module context so that path
// accessibility and privilege gates bind to that module alone.
package api

import (
	"errors"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"
)

var errInaccessiblePath = errors.New("path is inaccessible")

// randomHandle draws a fresh 32-bit handle key.
func randomHandle() int32 {
	return rand.Int32()
}

// handles is a mutex-guarded map from random 32-bit keys to live objects.
// Integer handles decouple object lifetime from the script host's GC.
type handles[T any] struct {
	mu sync.Mutex
	m  map[int32]T
}

func newHandles[T any]() *handles[T] {
	return &handles[T]{m: map[int32]T{}}
}

func (h *handles[T]) insert(value T) int32 {
	h.mu.Lock()
	defer h.mu.Unlock()

	key := rand.Int32()
	for {
		if _, ok := h.m[key]; !ok {
			break
		}
		key = rand.Int32()
	}

	h.m[key] = value
	return key
}

func (h *handles[T]) get(key int32) (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	value, ok := h.m[key]
	return value, ok
}

func (h *handles[T]) remove(key int32) (T, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	value, ok := h.m[key]
	if ok {
		delete(h.m, key)
	}
	return value, ok
}

// valueToBytes coerces a Lua value into a byte slice: strings pass through,
// numbers become their big-endian representation and sequence tables are
// read as byte arrays.
func valueToBytes(value lua.LValue) ([]byte, error) {
	switch v := value.(type) {
	case lua.LString:
		return []byte(v), nil

	case lua.LNumber:
		buf := make([]byte, 8)
		if float64(v) == math.Trunc(float64(v)) {
			n := uint64(int64(v))
			for i := range buf {
				buf[i] = byte(n >> (56 - 8*i))
			}
		} else {
			n := math.Float64bits(float64(v))
			for i := range buf {
				buf[i] = byte(n >> (56 - 8*i))
			}
		}
		return buf, nil

	case *lua.LTable:
		data := make([]byte, 0, v.Len())
		var fail error

		v.ForEach(func(_, item lua.LValue) {
			n, ok := item.(lua.LNumber)
			if !ok || n < 0 || n > 255 {
				fail = errors.New("can't coerce given value to a bytes slice")
				return
			}
			data = append(data, byte(n))
		})

		if fail != nil {
			return nil, fail
		}
		return data, nil
	}

	return nil, errors.New("can't coerce given value to a bytes slice")
}

// bytesToTable builds a Lua byte array table.
func bytesToTable(ls *lua.LState, data []byte) *lua.LTable {
	table := ls.CreateTable(len(data), 0)
	for _, b := range data {
		table.Append(lua.LNumber(b))
	}
	return table
}

// API owns the per-runtime state shared between module environments: handle
// tables, channels, mutexes and database connections.
type API struct {
	str        *stringAPI
	filesystem *filesystemAPI
	network    *networkAPI
	downloader *downloaderAPI
	archives   *archivesAPI
	hashes     *hashesAPI
	comp       *compressionAPI
	syncAPI    *syncAPI
	sqlite     *sqliteAPI
	process    *processAPI
}

// New creates the shared API state.
func New() *API {
	return &API{
		str:        newStringAPI(),
		filesystem: newFilesystemAPI(),
		network:    newNetworkAPI(),
		downloader: newDownloaderAPI(),
		archives:   newArchivesAPI(),
		hashes:     newHashesAPI(),
		comp:       newCompressionAPI(),
		syncAPI:    newSyncAPI(),
		sqlite:     newSQLiteAPI(),
		process:    newProcessAPI(),
	}
}

// Close drops the live file, network stream and database handles and every
// sync channel and mutex. Hasher, compressor, archive, downloader and
// process handles stay in their tables.
func (a *API) Close() {
	a.network.close()
	a.filesystem.close()
	a.sqlite.close()

	a.syncAPI.mu.Lock()
	clear(a.syncAPI.channels)
	clear(a.syncAPI.channelMembers)
	clear(a.syncAPI.mutexes)
	clear(a.syncAPI.mutexOwners)
	a.syncAPI.mu.Unlock()
}

// CreateEnv builds the capability table for one module context.
func (a *API) CreateEnv(ls *lua.LState, ctx *Context) *lua.LTable {
	env := ls.NewTable()

	env.RawSetString("clone", ls.NewFunction(luaClone))
	env.RawSetString("dbg", ls.NewFunction(luaDbg))

	env.RawSetString("str", a.str.createEnv(ls))
	env.RawSetString("path", a.pathEnv(ls, ctx))
	env.RawSetString("fs", a.filesystem.createEnv(ls, ctx))
	env.RawSetString("net", a.network.createEnv(ls))
	env.RawSetString("downloader", a.downloader.createEnv(ls, ctx))
	env.RawSetString("archive", a.archives.createEnv(ls, ctx))
	env.RawSetString("hash", a.hashes.createEnv(ls, ctx))
	env.RawSetString("compression", a.comp.createEnv(ls))
	env.RawSetString("sync", a.syncAPI.createEnv(ls))
	env.RawSetString("sqlite", a.sqlite.createEnv(ls, ctx))

	if ctx.ExtProcessAPI {
		env.RawSetString("process", a.process.createEnv(ls, ctx))
	}

	return env
}

// luaClone deep-copies a value: tables recurse, metatables carry over.
func luaClone(ls *lua.LState) int {
	ls.Push(cloneValue(ls, ls.Get(1)))
	return 1
}

func cloneValue(ls *lua.LState, value lua.LValue) lua.LValue {
	table, ok := value.(*lua.LTable)
	if !ok {
		return value
	}

	cloned := ls.NewTable()
	table.ForEach(func(key, item lua.LValue) {
		cloned.RawSet(cloneValue(ls, key), cloneValue(ls, item))
	})
	cloned.Metatable = table.Metatable

	return cloned
}

// luaDbg logs every argument through the process logger.
func luaDbg(ls *lua.LState) int {
	for i := 1; i <= ls.GetTop(); i++ {
		log.Debug().Str("value", ls.Get(i).String()).Msg("module dbg")
	}
	return 0
}
