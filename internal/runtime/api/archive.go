// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"context"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/archive"
)

type archivesAPI struct {
	archives *handles[*archive.Archive]
}

func newArchivesAPI() *archivesAPI {
	return &archivesAPI{archives: newHandles[*archive.Archive]()}
}

type extractEvent struct {
	current uint64
	total   uint64
	diff    uint64
}

func (a *archivesAPI) createEnv(ls *lua.LState, ctx *Context) *lua.LTable {
	env := ls.NewTable()

	env.RawSetString("open", ls.NewFunction(func(ls *lua.LState) int {
		path, err := ctx.resolveInContext(ls.CheckString(1))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		var format archive.Format

		if name := ls.OptString(2, ""); name != "" && name != "auto" {
			parsed, err := archive.ParseFormat(name)
			if err != nil {
				ls.RaiseError("%s", err)
				return 0
			}
			format = parsed
		}

		opened, err := archive.Open(path, format)
		if err != nil {
			ls.RaiseError("could not open archive: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(a.archives.insert(opened)))
		return 1
	}))

	env.RawSetString("entries", ls.NewFunction(func(ls *lua.LState) int {
		opened, ok := a.archives.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid archive handle")
			return 0
		}

		entries, err := opened.Entries(context.Background())
		if err != nil {
			ls.RaiseError("could not list archive: %s", err)
			return 0
		}

		list := ls.CreateTable(len(entries), 0)
		for _, entry := range entries {
			item := ls.NewTable()
			item.RawSetString("path", lua.LString(entry.Path))
			item.RawSetString("size", lua.LNumber(entry.Size))
			list.Append(item)
		}

		ls.Push(list)
		return 1
	}))

	// extract runs the extraction in a worker goroutine; progress events
	// cross back over a channel and the callback runs on the script thread.
	env.RawSetString("extract", ls.NewFunction(func(ls *lua.LState) int {
		opened, ok := a.archives.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid archive handle")
			return 0
		}

		target := ls.CheckString(2)
		if !filepath.IsAbs(target) {
			target = filepath.Join(ctx.ModuleFolder, target)
		}
		if !ctx.IsAccessible(target) {
			ls.RaiseError("%s", errInaccessiblePath)
			return 0
		}

		var progress *lua.LFunction
		if fn, ok := ls.Get(3).(*lua.LFunction); ok {
			progress = fn
		}

		events := make(chan extractEvent, 64)
		done := make(chan error, 1)

		go func() {
			done <- opened.Extract(context.Background(), target, func(current, total, diff uint64) {
				events <- extractEvent{current, total, diff}
			})
			close(events)
		}()

		report := func(event extractEvent) bool {
			if progress == nil {
				return true
			}

			ls.Push(progress)
			ls.Push(lua.LNumber(event.current))
			ls.Push(lua.LNumber(event.total))
			ls.Push(lua.LNumber(event.diff))

			if err := ls.PCall(3, 0, nil); err != nil {
				ls.RaiseError("progress callback failed: %s", err)
				return false
			}
			return true
		}

		for event := range events {
			if !report(event) {
				return 0
			}
		}

		if err := <-done; err != nil {
			ls.RaiseError("could not extract archive: %s", err)
			return 0
		}

		ls.Push(lua.LTrue)
		return 1
	}))

	env.RawSetString("close", ls.NewFunction(func(ls *lua.LState) int {
		a.archives.remove(int32(ls.CheckInt(1)))
		return 0
	}))

	return env
}
