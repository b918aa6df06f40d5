// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"os"
	"path/filepath"
	"time"

	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/download"
)

// waitUpdateInterval paces on_update callbacks while a script blocks in
// downloader.wait.
const waitUpdateInterval = 50 * time.Millisecond

// downloadTask couples a running download with its script callbacks. The
// callbacks run on the script thread from progress/wait, never from the
// download goroutine, which would deadlock the blocked engine.
type downloadTask struct {
	task     *download.Task
	onUpdate *lua.LFunction
	onFinish *lua.LFunction
}

type downloaderAPI struct {
	downloaders *handles[*download.Downloader]
	tasks       *handles[*downloadTask]
}

func newDownloaderAPI() *downloaderAPI {
	return &downloaderAPI{
		downloaders: newHandles[*download.Downloader](),
		tasks:       newHandles[*downloadTask](),
	}
}

func (d *downloaderAPI) createEnv(ls *lua.LState, ctx *Context) *lua.LTable {
	env := ls.NewTable()

	env.RawSetString("create", ls.NewFunction(func(ls *lua.LState) int {
		ls.Push(lua.LNumber(d.downloaders.insert(download.New())))
		return 1
	}))

	env.RawSetString("download", ls.NewFunction(func(ls *lua.LState) int {
		downloader, ok := d.downloaders.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid downloader handle")
			return 0
		}

		options := ls.CheckTable(2)

		url, ok := options.RawGetString("url").(lua.LString)
		if !ok {
			ls.RaiseError("downloader options require a url")
			return 0
		}

		rawOutput, ok := options.RawGetString("output_file").(lua.LString)
		if !ok {
			ls.RaiseError("downloader options require an output_file")
			return 0
		}

		output, err := ResolvePath(string(rawOutput))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		if !filepath.IsAbs(output) {
			output = filepath.Join(ctx.ModuleFolder, output)
		}

		if !ctx.IsAccessible(output) {
			ls.RaiseError("%s", errInaccessiblePath)
			return 0
		}

		if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
			ls.RaiseError("could not prepare output folder: %s", err)
			return 0
		}

		downloadOptions := download.Options{ContinueDownload: true}

		if value, ok := options.RawGetString("continue_download").(lua.LBool); ok {
			downloadOptions.ContinueDownload = bool(value)
		}

		entry := &downloadTask{}

		if fn, ok := options.RawGetString("on_update").(*lua.LFunction); ok {
			entry.onUpdate = fn
		}
		if fn, ok := options.RawGetString("on_finish").(*lua.LFunction); ok {
			entry.onFinish = fn
		}

		entry.task = downloader.DownloadWithOptions(string(url), output, downloadOptions)

		ls.Push(lua.LNumber(d.tasks.insert(entry)))
		return 1
	}))

	env.RawSetString("progress", ls.NewFunction(func(ls *lua.LState) int {
		entry, ok := d.tasks.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid download task handle")
			return 0
		}

		current, total := entry.task.Current(), entry.task.Total()

		progress := ls.NewTable()
		progress.RawSetString("current", lua.LNumber(current))
		progress.RawSetString("total", lua.LNumber(total))
		progress.RawSetString("fraction", lua.LNumber(entry.task.Fraction()))
		progress.RawSetString("finished", lua.LBool(entry.task.IsFinished()))

		if entry.onUpdate != nil {
			ls.Push(entry.onUpdate)
			ls.Push(lua.LNumber(current))
			ls.Push(lua.LNumber(total))
			if err := ls.PCall(2, 0, nil); err != nil {
				ls.RaiseError("on_update callback failed: %s", err)
				return 0
			}
		}

		ls.Push(progress)
		return 1
	}))

	// wait blocks the script until every byte is committed to disk and the
	// final callback has fired.
	env.RawSetString("wait", ls.NewFunction(func(ls *lua.LState) int {
		entry, ok := d.tasks.remove(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid download task handle")
			return 0
		}

		for !entry.task.IsFinished() {
			if entry.onUpdate != nil {
				ls.Push(entry.onUpdate)
				ls.Push(lua.LNumber(entry.task.Current()))
				ls.Push(lua.LNumber(entry.task.Total()))
				if err := ls.PCall(2, 0, nil); err != nil {
					ls.RaiseError("on_update callback failed: %s", err)
					return 0
				}
			}

			time.Sleep(waitUpdateInterval)
		}

		result, err := entry.task.Wait()
		if err != nil {
			ls.RaiseError("download failed: %s", err)
			return 0
		}

		if entry.onFinish != nil {
			ls.Push(entry.onFinish)
			ls.Push(lua.LNumber(result))
			if err := ls.PCall(1, 0, nil); err != nil {
				ls.RaiseError("on_finish callback failed: %s", err)
				return 0
			}
		}

		ls.Push(lua.LNumber(result))
		return 1
	}))

	env.RawSetString("abort", ls.NewFunction(func(ls *lua.LState) int {
		if entry, ok := d.tasks.remove(int32(ls.CheckInt(1))); ok {
			entry.task.Abort()
		}
		return 0
	}))

	env.RawSetString("close", ls.NewFunction(func(ls *lua.LState) int {
		d.downloaders.remove(int32(ls.CheckInt(1)))
		return 0
	}))

	return env
}
