// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"io"
	"os"
	"path/filepath"

	lua "github.com/yuin/gopher-lua"
)

type filesystemAPI struct {
	files *handles[*os.File]
}

func newFilesystemAPI() *filesystemAPI {
	return &filesystemAPI{files: newHandles[*os.File]()}
}

func (f *filesystemAPI) close() {
	f.files.mu.Lock()
	defer f.files.mu.Unlock()

	for key, file := range f.files.m {
		_ = file.Close()
		delete(f.files.m, key)
	}
}

func openFlags(mode string) (int, bool) {
	switch mode {
	case "", "r":
		return os.O_RDONLY, true
	case "w":
		return os.O_WRONLY | os.O_CREATE | os.O_TRUNC, true
	case "a":
		return os.O_WRONLY | os.O_CREATE | os.O_APPEND, true
	case "rw":
		return os.O_RDWR | os.O_CREATE, true
	}
	return 0, false
}

func (f *filesystemAPI) createEnv(ls *lua.LState, ctx *Context) *lua.LTable {
	env := ls.NewTable()

	// checkPath resolves and gates every path argument.
	checkPath := func(ls *lua.LState, index int) string {
		path, err := ctx.resolveInContext(ls.CheckString(index))
		if err != nil {
			ls.RaiseError("%s", err)
			return ""
		}
		return path
	}

	env.RawSetString("open", ls.NewFunction(func(ls *lua.LState) int {
		path := checkPath(ls, 1)

		flags, ok := openFlags(ls.OptString(2, "r"))
		if !ok {
			ls.RaiseError("invalid file open mode")
			return 0
		}

		file, err := os.OpenFile(path, flags, 0o644)
		if err != nil {
			ls.RaiseError("could not open file: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(f.files.insert(file)))
		return 1
	}))

	env.RawSetString("read", ls.NewFunction(func(ls *lua.LState) int {
		file, ok := f.files.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid file handle")
			return 0
		}

		size := ls.OptInt(2, 64*1024)

		buf := make([]byte, size)
		n, err := file.Read(buf)

		if n > 0 {
			ls.Push(lua.LString(buf[:n]))
			return 1
		}

		if err == io.EOF {
			ls.Push(lua.LNil)
			return 1
		}
		if err != nil {
			ls.RaiseError("could not read file: %s", err)
			return 0
		}

		ls.Push(lua.LString(""))
		return 1
	}))

	env.RawSetString("write", ls.NewFunction(func(ls *lua.LState) int {
		file, ok := f.files.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid file handle")
			return 0
		}

		data, err := valueToBytes(ls.Get(2))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		n, err := file.Write(data)
		if err != nil {
			ls.RaiseError("could not write file: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(n))
		return 1
	}))

	env.RawSetString("seek", ls.NewFunction(func(ls *lua.LState) int {
		file, ok := f.files.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid file handle")
			return 0
		}

		var whence int
		switch ls.OptString(3, "set") {
		case "set":
			whence = io.SeekStart
		case "cur":
			whence = io.SeekCurrent
		case "end":
			whence = io.SeekEnd
		default:
			ls.RaiseError("invalid seek whence")
			return 0
		}

		position, err := file.Seek(int64(ls.CheckInt(2)), whence)
		if err != nil {
			ls.RaiseError("could not seek file: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(position))
		return 1
	}))

	env.RawSetString("close", ls.NewFunction(func(ls *lua.LState) int {
		file, ok := f.files.remove(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid file handle")
			return 0
		}

		if err := file.Close(); err != nil {
			ls.RaiseError("could not close file: %s", err)
			return 0
		}

		return 0
	}))

	env.RawSetString("list", ls.NewFunction(func(ls *lua.LState) int {
		path := checkPath(ls, 1)

		entries, err := os.ReadDir(path)
		if err != nil {
			ls.RaiseError("could not list folder: %s", err)
			return 0
		}

		list := ls.CreateTable(len(entries), 0)

		for _, entry := range entries {
			item := ls.NewTable()
			item.RawSetString("name", lua.LString(entry.Name()))
			item.RawSetString("is_dir", lua.LBool(entry.IsDir()))

			if info, err := entry.Info(); err == nil {
				item.RawSetString("size", lua.LNumber(info.Size()))
			}

			list.Append(item)
		}

		ls.Push(list)
		return 1
	}))

	env.RawSetString("stat", ls.NewFunction(func(ls *lua.LState) int {
		path := checkPath(ls, 1)

		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				ls.Push(lua.LNil)
				return 1
			}
			ls.RaiseError("could not stat entry: %s", err)
			return 0
		}

		stat := ls.NewTable()
		stat.RawSetString("is_dir", lua.LBool(info.IsDir()))
		stat.RawSetString("size", lua.LNumber(info.Size()))
		stat.RawSetString("modified", lua.LNumber(info.ModTime().Unix()))

		ls.Push(stat)
		return 1
	}))

	env.RawSetString("mkdir", ls.NewFunction(func(ls *lua.LState) int {
		path := checkPath(ls, 1)

		if err := os.MkdirAll(path, 0o755); err != nil {
			ls.RaiseError("could not create folder: %s", err)
			return 0
		}

		return 0
	}))

	env.RawSetString("remove", ls.NewFunction(func(ls *lua.LState) int {
		path := checkPath(ls, 1)

		if err := os.RemoveAll(path); err != nil {
			ls.RaiseError("could not remove entry: %s", err)
			return 0
		}

		return 0
	}))

	env.RawSetString("copy", ls.NewFunction(func(ls *lua.LState) int {
		source := checkPath(ls, 1)
		target := checkPath(ls, 2)

		if err := copyEntry(source, target); err != nil {
			ls.RaiseError("could not copy entry: %s", err)
			return 0
		}

		return 0
	}))

	env.RawSetString("move", ls.NewFunction(func(ls *lua.LState) int {
		source := checkPath(ls, 1)
		target := checkPath(ls, 2)

		if err := os.Rename(source, target); err != nil {
			ls.RaiseError("could not move entry: %s", err)
			return 0
		}

		return 0
	}))

	return env
}

func copyEntry(source, target string) error {
	info, err := os.Stat(source)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return copyFile(source, target, info.Mode().Perm())
	}

	if err := os.MkdirAll(target, 0o755); err != nil {
		return err
	}

	entries, err := os.ReadDir(source)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if err := copyEntry(filepath.Join(source, entry.Name()), filepath.Join(target, entry.Name())); err != nil {
			return err
		}
	}

	return nil
}

func copyFile(source, target string, mode os.FileMode) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}

	return err
}
