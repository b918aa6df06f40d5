// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"io"
	"os/exec"

	lua "github.com/yuin/gopher-lua"
)

// childProcess is one spawned process with its captured stdio pipes.
type childProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// processAPI is only injected into environments whose context grants
// ext_process_api.
type processAPI struct {
	procs *handles[*childProcess]
}

func newProcessAPI() *processAPI {
	return &processAPI{procs: newHandles[*childProcess]()}
}

func (p *processAPI) createEnv(ls *lua.LState, ctx *Context) *lua.LTable {
	env := ls.NewTable()

	env.RawSetString("spawn", ls.NewFunction(func(ls *lua.LState) int {
		command := ls.CheckString(1)

		var args []string
		if table := ls.OptTable(2, nil); table != nil {
			table.ForEach(func(_, value lua.LValue) {
				args = append(args, value.String())
			})
		}

		cmd := exec.Command(command, args...)
		cmd.Dir = ctx.ModuleFolder

		stdin, err := cmd.StdinPipe()
		if err != nil {
			ls.RaiseError("could not open stdin: %s", err)
			return 0
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			ls.RaiseError("could not open stdout: %s", err)
			return 0
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			ls.RaiseError("could not open stderr: %s", err)
			return 0
		}

		if err := cmd.Start(); err != nil {
			ls.RaiseError("could not spawn process: %s", err)
			return 0
		}

		proc := &childProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}

		ls.Push(lua.LNumber(p.procs.insert(proc)))
		return 1
	}))

	env.RawSetString("write", ls.NewFunction(func(ls *lua.LState) int {
		proc, ok := p.procs.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid process handle")
			return 0
		}

		data, err := valueToBytes(ls.Get(2))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		n, err := proc.stdin.Write(data)
		if err != nil {
			ls.RaiseError("could not write process stdin: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(n))
		return 1
	}))

	// read drains one chunk of stdout, or stderr when the second argument
	// is "stderr". nil reports a closed stream.
	env.RawSetString("read", ls.NewFunction(func(ls *lua.LState) int {
		proc, ok := p.procs.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid process handle")
			return 0
		}

		stream := proc.stdout
		if ls.OptString(2, "stdout") == "stderr" {
			stream = proc.stderr
		}

		buf := make([]byte, 64*1024)
		n, err := stream.Read(buf)

		if n > 0 {
			ls.Push(lua.LString(buf[:n]))
			return 1
		}

		if err != nil {
			ls.Push(lua.LNil)
			return 1
		}

		ls.Push(lua.LString(""))
		return 1
	}))

	env.RawSetString("wait", ls.NewFunction(func(ls *lua.LState) int {
		proc, ok := p.procs.remove(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid process handle")
			return 0
		}

		_ = proc.stdin.Close()

		err := proc.cmd.Wait()

		code := 0
		if exitErr, isExit := err.(*exec.ExitError); isExit {
			code = exitErr.ExitCode()
		} else if err != nil {
			ls.RaiseError("could not wait for process: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(code))
		return 1
	}))

	env.RawSetString("kill", ls.NewFunction(func(ls *lua.LState) int {
		proc, ok := p.procs.remove(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid process handle")
			return 0
		}

		_ = proc.cmd.Process.Kill()
		_ = proc.cmd.Wait()

		return 0
	}))

	return env
}
