// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"bytes"
	"io"
	"net/http"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

type networkAPI struct {
	client  *http.Client
	streams *handles[io.ReadCloser]
}

func newNetworkAPI() *networkAPI {
	return &networkAPI{
		client:  &http.Client{},
		streams: newHandles[io.ReadCloser](),
	}
}

func (n *networkAPI) close() {
	n.streams.mu.Lock()
	defer n.streams.mu.Unlock()

	for key, stream := range n.streams.m {
		_ = stream.Close()
		delete(n.streams.m, key)
	}
}

// request builds an HTTP request from the optional options table:
// {method, headers, body}.
func (n *networkAPI) request(ls *lua.LState, url string, options *lua.LTable) (*http.Request, error) {
	method := http.MethodGet
	var body io.Reader

	var headers *lua.LTable

	if options != nil {
		if raw, ok := options.RawGetString("method").(lua.LString); ok {
			method = strings.ToUpper(string(raw))
		}

		if raw := options.RawGetString("body"); raw != lua.LNil {
			data, err := valueToBytes(raw)
			if err != nil {
				return nil, err
			}
			body = bytes.NewReader(data)
		}

		if raw, ok := options.RawGetString("headers").(*lua.LTable); ok {
			headers = raw
		}
	}

	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if headers != nil {
		headers.ForEach(func(key, value lua.LValue) {
			req.Header.Set(key.String(), value.String())
		})
	}

	return req, nil
}

func (n *networkAPI) createEnv(ls *lua.LState) *lua.LTable {
	env := ls.NewTable()

	// fetch performs a whole request and returns {status, headers, body}.
	// The script thread blocks for the duration.
	env.RawSetString("fetch", ls.NewFunction(func(ls *lua.LState) int {
		url := ls.CheckString(1)
		options := ls.OptTable(2, nil)

		req, err := n.request(ls, url, options)
		if err != nil {
			ls.RaiseError("could not build request: %s", err)
			return 0
		}

		resp, err := n.client.Do(req)
		if err != nil {
			ls.RaiseError("could not perform request: %s", err)
			return 0
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			ls.RaiseError("could not read response body: %s", err)
			return 0
		}

		headers := ls.NewTable()
		for name := range resp.Header {
			headers.RawSetString(strings.ToLower(name), lua.LString(resp.Header.Get(name)))
		}

		result := ls.NewTable()
		result.RawSetString("status", lua.LNumber(resp.StatusCode))
		result.RawSetString("headers", headers)
		result.RawSetString("body", lua.LString(body))

		ls.Push(result)
		return 1
	}))

	// open starts a streaming request and returns a handle for read/close.
	env.RawSetString("open", ls.NewFunction(func(ls *lua.LState) int {
		url := ls.CheckString(1)
		options := ls.OptTable(2, nil)

		req, err := n.request(ls, url, options)
		if err != nil {
			ls.RaiseError("could not build request: %s", err)
			return 0
		}

		resp, err := n.client.Do(req)
		if err != nil {
			ls.RaiseError("could not perform request: %s", err)
			return 0
		}

		ls.Push(lua.LNumber(n.streams.insert(resp.Body)))
		return 1
	}))

	env.RawSetString("read", ls.NewFunction(func(ls *lua.LState) int {
		stream, ok := n.streams.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid network stream handle")
			return 0
		}

		size := ls.OptInt(2, 64*1024)

		buf := make([]byte, size)
		read, err := stream.Read(buf)

		if read > 0 {
			ls.Push(lua.LString(buf[:read]))
			return 1
		}

		if err == io.EOF {
			ls.Push(lua.LNil)
			return 1
		}
		if err != nil {
			ls.RaiseError("could not read network stream: %s", err)
			return 0
		}

		ls.Push(lua.LString(""))
		return 1
	}))

	env.RawSetString("close", ls.NewFunction(func(ls *lua.LState) int {
		if stream, ok := n.streams.remove(int32(ls.CheckInt(1))); ok {
			_ = stream.Close()
		}
		return 0
	}))

	return env
}
