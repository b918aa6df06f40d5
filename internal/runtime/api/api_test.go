// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func testEnv(t *testing.T) (*lua.LState, *lua.LTable, *Context) {
	t.Helper()

	ls := lua.NewState()
	t.Cleanup(ls.Close)

	base := t.TempDir()

	ctx := &Context{
		TempFolder:       filepath.Join(base, "temp"),
		ModuleFolder:     filepath.Join(base, "module"),
		PersistentFolder: filepath.Join(base, "persist"),
	}

	for _, folder := range []string{ctx.TempFolder, ctx.ModuleFolder, ctx.PersistentFolder} {
		require.NoError(t, os.MkdirAll(folder, 0o755))
	}

	apiSet := New()
	t.Cleanup(apiSet.Close)

	return ls, apiSet.CreateEnv(ls, ctx), ctx
}

// call invokes a namespaced function like "path.normalize".
func call(t *testing.T, ls *lua.LState, env *lua.LTable, name string, nret int, args ...lua.LValue) []lua.LValue {
	t.Helper()

	namespace, fn, ok := splitName(name)
	require.True(t, ok)

	table, isTable := env.RawGetString(namespace).(*lua.LTable)
	require.True(t, isTable, "namespace %s", namespace)

	var target lua.LValue = table
	if fn != "" {
		target = table.RawGetString(fn)
	}

	function, isFunction := target.(*lua.LFunction)
	require.True(t, isFunction, "function %s", name)

	require.NoError(t, ls.CallByParam(lua.P{Fn: function, NRet: nret, Protect: true}, args...))

	results := make([]lua.LValue, nret)
	for i := nret - 1; i >= 0; i-- {
		results[i] = ls.Get(-1)
		ls.Pop(1)
	}

	return results
}

func splitName(name string) (string, string, bool) {
	for i := range name {
		if name[i] == '.' {
			return name[:i], name[i+1:], true
		}
	}
	return name, "", name != ""
}

func callNested(t *testing.T, ls *lua.LState, env *lua.LTable, group, sub, fn string, nret int, args ...lua.LValue) []lua.LValue {
	t.Helper()

	groupTable, ok := env.RawGetString(group).(*lua.LTable)
	require.True(t, ok)
	subTable, ok := groupTable.RawGetString(sub).(*lua.LTable)
	require.True(t, ok)
	function, ok := subTable.RawGetString(fn).(*lua.LFunction)
	require.True(t, ok, "%s.%s.%s", group, sub, fn)

	require.NoError(t, ls.CallByParam(lua.P{Fn: function, NRet: nret, Protect: true}, args...))

	results := make([]lua.LValue, nret)
	for i := nret - 1; i >= 0; i-- {
		results[i] = ls.Get(-1)
		ls.Pop(1)
	}

	return results
}

func TestPathNormalize(t *testing.T) {
	ls, env, _ := testEnv(t)

	tests := []struct {
		input    string
		expected lua.LValue
	}{
		{"/", lua.LString("/")},
		{"a/b/c", lua.LString("a/b/c")},
		{"/a/b/c", lua.LString("/a/b/c")},
		{"a/./c", lua.LString("a/c")},
		{"a/../c", lua.LString("c")},
		{"a/../c/./", lua.LString("c")},
		{"./a//\\./../b", lua.LString("b")},
		{" ", lua.LString(" ")},
		{"", lua.LNil},
		{".", lua.LNil},
		{"..", lua.LNil},
		{"./..", lua.LNil},
		{"a/..", lua.LNil},
	}

	for _, tt := range tests {
		result := call(t, ls, env, "path.normalize", 1, lua.LString(tt.input))
		assert.Equal(t, tt.expected, result[0], "input %q", tt.input)
	}
}

func TestPathHelpers(t *testing.T) {
	ls, env, ctx := testEnv(t)

	result := call(t, ls, env, "path.join", 1, lua.LString("a"), lua.LString("b"), lua.LString("c"))
	assert.Equal(t, lua.LString("a/b/c"), result[0])

	result = call(t, ls, env, "path.join", 1, lua.LString("a"), lua.LString(".."))
	assert.Equal(t, lua.LNil, result[0])

	result = call(t, ls, env, "path.parent", 1, lua.LString("/a/b/c"))
	assert.Equal(t, lua.LString("/a/b"), result[0])

	result = call(t, ls, env, "path.parent", 1, lua.LString("a"))
	assert.Equal(t, lua.LNil, result[0])

	result = call(t, ls, env, "path.file_name", 1, lua.LString("/"))
	assert.Equal(t, lua.LString("/"), result[0])

	result = call(t, ls, env, "path.file_name", 1, lua.LString("a/b/c"))
	assert.Equal(t, lua.LString("c"), result[0])

	result = call(t, ls, env, "path.parts", 1, lua.LString("a/./c"))
	parts, ok := result[0].(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LString("a"), parts.RawGetInt(1))
	assert.Equal(t, lua.LString("c"), parts.RawGetInt(2))

	// Accessibility is bound to the module context.
	result = call(t, ls, env, "path.accessible", 1, lua.LString(ctx.ModuleFolder))
	assert.Equal(t, lua.LTrue, result[0])

	result = call(t, ls, env, "path.accessible", 1, lua.LString("/etc/passwd"))
	assert.Equal(t, lua.LFalse, result[0])

	// persist_dir derives stable unique folders per key.
	first := call(t, ls, env, "path.persist_dir", 1, lua.LString("My Key"))[0]
	second := call(t, ls, env, "path.persist_dir", 1, lua.LString("My Key"))[0]
	other := call(t, ls, env, "path.persist_dir", 1, lua.LString("my_key"))[0]

	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)

	info, err := os.Stat(first.String())
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestStrEncodeDecode(t *testing.T) {
	ls, env, _ := testEnv(t)

	payload := lua.LString("Hello, World!")

	encodings := map[string]string{
		"hex":               "48656c6c6f2c20576f726c6421",
		"base16":            "48656c6c6f2c20576f726c6421",
		"base32":            "JBSWY3DPFQQFO33SNRSCC===",
		"base32/nopad":      "JBSWY3DPFQQFO33SNRSCC",
		"base32/hex-pad":    "91IMOR3F5GG5ERRIDHI22===",
		"base32/hex-nopad":  "91IMOR3F5GG5ERRIDHI22",
		"base64":            "SGVsbG8sIFdvcmxkIQ==",
		"base64/nopad":      "SGVsbG8sIFdvcmxkIQ",
		"base64/urlsafe-pad": "SGVsbG8sIFdvcmxkIQ==",
	}

	for name, expected := range encodings {
		encoded := call(t, ls, env, "str.encode", 1, payload, lua.LString(name))
		assert.Equal(t, lua.LString(expected), encoded[0], name)

		decoded := call(t, ls, env, "str.decode", 1, encoded[0], lua.LString(name))
		assert.Equal(t, payload, decoded[0], name)
	}
}

func TestStrDocuments(t *testing.T) {
	ls, env, _ := testEnv(t)

	document := ls.NewTable()
	document.RawSetString("name", lua.LString("cask"))
	document.RawSetString("count", lua.LNumber(3))

	for _, format := range []string{"json", "toml", "yaml"} {
		encoded := call(t, ls, env, "str.encode", 1, document, lua.LString(format))

		decoded := call(t, ls, env, "str.decode", 1, encoded[0], lua.LString(format))
		table, ok := decoded[0].(*lua.LTable)
		require.True(t, ok, format)

		assert.Equal(t, lua.LString("cask"), table.RawGetString("name"), format)
		assert.Equal(t, lua.LNumber(3), table.RawGetString("count"), format)
	}
}

func TestStrBytes(t *testing.T) {
	ls, env, _ := testEnv(t)

	bytes := call(t, ls, env, "str.to_bytes", 1, lua.LString("abc"))
	table, ok := bytes[0].(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, lua.LNumber(97), table.RawGetInt(1))
	assert.Equal(t, lua.LNumber(98), table.RawGetInt(2))
	assert.Equal(t, lua.LNumber(99), table.RawGetInt(3))

	back := call(t, ls, env, "str.from_bytes", 1, table)
	assert.Equal(t, lua.LString("abc"), back[0])
}

func TestSyncChannel(t *testing.T) {
	ls, env, _ := testEnv(t)

	h1 := callNested(t, ls, env, "sync", "channel", "open", 1, lua.LString("key"))[0]
	h2 := callNested(t, ls, env, "sync", "channel", "open", 1, lua.LString("key"))[0]
	h3 := callNested(t, ls, env, "sync", "channel", "open", 1, lua.LString("other"))[0]

	callNested(t, ls, env, "sync", "channel", "send", 0, h1, lua.LString("first"))
	callNested(t, ls, env, "sync", "channel", "send", 0, h1, lua.LString("second"))

	// The sender does not receive its own messages.
	assert.Equal(t, lua.LNil, callNested(t, ls, env, "sync", "channel", "recv", 1, h1)[0])

	// Another handle on the same key receives them in send order.
	assert.Equal(t, lua.LString("first"), callNested(t, ls, env, "sync", "channel", "recv", 1, h2)[0])
	assert.Equal(t, lua.LString("second"), callNested(t, ls, env, "sync", "channel", "recv", 1, h2)[0])
	assert.Equal(t, lua.LNil, callNested(t, ls, env, "sync", "channel", "recv", 1, h2)[0])

	// A different key sees nothing.
	assert.Equal(t, lua.LNil, callNested(t, ls, env, "sync", "channel", "recv", 1, h3)[0])

	callNested(t, ls, env, "sync", "channel", "close", 0, h1)
	callNested(t, ls, env, "sync", "channel", "close", 0, h2)
	callNested(t, ls, env, "sync", "channel", "close", 0, h3)
}

func TestSyncMutex(t *testing.T) {
	ls, env, _ := testEnv(t)

	h1 := callNested(t, ls, env, "sync", "mutex", "open", 1, lua.LString("lock"))[0]

	// Reentrant by handle.
	callNested(t, ls, env, "sync", "mutex", "lock", 0, h1)
	callNested(t, ls, env, "sync", "mutex", "lock", 0, h1)
	callNested(t, ls, env, "sync", "mutex", "unlock", 0, h1)
	callNested(t, ls, env, "sync", "mutex", "close", 0, h1)
}

func TestFsRoundTrip(t *testing.T) {
	ls, env, ctx := testEnv(t)

	path := filepath.Join(ctx.ModuleFolder, "file.txt")

	handle := call(t, ls, env, "fs.open", 1, lua.LString(path), lua.LString("w"))[0]
	written := call(t, ls, env, "fs.write", 1, handle, lua.LString("payload"))[0]
	assert.Equal(t, lua.LNumber(7), written)
	call(t, ls, env, "fs.close", 0, handle)

	handle = call(t, ls, env, "fs.open", 1, lua.LString(path))[0]
	data := call(t, ls, env, "fs.read", 1, handle)[0]
	assert.Equal(t, lua.LString("payload"), data)
	assert.Equal(t, lua.LNil, call(t, ls, env, "fs.read", 1, handle)[0])
	call(t, ls, env, "fs.close", 0, handle)

	stat := call(t, ls, env, "fs.stat", 1, lua.LString(path))[0].(*lua.LTable)
	assert.Equal(t, lua.LNumber(7), stat.RawGetString("size"))
	assert.Equal(t, lua.LFalse, stat.RawGetString("is_dir"))
}

func TestFsInaccessiblePath(t *testing.T) {
	ls, env, _ := testEnv(t)

	fs, ok := env.RawGetString("fs").(*lua.LTable)
	require.True(t, ok)
	open, ok := fs.RawGetString("open").(*lua.LFunction)
	require.True(t, ok)

	err := ls.CallByParam(lua.P{Fn: open, NRet: 1, Protect: true}, lua.LString("/etc/passwd"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inaccessible")
}

func TestHashNamespace(t *testing.T) {
	ls, env, _ := testEnv(t)

	digest := call(t, ls, env, "hash.hash", 1, lua.LString("sha2-256"), lua.LString("abc"))[0]
	table, ok := digest.(*lua.LTable)
	require.True(t, ok)
	assert.Equal(t, 32, table.Len())
	// First byte of sha256("abc") is 0xba.
	assert.Equal(t, lua.LNumber(0xba), table.RawGetInt(1))

	handle := call(t, ls, env, "hash.hasher", 1, lua.LString("sha2-256"))[0]
	call(t, ls, env, "hash.write", 0, handle, lua.LString("ab"))
	call(t, ls, env, "hash.write", 0, handle, lua.LString("c"))
	streamed := call(t, ls, env, "hash.finalize", 1, handle)[0].(*lua.LTable)

	assert.Equal(t, table.Len(), streamed.Len())
	for i := 1; i <= table.Len(); i++ {
		assert.Equal(t, table.RawGetInt(i), streamed.RawGetInt(i))
	}
}

func TestCompressionNamespace(t *testing.T) {
	ls, env, _ := testEnv(t)

	payload := lua.LString("compress me compress me compress me")

	compressed := call(t, ls, env, "compression.compress", 1, lua.LString("gzip"), payload)[0]
	require.IsType(t, lua.LString(""), compressed)

	decompressed := call(t, ls, env, "compression.decompress", 1, lua.LString("gzip"), compressed)[0]
	assert.Equal(t, payload, decompressed)
}

func TestSQLiteNamespace(t *testing.T) {
	ls, env, ctx := testEnv(t)

	path := filepath.Join(ctx.ModuleFolder, "data.db")

	handle := call(t, ls, env, "sqlite.open", 1, lua.LString(path))[0]

	call(t, ls, env, "sqlite.batch", 0, handle, lua.LString(`
CREATE TABLE items (name TEXT NOT NULL, count INTEGER NOT NULL);
`))

	affected := call(t, ls, env, "sqlite.execute", 1, handle,
		lua.LString("INSERT INTO items (name, count) VALUES (?, ?)"),
		lua.LString("first"), lua.LNumber(3))[0]
	assert.Equal(t, lua.LNumber(1), affected)

	call(t, ls, env, "sqlite.execute", 1, handle,
		lua.LString("INSERT INTO items (name, count) VALUES (?, ?)"),
		lua.LString("second"), lua.LNumber(5))

	rows := call(t, ls, env, "sqlite.query", 1, handle,
		lua.LString("SELECT name, count FROM items ORDER BY count"))[0].(*lua.LTable)
	require.Equal(t, 2, rows.Len())

	first := rows.RawGetInt(1).(*lua.LTable)
	assert.Equal(t, lua.LString("first"), first.RawGetString("name"))

	row := call(t, ls, env, "sqlite.query_row", 1, handle,
		lua.LString("SELECT count FROM items WHERE name = ?"), lua.LString("second"))[0].(*lua.LTable)
	assert.Equal(t, lua.LNumber(5), row.RawGetString("count"))

	missing := call(t, ls, env, "sqlite.query_row", 1, handle,
		lua.LString("SELECT count FROM items WHERE name = ?"), lua.LString("third"))[0]
	assert.Equal(t, lua.LNil, missing)

	call(t, ls, env, "sqlite.close", 0, handle)
}

func TestProcessGate(t *testing.T) {
	ls := lua.NewState()
	t.Cleanup(ls.Close)

	base := t.TempDir()
	ctx := &Context{
		TempFolder:       filepath.Join(base, "temp"),
		ModuleFolder:     filepath.Join(base, "module"),
		PersistentFolder: filepath.Join(base, "persist"),
	}

	apiSet := New()
	t.Cleanup(apiSet.Close)

	env := apiSet.CreateEnv(ls, ctx)
	assert.Equal(t, lua.LNil, env.RawGetString("process"))

	ctx.ExtProcessAPI = true
	env = apiSet.CreateEnv(ls, ctx)
	_, ok := env.RawGetString("process").(*lua.LTable)
	assert.True(t, ok)
}

func TestIsAccessible(t *testing.T) {
	ctx := &Context{
		TempFolder:       "/tmp/cask-temp",
		ModuleFolder:     "/data/modules/abc",
		PersistentFolder: "/data/persist",
		InputResources:   []string{"/store/0123456789abc"},
		ExtAllowedPaths:  []string{"/opt/extra"},
	}

	assert.True(t, ctx.IsAccessible("/tmp/cask-temp/file"))
	assert.True(t, ctx.IsAccessible("/data/modules/abc"))
	assert.True(t, ctx.IsAccessible("/store/0123456789abc/nested/file"))
	assert.True(t, ctx.IsAccessible("/opt/extra/tool"))

	assert.False(t, ctx.IsAccessible("/data/modules/abcdef"))
	assert.False(t, ctx.IsAccessible("/etc/passwd"))
	assert.False(t, ctx.IsAccessible("/store"))
}
