// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"math"

	"github.com/pelletier/go-toml/v2"
	lua "github.com/yuin/gopher-lua"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"gopkg.in/yaml.v3"
)

type stringAPI struct{}

func newStringAPI() *stringAPI {
	return &stringAPI{}
}

func charsetEncoding(name string) *encoding.Encoder {
	switch name {
	case "cp1251", "windows-1251":
		return charmap.Windows1251.NewEncoder()
	case "windows-1252":
		return charmap.Windows1252.NewEncoder()
	case "latin-1", "iso-8859-1":
		return charmap.ISO8859_1.NewEncoder()
	}
	return nil
}

func charsetDecoding(name string) *encoding.Decoder {
	switch name {
	case "cp1251", "windows-1251":
		return charmap.Windows1251.NewDecoder()
	case "windows-1252":
		return charmap.Windows1252.NewDecoder()
	case "latin-1", "iso-8859-1":
		return charmap.ISO8859_1.NewDecoder()
	}
	return nil
}

// codec resolves a named binary encoding. All base32 variants use padding
// and alphabet combinations of RFC 4648.
func codec(name string) func(encode bool, data []byte) ([]byte, error) {
	var (
		b32    = base32.StdEncoding
		b32Hex = base32.HexEncoding
	)

	wrap := func(encode func([]byte) string, decode func(string) ([]byte, error)) func(bool, []byte) ([]byte, error) {
		return func(enc bool, data []byte) ([]byte, error) {
			if enc {
				return []byte(encode(data)), nil
			}
			return decode(string(data))
		}
	}

	switch name {
	case "hex", "base16":
		return wrap(hex.EncodeToString, hex.DecodeString)
	case "base32", "base32/pad":
		return wrap(b32.EncodeToString, b32.DecodeString)
	case "base32/nopad":
		e := b32.WithPadding(base32.NoPadding)
		return wrap(e.EncodeToString, e.DecodeString)
	case "base32/hex-pad":
		return wrap(b32Hex.EncodeToString, b32Hex.DecodeString)
	case "base32/hex-nopad":
		e := b32Hex.WithPadding(base32.NoPadding)
		return wrap(e.EncodeToString, e.DecodeString)
	case "base64", "base64/pad":
		return wrap(base64.StdEncoding.EncodeToString, base64.StdEncoding.DecodeString)
	case "base64/nopad":
		return wrap(base64.RawStdEncoding.EncodeToString, base64.RawStdEncoding.DecodeString)
	case "base64/urlsafe-pad":
		return wrap(base64.URLEncoding.EncodeToString, base64.URLEncoding.DecodeString)
	case "base64/urlsafe-nopad":
		return wrap(base64.RawURLEncoding.EncodeToString, base64.RawURLEncoding.DecodeString)
	}

	return nil
}

// luaToGo lowers a Lua value for document marshalling. Sequence tables
// become arrays, everything else becomes a string-keyed map.
func luaToGo(value lua.LValue) any {
	switch v := value.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		if float64(v) == math.Trunc(float64(v)) {
			return int64(v)
		}
		return float64(v)
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if v.Len() > 0 {
			items := make([]any, 0, v.Len())
			for i := 1; i <= v.Len(); i++ {
				items = append(items, luaToGo(v.RawGetInt(i)))
			}
			return items
		}

		object := map[string]any{}
		v.ForEach(func(key, item lua.LValue) {
			object[key.String()] = luaToGo(item)
		})
		return object
	}

	return nil
}

func goToLua(ls *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case string:
		return lua.LString(v)
	case []byte:
		return lua.LString(v)
	case []any:
		table := ls.CreateTable(len(v), 0)
		for _, item := range v {
			table.Append(goToLua(ls, item))
		}
		return table
	case map[string]any:
		table := ls.NewTable()
		for key, item := range v {
			table.RawSetString(key, goToLua(ls, item))
		}
		return table
	case map[any]any:
		table := ls.NewTable()
		for key, item := range v {
			table.RawSet(goToLua(ls, key), goToLua(ls, item))
		}
		return table
	}

	return lua.LNil
}

func (s *stringAPI) createEnv(ls *lua.LState) *lua.LTable {
	env := ls.NewTable()

	env.RawSetString("to_bytes", ls.NewFunction(func(ls *lua.LState) int {
		input := ls.CheckString(1)
		charset := ls.OptString(2, "")

		data := []byte(input)

		if charset != "" && charset != "utf-8" {
			encoder := charsetEncoding(charset)
			if encoder == nil {
				ls.RaiseError("invalid charset")
				return 0
			}

			encoded, err := encoder.Bytes(data)
			if err != nil {
				ls.RaiseError("could not encode string: %s", err)
				return 0
			}
			data = encoded
		}

		ls.Push(bytesToTable(ls, data))
		return 1
	}))

	env.RawSetString("from_bytes", ls.NewFunction(func(ls *lua.LState) int {
		data, err := valueToBytes(ls.Get(1))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		charset := ls.OptString(2, "")

		if charset != "" && charset != "utf-8" {
			decoder := charsetDecoding(charset)
			if decoder == nil {
				ls.RaiseError("invalid charset")
				return 0
			}

			decoded, err := decoder.Bytes(data)
			if err != nil {
				ls.RaiseError("could not decode string: %s", err)
				return 0
			}
			data = decoded
		}

		ls.Push(lua.LString(data))
		return 1
	}))

	env.RawSetString("encode", ls.NewFunction(func(ls *lua.LState) int {
		name := ls.CheckString(2)

		switch name {
		case "json", "toml", "yaml":
			document := luaToGo(ls.Get(1))

			var (
				encoded []byte
				err     error
			)

			switch name {
			case "json":
				encoded, err = json.Marshal(document)
			case "toml":
				encoded, err = toml.Marshal(document)
			case "yaml":
				encoded, err = yaml.Marshal(document)
			}

			if err != nil {
				ls.RaiseError("could not encode document: %s", err)
				return 0
			}

			ls.Push(lua.LString(encoded))
			return 1
		}

		transform := codec(name)
		if transform == nil {
			ls.RaiseError("invalid encoding")
			return 0
		}

		data, err := valueToBytes(ls.Get(1))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		encoded, err := transform(true, data)
		if err != nil {
			ls.RaiseError("could not encode value: %s", err)
			return 0
		}

		ls.Push(lua.LString(encoded))
		return 1
	}))

	env.RawSetString("decode", ls.NewFunction(func(ls *lua.LState) int {
		name := ls.CheckString(2)

		switch name {
		case "json", "toml", "yaml":
			data, err := valueToBytes(ls.Get(1))
			if err != nil {
				ls.RaiseError("%s", err)
				return 0
			}

			var document any

			switch name {
			case "json":
				err = json.Unmarshal(data, &document)
			case "toml":
				err = toml.Unmarshal(data, &document)
			case "yaml":
				err = yaml.Unmarshal(data, &document)
			}

			if err != nil {
				ls.RaiseError("could not decode document: %s", err)
				return 0
			}

			ls.Push(goToLua(ls, document))
			return 1
		}

		transform := codec(name)
		if transform == nil {
			ls.RaiseError("invalid encoding")
			return 0
		}

		data, err := valueToBytes(ls.Get(1))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		decoded, err := transform(false, data)
		if err != nil {
			ls.RaiseError("could not decode value: %s", err)
			return 0
		}

		ls.Push(lua.LString(decoded))
		return 1
	}))

	return env
}
