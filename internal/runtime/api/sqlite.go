// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package api

import (
	"database/sql"
	"sync"

	lua "github.com/yuin/gopher-lua"
	_ "modernc.org/sqlite"
)

// sqliteConn is one open database with its prepared statement cache.
// Statements are prepared once per query text and reused.
type sqliteConn struct {
	db *sql.DB

	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

func (c *sqliteConn) prepare(query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stmt, ok := c.stmts[query]; ok {
		return stmt, nil
	}

	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}

	c.stmts[query] = stmt
	return stmt, nil
}

func (c *sqliteConn) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, stmt := range c.stmts {
		_ = stmt.Close()
	}
	c.stmts = map[string]*sql.Stmt{}

	_ = c.db.Close()
}

type sqliteAPI struct {
	conns *handles[*sqliteConn]
}

func newSQLiteAPI() *sqliteAPI {
	return &sqliteAPI{conns: newHandles[*sqliteConn]()}
}

func (s *sqliteAPI) close() {
	s.conns.mu.Lock()
	defer s.conns.mu.Unlock()

	for key, conn := range s.conns.m {
		conn.closeAll()
		delete(s.conns.m, key)
	}
}

// sqlParams collects trailing Lua arguments as SQL parameters.
func sqlParams(ls *lua.LState, from int) []any {
	params := make([]any, 0, ls.GetTop()-from+1)

	for i := from; i <= ls.GetTop(); i++ {
		switch value := ls.Get(i).(type) {
		case *lua.LNilType:
			params = append(params, nil)
		case lua.LBool:
			params = append(params, bool(value))
		case lua.LNumber:
			params = append(params, float64(value))
		case lua.LString:
			params = append(params, string(value))
		default:
			ls.RaiseError("unsupported sql parameter type")
		}
	}

	return params
}

func rowToTable(ls *lua.LState, columns []string, values []any) *lua.LTable {
	row := ls.NewTable()

	for i, column := range columns {
		row.RawSetString(column, goToLua(ls, values[i]))
	}

	return row
}

func scanRow(columns []string, rows *sql.Rows) ([]any, error) {
	values := make([]any, len(columns))
	pointers := make([]any, len(columns))
	for i := range values {
		pointers[i] = &values[i]
	}

	if err := rows.Scan(pointers...); err != nil {
		return nil, err
	}

	return values, nil
}

func (s *sqliteAPI) createEnv(ls *lua.LState, ctx *Context) *lua.LTable {
	env := ls.NewTable()

	env.RawSetString("open", ls.NewFunction(func(ls *lua.LState) int {
		path, err := ctx.resolveInContext(ls.CheckString(1))
		if err != nil {
			ls.RaiseError("%s", err)
			return 0
		}

		db, err := sql.Open("sqlite", path)
		if err != nil {
			ls.RaiseError("could not open database: %s", err)
			return 0
		}

		conn := &sqliteConn{db: db, stmts: map[string]*sql.Stmt{}}

		ls.Push(lua.LNumber(s.conns.insert(conn)))
		return 1
	}))

	env.RawSetString("execute", ls.NewFunction(func(ls *lua.LState) int {
		conn, ok := s.conns.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid database handle")
			return 0
		}

		stmt, err := conn.prepare(ls.CheckString(2))
		if err != nil {
			ls.RaiseError("could not prepare statement: %s", err)
			return 0
		}

		result, err := stmt.Exec(sqlParams(ls, 3)...)
		if err != nil {
			ls.RaiseError("could not execute statement: %s", err)
			return 0
		}

		affected, _ := result.RowsAffected()
		ls.Push(lua.LNumber(affected))
		return 1
	}))

	// batch runs a whole multi-statement script, bypassing the statement
	// cache.
	env.RawSetString("batch", ls.NewFunction(func(ls *lua.LState) int {
		conn, ok := s.conns.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid database handle")
			return 0
		}

		if _, err := conn.db.Exec(ls.CheckString(2)); err != nil {
			ls.RaiseError("could not execute batch: %s", err)
			return 0
		}

		return 0
	}))

	env.RawSetString("query", ls.NewFunction(func(ls *lua.LState) int {
		conn, ok := s.conns.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid database handle")
			return 0
		}

		stmt, err := conn.prepare(ls.CheckString(2))
		if err != nil {
			ls.RaiseError("could not prepare statement: %s", err)
			return 0
		}

		rows, err := stmt.Query(sqlParams(ls, 3)...)
		if err != nil {
			ls.RaiseError("could not execute query: %s", err)
			return 0
		}
		defer rows.Close()

		columns, err := rows.Columns()
		if err != nil {
			ls.RaiseError("could not read query columns: %s", err)
			return 0
		}

		result := ls.NewTable()

		for rows.Next() {
			values, err := scanRow(columns, rows)
			if err != nil {
				ls.RaiseError("could not scan row: %s", err)
				return 0
			}
			result.Append(rowToTable(ls, columns, values))
		}

		if err := rows.Err(); err != nil {
			ls.RaiseError("could not read query rows: %s", err)
			return 0
		}

		ls.Push(result)
		return 1
	}))

	env.RawSetString("query_row", ls.NewFunction(func(ls *lua.LState) int {
		conn, ok := s.conns.get(int32(ls.CheckInt(1)))
		if !ok {
			ls.RaiseError("invalid database handle")
			return 0
		}

		stmt, err := conn.prepare(ls.CheckString(2))
		if err != nil {
			ls.RaiseError("could not prepare statement: %s", err)
			return 0
		}

		rows, err := stmt.Query(sqlParams(ls, 3)...)
		if err != nil {
			ls.RaiseError("could not execute query: %s", err)
			return 0
		}
		defer rows.Close()

		if !rows.Next() {
			ls.Push(lua.LNil)
			return 1
		}

		columns, err := rows.Columns()
		if err != nil {
			ls.RaiseError("could not read query columns: %s", err)
			return 0
		}

		values, err := scanRow(columns, rows)
		if err != nil {
			ls.RaiseError("could not scan row: %s", err)
			return 0
		}

		ls.Push(rowToTable(ls, columns, values))
		return 1
	}))

	env.RawSetString("close", ls.NewFunction(func(ls *lua.LState) int {
		if conn, ok := s.conns.remove(int32(ls.CheckInt(1))); ok {
			conn.closeAll()
		}
		return 0
	}))

	return env
}
