// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package runtime materializes a locked resource graph inside an embedded
// Lua host and evaluates module resources in dependency order.
package runtime

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/hash"
	"github.com/caskpkg/cask/internal/lockfile"
	"github.com/caskpkg/cask/internal/manifest"
	"github.com/caskpkg/cask/internal/runtime/api"
	"github.com/caskpkg/cask/internal/store"
)

// Options fixes the standard folders handed to runtime modules.
type Options struct {
	// TempStorePath hosts temporary files wiped by the operating system or
	// external housekeeping.
	TempStorePath string

	// PersistStorePath hosts long-lived module data.
	PersistStorePath string

	// ModulesStorePath hosts per-module private folders, keyed by the
	// module's resource hash.
	ModulesStorePath string
}

// Engine is a loaded resource graph bound to one Lua state.
type Engine struct {
	ls        *lua.LState
	lock      *lockfile.LockFile
	resources *lua.LTable
	api       *api.API
}

type queueItem struct {
	id     uint32
	parent *uint32
}

type evaluation struct {
	resourceTable *lua.LTable
	fn            *lua.LFunction
}

// Create loads every resource reachable from the lock file's roots into the
// Lua state and evaluates module resources. Any failure during the
// bootstrap aborts the whole runtime; a partial graph is never returned.
func Create(ls *lua.LState, st *store.Store, lock *lockfile.LockFile, options Options) (*Engine, error) {
	if err := lock.Check(); err != nil {
		return nil, err
	}

	for _, folder := range []string{options.TempStorePath, options.PersistStorePath, options.ModulesStorePath} {
		if err := os.MkdirAll(folder, 0o755); err != nil {
			return nil, err
		}
	}

	engine := &Engine{
		ls:        ls,
		lock:      lock,
		resources: ls.NewTable(),
		api:       api.New(),
	}

	queue := make([]queueItem, 0, len(lock.Root))
	for _, root := range lock.Root {
		queue = append(queue, queueItem{id: root})
	}

	visited := make(map[uint32]struct{}, len(lock.Resources))

	var evaluations []evaluation

	for len(queue) > 0 {
		item := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		if _, ok := visited[item.id]; ok {
			continue
		}
		visited[item.id] = struct{}{}

		resource := lock.Resources[item.id]
		path := st.Path(resource.Data.Hash)

		resourceTable := ls.NewTable()
		resourceTable.RawSetString("format", lua.LString(resource.Format.String()))
		resourceTable.RawSetString("hash", lua.LString(resource.Data.Hash.Base32()))

		engine.resources.RawSetInt(int(item.id), resourceTable)

		switch resource.Format.Kind {
		case manifest.KindPackage:
			value := ls.NewTable()
			inputs := ls.NewTable()
			outputs := ls.NewTable()

			value.RawSetString("inputs", inputs)
			value.RawSetString("outputs", outputs)
			resourceTable.RawSetString("value", value)

			// Names land in the subtables immediately; the resource
			// tables they point at fill in as the drain continues. The
			// whole subgraph is enqueued even when already visited so
			// that evaluation order stays correct.
			for name, outputID := range resource.Outputs {
				outputs.RawSetString(name, lua.LNumber(outputID))

				parent := item.id
				queue = append(queue, queueItem{id: outputID, parent: &parent})
			}

			for name, inputID := range resource.Inputs {
				inputs.RawSetString(name, lua.LNumber(inputID))

				// Inputs do not reference this package: an input cannot
				// load other inputs of its consumer.
				queue = append(queue, queueItem{id: inputID})
			}

		case manifest.KindModule:
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, err
			}

			fn, err := ls.Load(bytes.NewReader(data), resource.URL)
			if err != nil {
				return nil, fmt.Errorf("module %s: %w", resource.URL, err)
			}

			ctx := &api.Context{
				ResourceHash:     resource.Data.Hash,
				TempFolder:       options.TempStorePath,
				PersistentFolder: options.PersistStorePath,
				ModuleFolder:     filepath.Join(options.ModulesStorePath, resource.Data.Hash.Base32()),
				InputResources:   []string{path},
			}

			if item.parent != nil {
				paths, err := engine.parentInputPaths(*item.parent)
				if err != nil {
					return nil, err
				}
				ctx.InputResources = append(ctx.InputResources, paths...)
			}

			log.Debug().
				Str("url", resource.URL).
				Str("hash", resource.Data.Hash.Base32()).
				Msg("building module environment")

			env := engine.api.CreateEnv(ls, ctx)

			env.RawSetString("load", engine.makeLoad(item.parent, false))
			env.RawSetString("import", engine.makeLoad(item.parent, true))

			// Standard globals stay reachable underneath the fresh
			// environment table.
			meta := ls.NewTable()
			meta.RawSetString("__index", ls.G.Global)
			ls.SetMetatable(env, meta)

			fn.Env = env

			evaluations = append(evaluations, evaluation{resourceTable: resourceTable, fn: fn})

		case manifest.KindFile, manifest.KindArchive:
			resourceTable.RawSetString("value", lua.LString(path))
		}
	}

	// Dependencies queue ahead of their dependents, so straight iteration
	// runs every module after everything it can load or import.
	for _, eval := range evaluations {
		ls.Push(eval.fn)

		if err := ls.PCall(0, 1, nil); err != nil {
			engine.Close()
			return nil, fmt.Errorf("module evaluation failed: %w", err)
		}

		eval.resourceTable.RawSetString("value", ls.Get(-1))
		ls.Pop(1)
	}

	return engine, nil
}

// parentInputPaths collects the store paths of a parent package's file and
// archive inputs; modules may read them directly.
func (e *Engine) parentInputPaths(parent uint32) ([]string, error) {
	parentResource, ok := e.resources.RawGetInt(int(parent)).(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("parent resource %d not loaded", parent)
	}

	format, err := manifest.ParseFormat(parentResource.RawGetString("format").String())
	if err != nil {
		return nil, err
	}

	if format.Kind != manifest.KindPackage {
		return nil, nil
	}

	value, ok := parentResource.RawGetString("value").(*lua.LTable)
	if !ok {
		return nil, nil
	}
	inputs, ok := value.RawGetString("inputs").(*lua.LTable)
	if !ok {
		return nil, nil
	}

	var paths []string
	var iterErr error

	inputs.ForEach(func(_, id lua.LValue) {
		key, ok := id.(lua.LNumber)
		if !ok {
			return
		}

		resource, ok := e.resources.RawGetInt(int(key)).(*lua.LTable)
		if !ok {
			return
		}

		format, err := manifest.ParseFormat(resource.RawGetString("format").String())
		if err != nil {
			iterErr = err
			return
		}

		if format.Kind == manifest.KindFile || format.Kind == manifest.KindArchive {
			if path, ok := resource.RawGetString("value").(lua.LString); ok {
				paths = append(paths, string(path))
			}
		}
	})

	return paths, iterErr
}

// makeLoad builds the load/import primitive for one module. Both resolve a
// name through the parent package's inputs; import collapses the resource
// wrapper down to plain values.
func (e *Engine) makeLoad(parent *uint32, collapse bool) *lua.LFunction {
	return e.ls.NewFunction(func(ls *lua.LState) int {
		name := ls.CheckString(1)

		if parent == nil {
			ls.RaiseError("no resource found")
			return 0
		}

		parentResource, ok := e.resources.RawGetInt(int(*parent)).(*lua.LTable)
		if !ok {
			ls.RaiseError("no resource found")
			return 0
		}

		parentFormat, err := manifest.ParseFormat(parentResource.RawGetString("format").String())
		if err != nil {
			ls.RaiseError("unknown parent resource format")
			return 0
		}
		if parentFormat.Kind != manifest.KindPackage {
			ls.RaiseError("invalid parent package format")
			return 0
		}

		value, ok := parentResource.RawGetString("value").(*lua.LTable)
		if !ok {
			ls.RaiseError("no resource found")
			return 0
		}
		inputs, ok := value.RawGetString("inputs").(*lua.LTable)
		if !ok {
			ls.RaiseError("no resource found")
			return 0
		}

		key, ok := inputs.RawGetString(name).(lua.LNumber)
		if !ok {
			ls.RaiseError("no resource found")
			return 0
		}

		resource, ok := e.resources.RawGetInt(int(key)).(*lua.LTable)
		if !ok {
			ls.RaiseError("no resource found")
			return 0
		}

		format, err := manifest.ParseFormat(resource.RawGetString("format").String())
		if err != nil {
			ls.RaiseError("unknown resource format")
			return 0
		}

		if format.Kind != manifest.KindPackage {
			if collapse {
				ls.Push(resource.RawGetString("value"))
			} else {
				ls.Push(resource)
			}
			return 1
		}

		// Packages materialize as their outputs, filtered down to resource
		// tables (load) or raw values (import).
		packageValue, ok := resource.RawGetString("value").(*lua.LTable)
		if !ok {
			ls.RaiseError("no resource found")
			return 0
		}
		outputs, ok := packageValue.RawGetString("outputs").(*lua.LTable)
		if !ok {
			ls.RaiseError("no resource found")
			return 0
		}

		filtered := ls.NewTable()

		outputs.ForEach(func(outputName, id lua.LValue) {
			outputKey, ok := id.(lua.LNumber)
			if !ok {
				return
			}

			output, ok := e.resources.RawGetInt(int(outputKey)).(*lua.LTable)
			if !ok {
				return
			}

			if collapse {
				filtered.RawSet(outputName, output.RawGetString("value"))
			} else {
				filtered.RawSet(outputName, output)
			}
		})

		if collapse {
			ls.Push(filtered)
			return 1
		}

		wrapper := ls.NewTable()
		wrapper.RawSetString("format", resource.RawGetString("format"))
		wrapper.RawSetString("hash", resource.RawGetString("hash"))
		wrapper.RawSetString("value", filtered)

		ls.Push(wrapper)
		return 1
	})
}

// LoadRootResources returns the resource tables of the lock file's roots.
func (e *Engine) LoadRootResources() ([]*lua.LTable, error) {
	roots := make([]*lua.LTable, 0, len(e.lock.Root))

	for _, id := range e.lock.Root {
		resource, ok := e.resources.RawGetInt(int(id)).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("root resource %d not loaded", id)
		}
		roots = append(roots, resource)
	}

	return roots, nil
}

// LoadRootModules returns the module outputs of the root packages.
func (e *Engine) LoadRootModules() ([]*lua.LTable, error) {
	var modules []*lua.LTable

	for _, id := range e.lock.Root {
		resource, ok := e.resources.RawGetInt(int(id)).(*lua.LTable)
		if !ok {
			return nil, fmt.Errorf("root resource %d not loaded", id)
		}

		if resource.RawGetString("format").String() != "package" {
			continue
		}

		value, ok := resource.RawGetString("value").(*lua.LTable)
		if !ok {
			continue
		}
		outputs, ok := value.RawGetString("outputs").(*lua.LTable)
		if !ok {
			continue
		}

		outputs.ForEach(func(_, id lua.LValue) {
			key, ok := id.(lua.LNumber)
			if !ok {
				return
			}

			output, ok := e.resources.RawGetInt(int(key)).(*lua.LTable)
			if !ok {
				return
			}

			if strings.HasPrefix(output.RawGetString("format").String(), "module") {
				modules = append(modules, output)
			}
		})
	}

	return modules, nil
}

// LoadResource finds a resource by lock index, base32 hash or hash
// substring, returning nil when nothing matches.
func (e *Engine) LoadResource(identifier string) (*lua.LTable, error) {
	numeric, numericErr := strconv.ParseUint(identifier, 10, 64)

	// A numeric identifier addresses the resource table directly.
	if numericErr == nil {
		if resource, ok := e.resources.RawGetInt(int(numeric)).(*lua.LTable); ok {
			return resource, nil
		}
	}

	for id := range e.lock.Resources {
		resource, ok := e.resources.RawGetInt(id).(*lua.LTable)
		if !ok {
			continue
		}

		encoded := resource.RawGetString("hash").String()

		if strings.Contains(encoded, identifier) {
			return resource, nil
		}

		if numericErr == nil {
			if decoded, ok := hash.FromBase32(encoded); ok && uint64(decoded) == numeric {
				return resource, nil
			}
		}
	}

	return nil, nil
}

// Close releases the resource graph: the table is cleared, live API handles
// drop and garbage collection runs twice so that cycles broken by the first
// pass get reclaimed by the second.
func (e *Engine) Close() {
	for id := range e.lock.Resources {
		e.resources.RawSetInt(id, lua.LNil)
	}

	e.api.Close()

	goruntime.GC()
	goruntime.GC()
}
