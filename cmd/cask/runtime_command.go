// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"github.com/spf13/cobra"
	lua "github.com/yuin/gopher-lua"

	"github.com/caskpkg/cask/internal/lockfile"
	"github.com/caskpkg/cask/internal/runtime"
	"github.com/caskpkg/cask/internal/store"
)

func RunRuntimeCommand() *cobra.Command {
	var (
		storeDir string
		lockPath string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a lock file into the runtime and evaluate its modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := configFromContext(cmd.Context())

			if storeDir == "" {
				storeDir = cfg.StoreDir
			}
			if lockPath == "" {
				lockPath = cfg.LockPath
			}

			lock, err := lockfile.Load(lockPath)
			if err != nil {
				return err
			}

			ls := lua.NewState()
			defer ls.Close()

			engine, err := runtime.Create(ls, store.New(storeDir), lock, runtime.Options{
				TempStorePath:    cfg.TempDir,
				PersistStorePath: cfg.PersistDir,
				ModulesStorePath: cfg.ModulesDir,
			})
			if err != nil {
				return err
			}
			defer engine.Close()

			modules, err := engine.LoadRootModules()
			if err != nil {
				return err
			}

			for _, module := range modules {
				cmd.Printf("%s = %s\n",
					module.RawGetString("hash").String(),
					module.RawGetString("value").String(),
				)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&storeDir, "store", "", "store directory")
	cmd.Flags().StringVar(&lockPath, "lock", "", "lock file path")

	return cmd
}
