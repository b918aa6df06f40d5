// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/caskpkg/cask/internal/lockfile"
	"github.com/caskpkg/cask/internal/resolver"
	"github.com/caskpkg/cask/internal/store"
)

func RunResolveCommand() *cobra.Command {
	var (
		storeDir string
		output   string
	)

	cmd := &cobra.Command{
		Use:   "resolve <package-url>...",
		Short: "Resolve a package closure and write the lock file",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := configFromContext(cmd.Context())

			if storeDir == "" {
				storeDir = cfg.StoreDir
			}
			if output == "" {
				output = cfg.LockPath
			}

			if err := os.MkdirAll(storeDir, 0o755); err != nil {
				return err
			}

			lock, err := resolver.WithPackages(args).Build(cmd.Context(), store.New(storeDir))
			if err != nil {
				return err
			}

			if err := lock.Save(output); err != nil {
				return err
			}

			cmd.Printf("Resolved %d resources (%d roots)\n", len(lock.Resources), len(lock.Root))
			cmd.Printf("Lock file written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&storeDir, "store", "", "store directory")
	cmd.Flags().StringVarP(&output, "output", "o", "", "lock file output path")

	return cmd
}

func RunValidateCommand() *cobra.Command {
	var (
		storeDir string
		lockPath string
	)

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the store against a lock file",
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

			if err := lock.Check(); err != nil {
				return err
			}

			valid, err := store.New(storeDir).Validate(lock)
			if err != nil {
				return err
			}

			if !valid {
				return errors.New("store validation failed: missing or corrupted resources")
			}

			cmd.Printf("Validated %d resources\n", len(lock.Resources))
			return nil
		},
	}

	cmd.Flags().StringVar(&storeDir, "store", "", "store directory")
	cmd.Flags().StringVar(&lockPath, "lock", "", "lock file path")

	return cmd
}
