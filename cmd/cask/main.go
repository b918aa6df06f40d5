// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/caskpkg/cask/internal/buildinfo"
	"github.com/caskpkg/cask/internal/config"
	"github.com/caskpkg/cask/internal/logger"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "cask",
		Short: "Content-addressed package manager and scripted runtime",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			appConfig, err := config.New(configPath, buildinfo.Version)
			if err != nil {
				return err
			}

			logger.Setup(appConfig.Config())

			cmd.SetContext(withConfig(cmd.Context(), appConfig))
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file")

	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunResolveCommand())
	rootCmd.AddCommand(RunValidateCommand())
	rootCmd.AddCommand(RunRuntimeCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Println(buildinfo.String())
		},
	}
}
