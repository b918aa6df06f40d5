// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"

	"github.com/caskpkg/cask/internal/config"
)

type configKey struct{}

func withConfig(ctx context.Context, appConfig *config.AppConfig) context.Context {
	return context.WithValue(ctx, configKey{}, appConfig)
}

func configFromContext(ctx context.Context) *config.Config {
	appConfig, ok := ctx.Value(configKey{}).(*config.AppConfig)
	if !ok {
		return &config.Config{}
	}
	return appConfig.Config()
}
