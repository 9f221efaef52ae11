// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for the appbox
// daemon.
//
// The effective configuration is layered: [Default] values first, then
// the config file, then APPBOXD_* environment variables, then ${VAR}
// expansion in path fields. The file is resolved from the --config
// flag, the APPBOXD_CONFIG variable, or ~/.config/appbox/config.yaml,
// in that order; only an explicitly named file is required to exist.
// A stock desktop runs entirely on defaults.
//
// Duration settings are time.ParseDuration strings ("5m", "500ms").
// [Config.Validate] checks that every one of them parses and reports
// all configuration problems in a single joined error, so a broken
// file can be fixed in one pass.
//
// Key exports:
//
//   - [Config] -- flat daemon settings struct
//   - [Default] -- built-in defaults (XDG-aware paths)
//   - [Load] -- defaults + file + environment + expansion
//
// This package depends on no other appbox packages.
package config
