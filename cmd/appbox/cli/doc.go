// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli provides the command-line framework for the appbox CLI.
//
// The central type is [Command], which represents a named subcommand
// with optional nested [Command.Subcommands], a [pflag.FlagSet]
// factory, and a Run function. Commands are assembled into a tree in
// cmd/appbox/main.go and dispatched via [Command.Execute], which
// routes positional arguments down the tree, parses flags, and renders
// structured help with examples. Help is answered for "-h", "--help",
// a bare "help" argument, or "help <command>".
//
// When a user types an unknown subcommand or flag, the framework
// suggests the closest defined name within an edit distance of
// [maxSuggestDistance]. Distance counts insertions, deletions,
// substitutions, and adjacent transpositions, so swapped-letter typos
// stay in range. This is implemented in suggest.go.
package cli
