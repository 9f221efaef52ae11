// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil provides shared test helpers for appbox packages.
//
// [RequireReceive], [RequireSend], and [RequireClosed] encapsulate the
// timeout safety valve pattern (select with time.After fallback) so
// that individual tests do not need direct time.After calls.
// [RequireNoReceive] asserts silence on a channel for a short window,
// used by watcher tests to prove an event was coalesced or filtered.
//
// All helpers call t.Fatalf on failure rather than returning errors,
// since test setup failures are not recoverable.
//
// This package has no appbox-internal dependencies.
package testutil
