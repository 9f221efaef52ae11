// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time abstraction for testability.
//
// Production code accepts a Clock interface instead of calling
// time.Now, time.After, or time.NewTicker directly. In production,
// Real() provides the standard library behavior. In tests, Fake()
// provides a deterministic clock that advances only when Advance is
// called.
//
// appbox leans on this in three places: the daemon's rescan and status
// tickers, the bounded-backoff unmount retry, and the watcher's
// debounce flush. All three are exercised in tests without real
// sleeps.
//
// # Wiring Pattern
//
// Add a Clock field to structs that use time:
//
//	type Daemon struct {
//	    clock clock.Clock
//	    // ...
//	}
//
// In production:
//
//	d := &Daemon{clock: clock.Real()}
//
// In tests:
//
//	c := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	d := &Daemon{clock: c}
//	// ... start goroutines ...
//	c.WaitForTimers(1)         // wait for a timer to register
//	c.Advance(5 * time.Second) // fire it deterministically
//
// # FakeClock Synchronization
//
// When a goroutine calls After or NewTicker on a FakeClock, it
// registers a pending waiter. Use WaitForTimers to block until a
// specific number of waiters are registered before calling Advance.
// This eliminates the race between timer registration and time
// advancement that plagues tests using time.Sleep for synchronization.
package clock
