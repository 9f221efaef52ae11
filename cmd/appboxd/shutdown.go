// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package main

import "context"

// shutdown drains in-flight workers, then unmounts everything.
// Desktop artifacts stay in place: bundles still on disk re-adopt
// them on the next start, so application menus survive a restart.
func (d *Daemon) shutdown() {
	d.logger.Info("shutting down")
	d.awaitWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), unmountAllTimeout)
	defer cancel()
	d.mounts.UnmountAll(ctx)

	d.logger.Info("shutdown complete")
}

// awaitWorkers waits for outstanding tasks while draining their
// result channels, which would otherwise block them forever. The run
// loop has already exited, so the drained results are dead state.
func (d *Daemon) awaitWorkers() {
	done := make(chan struct{})
	go func() {
		d.tasks.Wait()
		close(done)
	}()

	timeout := d.clock.After(shutdownGrace)
	for {
		select {
		case <-d.probes:
		case <-d.transitions:
		case <-done:
			return
		case <-timeout:
			d.logger.Warn("timed out waiting for workers")
			return
		}
	}
}
