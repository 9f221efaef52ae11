// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify posts best-effort desktop notifications through
// notify-send. Nothing here ever returns an error: a desktop without
// a notification service is a perfectly good desktop, so failures are
// logged at debug level and otherwise ignored.
package notify

import (
	"context"
	"log/slog"
	"os/exec"
	"sync"
)

const notifyCommand = "notify-send"

// Notifier posts desktop notifications. The zero value is not usable;
// construct with New.
type Notifier struct {
	enabled bool
	command string
	logger  *slog.Logger

	missingOnce sync.Once
}

// New returns a Notifier. When enabled is false every call is a
// no-op, which is how the notifications=false configuration switch is
// implemented.
func New(enabled bool, logger *slog.Logger) *Notifier {
	return &Notifier{
		enabled: enabled,
		command: notifyCommand,
		logger:  logger,
	}
}

// Installed announces that an application was added to the menu.
func (n *Notifier) Installed(ctx context.Context, name string) {
	n.post(ctx, "AppBox Integrated", name+" has been added to your applications menu.")
}

// Removed announces that an application left the menu.
func (n *Notifier) Removed(ctx context.Context, name string) {
	n.post(ctx, "AppBox Removed", name+" has been removed from your applications menu.")
}

func (n *Notifier) post(ctx context.Context, title, body string) {
	if !n.enabled {
		return
	}

	binary, err := exec.LookPath(n.command)
	if err != nil {
		n.missingOnce.Do(func() {
			n.logger.Info("notify-send not found, desktop notifications disabled")
		})
		return
	}

	cmd := exec.CommandContext(ctx, binary,
		"-a", "appboxd",
		"-u", "normal",
		"-i", "dialog-information",
		title, body,
	)
	if output, err := cmd.CombinedOutput(); err != nil {
		n.logger.Debug("posting notification failed",
			"title", title,
			"error", err,
			"output", string(output),
		)
	}
}
