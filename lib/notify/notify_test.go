// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// stubNotifySend installs a fake notify-send on PATH that appends its
// arguments, one per line, to a capture file. Returns the capture
// file path.
func stubNotifySend(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	capture := filepath.Join(dir, "calls.txt")

	script := "#!/bin/sh\nprintf '%s\\n' \"$@\" >> \"" + capture + "\"\n"
	if err := os.WriteFile(filepath.Join(dir, "notify-send"), []byte(script), 0o755); err != nil {
		t.Fatalf("writing stub notify-send: %v", err)
	}
	t.Setenv("PATH", dir)
	return capture
}

func capturedArgs(t *testing.T, capture string) []string {
	t.Helper()
	data, err := os.ReadFile(capture)
	if err != nil {
		t.Fatalf("reading capture file: %v", err)
	}
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestInstalledPostsNotification(t *testing.T) {
	capture := stubNotifySend(t)
	n := New(true, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n.Installed(context.Background(), "Text Editor")

	args := capturedArgs(t, capture)
	want := []string{
		"-a", "appboxd",
		"-u", "normal",
		"-i", "dialog-information",
		"AppBox Integrated",
		"Text Editor has been added to your applications menu.",
	}
	if len(args) != len(want) {
		t.Fatalf("notify-send called with %d args, want %d: %v", len(args), len(want), args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Errorf("arg[%d] = %q, want %q", i, args[i], want[i])
		}
	}
}

func TestRemovedPostsNotification(t *testing.T) {
	capture := stubNotifySend(t)
	n := New(true, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n.Removed(context.Background(), "Text Editor")

	args := capturedArgs(t, capture)
	if args[len(args)-1] != "Text Editor has been removed from your applications menu." {
		t.Errorf("body = %q, want removal message", args[len(args)-1])
	}
	if args[len(args)-2] != "AppBox Removed" {
		t.Errorf("title = %q, want %q", args[len(args)-2], "AppBox Removed")
	}
}

func TestDisabledNotifierPostsNothing(t *testing.T) {
	capture := stubNotifySend(t)
	n := New(false, slog.New(slog.NewTextHandler(io.Discard, nil)))

	n.Installed(context.Background(), "Text Editor")
	n.Removed(context.Background(), "Text Editor")

	if _, err := os.Stat(capture); !os.IsNotExist(err) {
		t.Fatalf("disabled notifier still invoked notify-send")
	}
}

func TestMissingBinaryLogsOnce(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	var buf bytes.Buffer
	n := New(true, slog.New(slog.NewTextHandler(&buf, nil)))

	n.Installed(context.Background(), "One")
	n.Installed(context.Background(), "Two")
	n.Removed(context.Background(), "Three")

	if got := strings.Count(buf.String(), "notify-send not found"); got != 1 {
		t.Errorf("missing-binary message logged %d times, want once\n%s", got, buf.String())
	}
}
