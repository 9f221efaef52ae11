// Copyright 2026 The AppBox Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration. Duration fields hold
// time.ParseDuration strings ("5m", "500ms"); Validate checks that
// they parse, and consumers parse them after validation.
type Config struct {
	// WatchDir is the directory scanned for bundle files.
	WatchDir string `yaml:"watch_dir"`

	// MountDir is where per-bundle mountpoints are created. Must not
	// overlap WatchDir, or mount activity would feed back into the
	// watcher.
	MountDir string `yaml:"mount_dir"`

	// ApplicationsDir receives .desktop launcher entries.
	ApplicationsDir string `yaml:"applications_dir"`

	// IconsDir receives extracted icons.
	IconsDir string `yaml:"icons_dir"`

	// BundleExtension selects which files in WatchDir are treated as
	// bundles. Compared case-insensitively.
	BundleExtension string `yaml:"bundle_extension"`

	// RescanInterval is how often the full directory reconciliation
	// runs, independent of filesystem events.
	RescanInterval string `yaml:"rescan_interval"`

	// DebounceWindow is how long a bundle file must stay quiet before
	// a filesystem event for it is acted on.
	DebounceWindow string `yaml:"debounce_window"`

	// Workers bounds how many probe/mount/install tasks run at once.
	Workers int `yaml:"workers"`

	// MountTimeout bounds one mount attempt.
	MountTimeout string `yaml:"mount_timeout"`

	// UnmountRetries is how many times a busy unmount is retried
	// before the record is abandoned to the next recovery pass.
	UnmountRetries int `yaml:"unmount_retries"`

	// UnmountBackoff is the initial delay between unmount retries;
	// it doubles per attempt.
	UnmountBackoff string `yaml:"unmount_backoff"`

	// Notifications enables desktop notifications on integration and
	// removal.
	Notifications bool `yaml:"notifications"`

	// LaunchWrapper is prepended to every launcher Exec line, e.g.
	// [firejail, --private]. List-valued, so it has no environment
	// override.
	LaunchWrapper []string `yaml:"launch_wrapper"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file and no
// environment overrides are present. A stock desktop needs no config
// file at all.
func Default() *Config {
	home, _ := os.UserHomeDir()

	return &Config{
		WatchDir:        filepath.Join(home, "AppBoxes"),
		MountDir:        defaultMountDir(),
		ApplicationsDir: filepath.Join(home, ".local", "share", "applications"),
		IconsDir:        filepath.Join(home, ".local", "share", "icons"),
		BundleExtension: ".appbox",
		RescanInterval:  "5m",
		DebounceWindow:  "500ms",
		Workers:         4,
		MountTimeout:    "30s",
		UnmountRetries:  5,
		UnmountBackoff:  "1s",
		Notifications:   true,
		LogLevel:        "info",
	}
}

// defaultMountDir prefers the user runtime directory: it is tmpfs, is
// wiped on logout, and is private to the user. The /tmp fallback
// keeps the uid in the name so concurrent users cannot collide.
func defaultMountDir() string {
	if runtime := os.Getenv("XDG_RUNTIME_DIR"); runtime != "" {
		return filepath.Join(runtime, "appbox")
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("appbox-%d", os.Getuid()))
}

// defaultConfigPath is where Load looks when neither the --config
// flag nor APPBOXD_CONFIG names a file.
func defaultConfigPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "appbox", "config.yaml")
}

// Load builds the effective configuration: defaults, then the config
// file, then APPBOXD_* environment overrides, then ${VAR} expansion.
//
// The file is resolved from the explicit path argument (the --config
// flag), then APPBOXD_CONFIG, then the default location. A missing
// file is an error only when it was named explicitly; a missing
// default file just means defaults.
//
// Load does not validate. Call Validate on the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if path == "" {
		path = os.Getenv("APPBOXD_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigPath()
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !explicit:
			// No config file; defaults apply.
		default:
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	if err := cfg.applyEnvironment(); err != nil {
		return nil, err
	}
	cfg.expandVariables()

	return cfg, nil
}

// applyEnvironment overlays APPBOXD_* variables onto the config.
// Every scalar field has one; list fields do not.
func (c *Config) applyEnvironment() error {
	var errs []error

	// An empty value counts as unset, so APPBOXD_X= neutralizes an
	// override instead of blanking the field.
	setString := func(key string, target *string) {
		if value := os.Getenv(key); value != "" {
			*target = value
		}
	}
	setInt := func(key string, target *int) {
		value := os.Getenv(key)
		if value == "" {
			return
		}
		parsed, err := strconv.Atoi(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = parsed
	}
	setBool := func(key string, target *bool) {
		value := os.Getenv(key)
		if value == "" {
			return
		}
		parsed, err := strconv.ParseBool(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*target = parsed
	}

	setString("APPBOXD_WATCH_DIR", &c.WatchDir)
	setString("APPBOXD_MOUNT_DIR", &c.MountDir)
	setString("APPBOXD_APPLICATIONS_DIR", &c.ApplicationsDir)
	setString("APPBOXD_ICONS_DIR", &c.IconsDir)
	setString("APPBOXD_BUNDLE_EXTENSION", &c.BundleExtension)
	setString("APPBOXD_RESCAN_INTERVAL", &c.RescanInterval)
	setString("APPBOXD_DEBOUNCE_WINDOW", &c.DebounceWindow)
	setInt("APPBOXD_WORKERS", &c.Workers)
	setString("APPBOXD_MOUNT_TIMEOUT", &c.MountTimeout)
	setInt("APPBOXD_UNMOUNT_RETRIES", &c.UnmountRetries)
	setString("APPBOXD_UNMOUNT_BACKOFF", &c.UnmountBackoff)
	setBool("APPBOXD_NOTIFICATIONS", &c.Notifications)
	setString("APPBOXD_LOG_LEVEL", &c.LogLevel)

	return errors.Join(errs...)
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in all
// path-valued fields and the launch wrapper.
func (c *Config) expandVariables() {
	vars := map[string]string{}
	if home, err := os.UserHomeDir(); err == nil {
		vars["HOME"] = home
	}

	c.WatchDir = expandVars(c.WatchDir, vars)
	c.MountDir = expandVars(c.MountDir, vars)
	c.ApplicationsDir = expandVars(c.ApplicationsDir, vars)
	c.IconsDir = expandVars(c.IconsDir, vars)
	for i, arg := range c.LaunchWrapper {
		c.LaunchWrapper[i] = expandVars(arg, vars)
	}
}

// expandVars expands ${VAR} and ${VAR:-default} patterns.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		// Check provided vars first, then environment.
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem at
// once, joined, so a broken file is fixed in one edit.
func (c *Config) Validate() error {
	var errs []error

	requirePath := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		} else if !filepath.IsAbs(value) {
			errs = append(errs, fmt.Errorf("%s must be an absolute path, got %q", name, value))
		}
	}
	requirePath("watch_dir", c.WatchDir)
	requirePath("mount_dir", c.MountDir)
	requirePath("applications_dir", c.ApplicationsDir)
	requirePath("icons_dir", c.IconsDir)

	if c.WatchDir != "" && c.MountDir != "" {
		if overlaps(c.WatchDir, c.MountDir) {
			errs = append(errs, fmt.Errorf("mount_dir %q must not overlap watch_dir %q", c.MountDir, c.WatchDir))
		}
	}

	switch {
	case c.BundleExtension == "" || c.BundleExtension == ".":
		errs = append(errs, errors.New("bundle_extension is required"))
	case strings.ContainsAny(c.BundleExtension, "/\\ \t"):
		errs = append(errs, fmt.Errorf("bundle_extension %q must not contain separators or whitespace", c.BundleExtension))
	}

	requireDuration := func(name, value string) {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
			return
		}
		parsed, err := time.ParseDuration(value)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, value, err))
			return
		}
		if parsed <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, value))
		}
	}
	requireDuration("rescan_interval", c.RescanInterval)
	requireDuration("debounce_window", c.DebounceWindow)
	requireDuration("mount_timeout", c.MountTimeout)
	requireDuration("unmount_backoff", c.UnmountBackoff)

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.UnmountRetries < 0 {
		errs = append(errs, fmt.Errorf("unmount_retries must be non-negative, got %d", c.UnmountRetries))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel))
	}

	return errors.Join(errs...)
}

// overlaps reports whether one path equals or contains the other.
func overlaps(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)
	if a == b {
		return true
	}
	return strings.HasPrefix(a, b+string(filepath.Separator)) ||
		strings.HasPrefix(b, a+string(filepath.Separator))
}

// SlogLevel maps log_level to its slog value. Call after Validate;
// unknown values fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// EnsurePaths creates every directory the daemon writes into. Called
// once at startup; failure is fatal there.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.WatchDir, c.MountDir, c.ApplicationsDir, c.IconsDir} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
