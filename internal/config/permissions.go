// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

//go:build !windows

package config

import (
	"io/fs"
	"log/slog"
	"os"
)

// readableByOthers masks the group and world read bits.
const readableByOthers fs.FileMode = 0o044

// WarnInsecurePermissions logs a warning when the config file at path can be
// read by users other than its owner. The file may carry
// storage.redis_password. An empty path or a file that cannot be stat'ed is
// skipped.
func WarnInsecurePermissions(path string) {
	if path == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		slog.Debug("skipping config permission check", "path", path, "error", err)
		return
	}
	if exposed := info.Mode().Perm() & readableByOthers; exposed != 0 {
		slog.Warn("config file is readable by other users; restrict it to 0600",
			"path", path,
			"mode", info.Mode().Perm(),
			"exposed", exposed)
	}
}
