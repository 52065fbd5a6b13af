// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package config

import (
	_ "embed"
	"log/slog"
	"os"
	"path/filepath"

	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

//go:embed afina.yaml.default
var DefaultConfigYAML []byte

// DefaultConfigPath returns ~/.config/afina/afina.yaml.
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", afinaerr.Errorf(afinaerr.CodeConfigLoadReadFailure, "resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "afina", "afina.yaml"), nil
}

// DefaultDataPath returns the sqlite database location,
// ~/.local/share/afina/afina.db, or afina.db when no home directory exists.
func DefaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "afina.db"
	}
	return filepath.Join(home, ".local", "share", "afina", "afina.db")
}

// DefaultLogPath returns the log file used by the terminal UI when
// logging.file is unset.
func DefaultLogPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "afina.log")
	}
	return filepath.Join(home, ".local", "state", "afina", "afina.log")
}

// BootstrapConfig writes the default commented config to path if it does not
// already exist. Returns the path written, or empty string if the file already
// existed or an error occurred (non-fatal, logged and skipped).
func BootstrapConfig() string {
	cfgPath, err := DefaultConfigPath()
	if err != nil {
		slog.Debug("skipping config bootstrap", "error", err)
		return ""
	}
	return bootstrapAt(cfgPath)
}

func bootstrapAt(cfgPath string) string {
	if _, err := os.Stat(cfgPath); err == nil {
		return ""
	}

	dir := filepath.Dir(cfgPath)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		slog.Debug("skipping config bootstrap: cannot create directory", "path", dir, "error", err)
		return ""
	}

	if err := os.WriteFile(cfgPath, DefaultConfigYAML, 0o600); err != nil {
		slog.Debug("skipping config bootstrap: cannot write config", "path", cfgPath, "error", err)
		return ""
	}

	slog.Info("created default config", "path", cfgPath)
	return cfgPath
}
