// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/sigil-dev/afina/internal/config"
	"github.com/sigil-dev/afina/internal/store"
	"github.com/sigil-dev/afina/internal/transport"
)

// doctorProbeKey is written and removed again by the storage check.
const doctorProbeKey = "afina_doctor_probe"

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostics",
		Long:  "Check the configuration, the storage backend, the chat backend, and disk space.",
		Args:  cobra.NoArgs,
		RunE:  runDoctor,
	}

	cmd.Flags().Duration("timeout", 5*time.Second, "time limit for each network check")

	return cmd
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	timeout, _ := cmd.Flags().GetDuration("timeout")

	cfg, err := loadConfig()
	if err != nil {
		_, _ = fmt.Fprintf(w, "%-20s error: %s\n", "Config:", err)
		return err
	}

	checks := []struct {
		name string
		fn   func() string
	}{
		{"Binary", checkBinary},
		{"Config", checkConfig},
		{"Storage", func() string { return checkStorage(cmd.Context(), cfg, timeout) }},
		{"Backend", func() string { return checkBackend(cmd.Context(), cfg, timeout) }},
		{"Disk Space", func() string { return checkDiskSpace(cfg) }},
	}

	for _, c := range checks {
		if _, err := fmt.Fprintf(w, "%-20s %s\n", c.name+":", c.fn()); err != nil {
			return err
		}
	}

	return nil
}

func checkBinary() string {
	return fmt.Sprintf("afina %s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version())
}

func checkConfig() string {
	cfgFile := viper.ConfigFileUsed()
	if cfgFile != "" {
		return fmt.Sprintf("loaded from %s", cfgFile)
	}
	return "using defaults (no config file found)"
}

// checkStorage writes, reads back and removes a probe key.
func checkStorage(ctx context.Context, cfg *config.Config, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	kv, err := store.Open(cfg.Storage.ToStore())
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	defer func() { _ = kv.Close() }()

	probe := []byte(time.Now().UTC().Format(time.RFC3339Nano))
	if err := kv.Set(ctx, doctorProbeKey, probe); err != nil {
		return fmt.Sprintf("write failed: %s", err)
	}
	got, err := kv.Get(ctx, doctorProbeKey)
	if err != nil {
		return fmt.Sprintf("read failed: %s", err)
	}
	if err := kv.Remove(ctx, doctorProbeKey); err != nil {
		return fmt.Sprintf("cleanup failed: %s", err)
	}
	if !bytes.Equal(got, probe) {
		return "read back a different value"
	}

	meta, err := store.NewRepository(kv).Metadata(ctx)
	if err != nil {
		return fmt.Sprintf("ok (%s), but chat metadata is unreadable: %s", cfg.Storage.Backend, err)
	}
	return fmt.Sprintf("ok (%s, %d chats)", cfg.Storage.Backend, len(meta))
}

func checkBackend(ctx context.Context, cfg *config.Config, timeout time.Duration) string {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := transport.New(transport.Options{BaseURL: cfg.Backend.URL, Mode: cfg.Backend.StreamMode, Timeout: timeout})
	if err != nil {
		return fmt.Sprintf("error: %s", err)
	}
	h, err := client.Health(ctx)
	if err != nil {
		return fmt.Sprintf("not reachable at %s: %s", cfg.Backend.URL, err)
	}
	if !h.OK() {
		return fmt.Sprintf("unhealthy at %s: %s", cfg.Backend.URL, h.Message)
	}
	return fmt.Sprintf("%s at %s (%s, %s streaming)", h.Status, cfg.Backend.URL, h.Latency.Round(time.Millisecond), client.Mode())
}

func checkDiskSpace(cfg *config.Config) string {
	path := filepath.Dir(cfg.Storage.Path)
	if cfg.Storage.Backend != "sqlite" {
		path, _ = os.UserHomeDir()
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		// Fall back to home directory if data dir doesn't exist yet.
		path, _ = os.UserHomeDir()
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return fmt.Sprintf("unable to check: %s", err)
	}

	availBytes := stat.Bavail * uint64(stat.Bsize)
	return humanize.Bytes(availBytes) + " available"
}
