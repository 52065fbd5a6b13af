// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sigil-dev/afina/internal/chat"
	"github.com/sigil-dev/afina/internal/config"
	"github.com/sigil-dev/afina/internal/events"
	"github.com/sigil-dev/afina/internal/logging"
	"github.com/sigil-dev/afina/internal/reconcile"
	"github.com/sigil-dev/afina/internal/store"
	_ "github.com/sigil-dev/afina/internal/store/memory" // register memory backend
	_ "github.com/sigil-dev/afina/internal/store/redis"  // register redis backend
	_ "github.com/sigil-dev/afina/internal/store/sqlite" // register sqlite backend
	"github.com/sigil-dev/afina/internal/transport"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// Client holds all wired subsystems and manages their lifecycle.
type Client struct {
	Config    *config.Config
	Logger    *slog.Logger
	KV        store.KV
	Repo      *store.Repository
	Hub       *events.Hub
	Model     *chat.Model
	Transport *transport.Client
	Replies   *reconcile.Reconciler

	logCloser io.Closer
}

// wireOptions tweaks WireClient for individual commands.
type wireOptions struct {
	// logToFile sends log records to a file even when logging.file is unset.
	logToFile bool
	// skipMigrate leaves legacy data alone; the migrate command reports on
	// it itself.
	skipMigrate bool
}

// WireClient loads the configuration and creates all subsystems.
func WireClient(ctx context.Context, cmd *cobra.Command, opts wireOptions) (*Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	logOpts := logging.Options{
		Config:  cfg.Logging,
		Verbose: viper.GetBool("verbose"),
		Stderr:  cmd.ErrOrStderr(),
	}
	if opts.logToFile && cfg.Logging.File == "" {
		logOpts.FilePath = config.DefaultLogPath()
	}
	logger, logCloser, err := logging.Setup(logOpts)
	if err != nil {
		return nil, afinaerr.Errorf(afinaerr.CodeCLISetupFailure, "setting up logging: %w", err)
	}

	c := &Client{Config: cfg, Logger: logger, logCloser: logCloser}

	// 1. Key-value store and the chat schema on top of it.
	kv, err := store.Open(cfg.Storage.ToStore())
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.KV = kv
	c.Repo = store.NewRepository(kv)

	if !opts.skipMigrate {
		report, err := c.Repo.Migrate(ctx)
		if err != nil {
			_ = c.Close()
			return nil, afinaerr.Wrap(err, afinaerr.CodeCLISetupFailure, "migrating legacy chats")
		}
		if report.Found {
			logger.Info("migrated legacy chats", "migrated", report.Migrated, "skipped", report.Skipped)
		}
	}

	// 2. Event hub and the session model.
	c.Hub = events.NewHub(logger)
	c.Model = chat.NewModel(c.Repo, c.Hub, chat.WithLogger(logger))

	// 3. Backend transport and the reply reconciler.
	c.Transport, err = transport.New(transport.Options{
		BaseURL: cfg.Backend.URL,
		Mode:    cfg.Backend.StreamMode,
		Timeout: cfg.Backend.Timeout,
		Logger:  logger,
	})
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	c.Replies = reconcile.New(c.Model, c.Transport, reconcile.Options{
		PersistInterval: cfg.Streaming.PersistInterval,
		ErrorNotice:     cfg.Streaming.ErrorNotice,
		Logger:          logger,
	})

	return c, nil
}

// Close shuts subsystems down in reverse order of creation.
func (c *Client) Close() error {
	var errs []error
	if c.Replies != nil {
		c.Replies.Close()
	}
	if c.Model != nil {
		c.Model.Close()
	}
	if c.Hub != nil {
		if err := c.Hub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.KV != nil {
		if err := c.KV.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.logCloser != nil {
		if err := c.logCloser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
