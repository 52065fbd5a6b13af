// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package main

import (
	"errors"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sigil-dev/afina/internal/config"
	afinaerr "github.com/sigil-dev/afina/pkg/errors"
)

// NewRootCmd creates the root afina command with all subcommands registered.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "afina",
		Short:         "Afina — terminal chat client",
		Long:          "Afina is a terminal chat client that streams replies from a chat backend and keeps conversations in a shared store.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return initViper(cmd)
		},
	}

	// Global flags, mapped to viper keys by initViper.
	root.PersistentFlags().StringP("config", "c", "", "path to config file")
	root.PersistentFlags().String("backend-url", "", "chat backend base URL")
	root.PersistentFlags().String("storage", "", "storage backend (sqlite, memory, redis)")
	root.PersistentFlags().String("data", "", "path to the sqlite database")
	root.PersistentFlags().BoolP("verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newChatCmd(),
		newSessionCmd(),
		newFileCmd(),
		newMigrateCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)

	return root
}

// flagKeys maps persistent flags to the viper keys they override. Unset flags
// fall back to the registered defaults.
var flagKeys = map[string]string{
	"backend-url": "backend.url",
	"storage":     "storage.backend",
	"data":        "storage.path",
	"verbose":     "verbose",
}

// initViper sets up the global Viper with defaults, env bindings, flag
// bindings, and optional config file so the standard precedence
// (flag > env > file > defaults) is handled uniformly.
func initViper(cmd *cobra.Command) error {
	v := viper.GetViper()

	config.SetDefaults(v)
	config.SetupEnv(v)

	if cfgFile, _ := cmd.Flags().GetString("config"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return afinaerr.Errorf(afinaerr.CodeConfigLoadReadFailure, "reading config file: %w", err)
		}
	} else {
		// SetConfigType is omitted so viper never picks up the ./afina binary.
		v.SetConfigName("afina")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/afina")
		v.AddConfigPath("/etc/afina")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return afinaerr.Errorf(afinaerr.CodeConfigLoadReadFailure, "reading config: %w", err)
			}
			if path := config.BootstrapConfig(); path != "" {
				v.SetConfigFile(path)
				if err := v.ReadInConfig(); err != nil {
					return afinaerr.Errorf(afinaerr.CodeConfigLoadReadFailure, "reading bootstrapped config: %w", err)
				}
			}
		}
	}
	config.WarnInsecurePermissions(v.ConfigFileUsed())

	flags := cmd.Root().PersistentFlags()
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, flags.Lookup(name)); err != nil {
			return afinaerr.Errorf(afinaerr.CodeCLISetupFailure, "binding %s flag: %w", name, err)
		}
	}

	return nil
}

// loadConfig decodes and validates the global viper configuration.
func loadConfig() (*config.Config, error) {
	return config.FromViper(viper.GetViper())
}
