// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianContain/pkg/logging"
	"github.com/AleutianAI/AleutianContain/services/containment/config"
)

// cliOptions holds the persistent flags.
type cliOptions struct {
	configPath string
	addr       string
	logLevel   string
	cfg        config.Config
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:           "containd",
		Short:         "Containment control plane: snapshots, halt sequences and constraint scheduling",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(opts.configPath)
			if err != nil {
				return err
			}
			if opts.logLevel != "" {
				if _, err := logging.ParseLevel(opts.logLevel); err != nil {
					return err
				}
				cfg.Logging.Level = opts.logLevel
			}
			if opts.addr == "" {
				opts.addr = cfg.Server.ListenAddr
			}
			opts.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to containd.yaml (defaults when empty)")
	root.PersistentFlags().StringVar(&opts.addr, "addr", "", "daemon address for remote commands (defaults to server.listen_addr)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(opts),
		newSnapshotCmd(opts),
		newHaltCmd(opts),
		newCompileCmd(opts),
		newSweepCmd(opts),
	)
	return root
}

// newLogger builds the process logger from the logging section.
func newLogger(cfg config.LoggingConfig) *logging.Logger {
	// PersistentPreRunE already rejected bad flag values; an unknown level
	// from the file falls back to info.
	level, _ := logging.ParseLevel(cfg.Level)
	return logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Dir,
		Service: "containd",
		JSON:    cfg.JSON,
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}
