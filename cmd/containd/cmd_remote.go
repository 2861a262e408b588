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
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianContain/services/containment/api"
)

const remoteTimeout = 30 * time.Second

// client returns a daemon client carrying the configured bearer token.
func (o *cliOptions) client(timeout time.Duration) *client {
	c := newClient(o.addr, timeout)
	if env := o.cfg.Server.AuthTokenEnv; env != "" {
		c.token = os.Getenv(env)
	}
	return c
}

func newSnapshotCmd(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Seal a snapshot of the daemon and store it in its archive",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.SnapshotResponse
			c := opts.client(remoteTimeout)
			if err := c.call(cmd.Context(), http.MethodPost, "/snapshots", http.StatusCreated, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List archived snapshots",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.SnapshotListResponse
			c := opts.client(remoteTimeout)
			if err := c.call(cmd.Context(), http.MethodGet, "/snapshots", http.StatusOK, &resp); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}, &cobra.Command{
		Use:   "verify <id>",
		Short: "Re-verify the integrity seal of an archived snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.VerifyResponse
			c := opts.client(remoteTimeout)
			if err := c.call(cmd.Context(), http.MethodGet, "/snapshots/"+args[0]+"/verify", http.StatusOK, &resp); err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Valid {
				return errIntegrity
			}
			return nil
		},
	})
	return cmd
}

func newHaltCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "halt",
		Short: "Run the halt sequence on the daemon",
		Long: `Isolates the daemon, destroys its secret vault and ships a forensic
snapshot to the configured sinks. The command waits for the sequence and
prints the halt report.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp api.HaltResponse
			timeout := opts.cfg.Halt.TotalTimeout + remoteTimeout
			c := opts.client(timeout)
			err := c.call(cmd.Context(), http.MethodPost, "/halt", http.StatusOK, &resp)
			if resp.Report != nil {
				if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
					return perr
				}
			}
			return err
		},
	}
}
