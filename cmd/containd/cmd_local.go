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
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianContain/services/containment/api"
	"github.com/AleutianAI/AleutianContain/services/containment/compiler"
	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
	"github.com/AleutianAI/AleutianContain/services/containment/constraints/defaults"
)

var (
	errIntegrity = errors.New("snapshot failed integrity verification")
	errViolation = errors.New("sample violates the constraint set")
)

// compileReport is printed for each bundle by the compile command.
type compileReport struct {
	File  string            `json:"file"`
	SetID string            `json:"set_id,omitempty"`
	Block *constraints.Info `json:"block,omitempty"`
	Error string            `json:"error,omitempty"`
}

func newCompileCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "compile <bundle.yaml>...",
		Short: "Compile policy bundles offline and report their digests",
		Long: `Compiles each bundle exactly as the daemon's compiler engine would and
prints the resulting block summary. Nothing is sent to the daemon. Use this
before dropping a bundle into compiler.policy_dir.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				reports []compileReport
				failed  int
			)
			for _, path := range args {
				r := compileReport{File: path}
				block, id, err := compileBundle(path)
				if err != nil {
					r.Error = err.Error()
					failed++
				} else {
					info := block.Info()
					r.SetID = id.String()
					r.Block = &info
				}
				reports = append(reports, r)
			}
			if err := printJSON(cmd.OutOrStdout(), reports); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d bundles failed to compile", failed, len(args))
			}
			return nil
		},
	}
}

// compileBundle compiles a bundle file at version 1.
func compileBundle(path string) (*constraints.Block, constraints.SetID, error) {
	b, err := compiler.LoadBundle(path)
	if err != nil {
		return nil, 0, err
	}
	block, err := constraints.Compile(b.Definition, b.Policies, 1)
	if err != nil {
		return nil, 0, err
	}
	return block, b.SetID, nil
}

func newSweepCmd(opts *cliOptions) *cobra.Command {
	var samplePath, bundlePath string
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Check a sample against a constraint set offline",
		Long: `Reads a JSON sample ({"metrics": {...}, "fields": {...}, "payload": "<base64>"})
and checks it against the bundle given with --bundle, or against the
embedded baseline set. Exits non-zero on a violation.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(samplePath)
			if err != nil {
				return fmt.Errorf("read sample: %w", err)
			}
			var sample constraints.Sample
			if err := json.Unmarshal(data, &sample); err != nil {
				return fmt.Errorf("parse sample: %w", err)
			}

			var block *constraints.Block
			if bundlePath != "" {
				block, _, err = compileBundle(bundlePath)
			} else {
				block, err = constraints.Compile(defaults.Definition, defaults.Policies, 1)
			}
			if err != nil {
				return err
			}

			resp := api.SweepResponse{Pass: true, Version: block.Version()}
			var violation *constraints.ViolationError
			if err := block.Check(sample); errors.As(err, &violation) {
				resp = api.SweepResponse{Version: violation.Version, Rule: violation.Rule, Reason: violation.Reason}
			} else if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), resp); err != nil {
				return err
			}
			if !resp.Pass {
				return errViolation
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&samplePath, "sample", "", "path to a JSON sample")
	cmd.Flags().StringVar(&bundlePath, "bundle", "", "policy bundle to check against (defaults to the baseline set)")
	_ = cmd.MarkFlagRequired("sample")
	return cmd
}
