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
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianContain/services/containment/api"
	"github.com/AleutianAI/AleutianContain/services/containment/telemetry"
)

const shutdownGrace = 10 * time.Second

func newServeCmd(opts *cliOptions) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the containment daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				gin.SetMode(gin.DebugMode)
			} else {
				gin.SetMode(gin.ReleaseMode)
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, opts)
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "enable gin debug mode")
	return cmd
}

// runServe starts every long-running component and blocks until ctx ends
// or one of them fails.
func runServe(ctx context.Context, opts *cliOptions) error {
	cfg := opts.cfg
	lg := newLogger(cfg.Logging)
	defer lg.Close()
	logger := lg.Slog()

	shutdownTracing, err := telemetry.Init(ctx, cfg.Telemetry, os.Stdout)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warn("tracer shutdown failed", slog.String("error", err.Error()))
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	st, err := newStack(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := &http.Server{
		Addr:              opts.addr,
		Handler:           api.NewRouter(st.handlers, reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ignoreCanceled(st.engine.Run(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(st.db.RunGC(gctx))
	})
	g.Go(func() error {
		return ignoreCanceled(st.scheduler.Consume(gctx, st.engine.Results()))
	})
	if st.watcher != nil {
		g.Go(func() error {
			if n, err := st.watcher.LoadAll(gctx); err != nil {
				logger.Warn("initial bundle load incomplete", slog.Int("submitted", n), slog.String("error", err.Error()))
			}
			return ignoreCanceled(st.watcher.Run(gctx))
		})
	}
	g.Go(func() error {
		logger.Info("containment API listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		logger.Info("shutting down containment API")
		return srv.Shutdown(sctx)
	})

	return g.Wait()
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
