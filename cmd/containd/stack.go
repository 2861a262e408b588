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
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/AleutianContain/pkg/logging"
	"github.com/AleutianAI/AleutianContain/services/containment/agent"
	"github.com/AleutianAI/AleutianContain/services/containment/api"
	"github.com/AleutianAI/AleutianContain/services/containment/archive"
	"github.com/AleutianAI/AleutianContain/services/containment/compiler"
	"github.com/AleutianAI/AleutianContain/services/containment/config"
	"github.com/AleutianAI/AleutianContain/services/containment/constraints"
	"github.com/AleutianAI/AleutianContain/services/containment/constraints/defaults"
	"github.com/AleutianAI/AleutianContain/services/containment/forensics"
	"github.com/AleutianAI/AleutianContain/services/containment/halt"
	"github.com/AleutianAI/AleutianContain/services/containment/integrity"
	"github.com/AleutianAI/AleutianContain/services/containment/snapshot"
	badgerstore "github.com/AleutianAI/AleutianContain/services/containment/storage/badger"
)

// secretEnvPrefix marks environment variables that are moved into the
// vault at startup and removed from the environment.
const secretEnvPrefix = "CONTAIND_SECRET_"

// stack is the fully wired daemon.
type stack struct {
	db        *badgerstore.DB
	archive   *archive.Archive
	generator *snapshot.Generator
	vault     *agent.Vault
	agent     *agent.ProcessAgent
	halt      *halt.Orchestrator
	audit     *logging.ViolationRecorder
	scheduler *constraints.Scheduler
	engine    *compiler.Engine
	watcher   *compiler.Watcher
	handlers  *api.Handlers
}

// newStack builds every component from cfg and activates the embedded
// baseline constraint set. Nothing is started; see runServe.
func newStack(ctx context.Context, cfg config.Config, logger *slog.Logger, reg prometheus.Registerer) (_ *stack, err error) {
	st := &stack{}
	defer func() {
		if err != nil {
			_ = st.Close()
		}
	}()

	hashers, err := integrity.Lookup(cfg.Snapshot.HashAlgorithm)
	if err != nil {
		return nil, err
	}

	st.db, err = badgerstore.OpenDB(badgerstore.FromStorageConfig(cfg.Storage, logger))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	st.archive, err = archive.New(st.db, hashers, cfg.Snapshot.HashSize, logger)
	if err != nil {
		return nil, err
	}

	provider := &snapshot.ProcessProvider{Memory: snapshot.RuntimeState}
	st.generator, err = snapshot.NewGenerator(cfg.Snapshot, provider, hashers,
		snapshot.WithMetrics(snapshot.NewMetrics(reg)))
	if err != nil {
		return nil, fmt.Errorf("snapshot generator: %w", err)
	}

	sinks, err := buildSinks(ctx, cfg.Forensics, st.archive)
	if err != nil {
		return nil, err
	}

	st.scheduler = constraints.NewScheduler(
		constraints.WithSchedulerLogger(logger),
		constraints.WithSchedulerMetrics(constraints.NewMetrics(reg)))
	if err := activateBaseline(st.scheduler); err != nil {
		return nil, err
	}

	compilerMetrics := compiler.NewMetrics(reg)
	versions := &compiler.Versioner{}
	versions.Observe(st.scheduler.ActiveConstraints().Version())
	st.engine, err = compiler.NewEngine(cfg.Compiler.QueueCapacity,
		compiler.WithLogger(logger),
		compiler.WithMetrics(compilerMetrics),
		compiler.WithVersioner(versions))
	if err != nil {
		return nil, fmt.Errorf("compiler engine: %w", err)
	}

	if cfg.Compiler.PolicyDir != "" {
		st.watcher, err = compiler.NewWatcher(cfg.Compiler.PolicyDir, st.engine, compiler.WatcherOptions{
			Interval: cfg.Compiler.RecompileInterval,
			Burst:    cfg.Compiler.RecompileBurst,
			Logger:   logger,
			Metrics:  compilerMetrics,
		})
		if err != nil {
			return nil, err
		}
	}

	st.vault = agent.NewVault()
	if n, err := sealEnvSecrets(st.vault, os.Environ()); err != nil {
		return nil, err
	} else if n > 0 {
		logger.Info("secrets moved into vault", slog.Int("count", n))
	}
	if limit, err := agent.MlockLimit(); err == nil && limit >= 0 && limit < 512<<10 {
		logger.Warn("mlock limit is low; locked secret buffers may fail to allocate", slog.Int64("limit_bytes", limit))
	}

	opts := []agent.Option{
		agent.WithLogger(logger),
		agent.WithSinks(sinks...),
		agent.WithIsolationHook("compiler", func(ctx context.Context) error {
			err := st.engine.Submit(ctx, compiler.Shutdown())
			if errors.Is(err, compiler.ErrEngineStopped) {
				return nil
			}
			return err
		}),
	}
	if st.watcher != nil {
		opts = append(opts, agent.WithIsolationHook("policy-watcher", func(context.Context) error {
			return st.watcher.Close()
		}))
	}
	st.agent, err = agent.New(st.vault, st.generator, opts...)
	if err != nil {
		return nil, err
	}

	st.halt, err = halt.NewOrchestrator(halt.PolicyFromConfig(cfg.Halt),
		halt.WithLogger(logger),
		halt.WithMetrics(halt.NewMetrics(reg)))
	if err != nil {
		return nil, fmt.Errorf("halt orchestrator: %w", err)
	}
	st.audit = logging.NewViolationRecorder(logger, reg)

	auth, err := newAuthenticator(cfg.Server, os.Getenv)
	if err != nil {
		return nil, err
	}
	st.handlers, err = api.NewHandlers(api.Deps{
		Scheduler: st.scheduler,
		Compiler:  st.engine,
		Snapshots: st.generator,
		Archive:   st.archive,
		Halt:      st.halt,
		Agent:     st.agent,
		Audit:     st.audit,
		Logger:    logger,
		Auth:      auth,
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

// Close releases the watcher and the database. Safe on a partial stack.
func (st *stack) Close() error {
	var errs []error
	if st.watcher != nil {
		errs = append(errs, st.watcher.Close())
	}
	if st.vault != nil {
		st.vault.Destroy()
	}
	if st.db != nil {
		errs = append(errs, st.db.Close())
	}
	return errors.Join(errs...)
}

// activateBaseline compiles the embedded default set as version 1 and makes
// it active, so sweeps never run against the bootstrap block in practice.
func activateBaseline(s *constraints.Scheduler) error {
	block, err := constraints.Compile(defaults.Definition, defaults.Policies, 1)
	if err != nil {
		return fmt.Errorf("compile baseline constraints: %w", err)
	}
	if err := s.InjectCompiledSet(defaults.BaselineSetID, block); err != nil {
		return err
	}
	return s.SwitchActiveSet(defaults.BaselineSetID)
}

func buildSinks(ctx context.Context, cfg config.ForensicsConfig, a *archive.Archive) ([]forensics.Sink, error) {
	var sinks []forensics.Sink
	for _, name := range cfg.Sinks {
		switch name {
		case "archive":
			s, err := forensics.NewArchiveSink(a)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		case "s3":
			client, err := forensics.NewS3Client(ctx, cfg.S3)
			if err != nil {
				return nil, err
			}
			s, err := forensics.NewS3Sink(client, cfg.S3)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			return nil, fmt.Errorf("unknown forensic sink %q", name)
		}
	}
	return sinks, nil
}

// sealEnvSecrets moves every CONTAIND_SECRET_* variable into v and unsets it.
func sealEnvSecrets(v *agent.Vault, environ []string) (int, error) {
	n := 0
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, secretEnvPrefix) || value == "" {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, secretEnvPrefix))
		if err := v.Seal(name, []byte(value)); err != nil {
			return n, fmt.Errorf("seal %s: %w", key, err)
		}
		_ = os.Unsetenv(key)
		n++
	}
	return n, nil
}

// newAuthenticator returns a token authenticator when the server names a
// token variable, and the open authenticator otherwise.
func newAuthenticator(cfg config.ServerConfig, getenv func(string) string) (api.Authenticator, error) {
	if cfg.AuthTokenEnv == "" {
		return api.OpenAuthenticator{}, nil
	}
	token := getenv(cfg.AuthTokenEnv)
	if token == "" {
		return nil, fmt.Errorf("server.auth_token_env: %s is not set", cfg.AuthTokenEnv)
	}
	return api.NewTokenAuthenticator(token)
}
