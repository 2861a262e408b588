// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package halt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianContain/services/containment/telemetry"
)

// Orchestrator executes halt sequences for one policy.
//
// Thread Safety: State and Settled may be read concurrently. Execute
// provides no mutual exclusion; callers must run at most one sequence per
// Orchestrator at a time, and can use Settled to learn when an abandoned
// sequence has let go of the agent.
type Orchestrator struct {
	policy  Policy
	logger  *slog.Logger
	metrics *Metrics
	state   atomic.Int32
	now     func() time.Time

	mu      sync.Mutex
	settled chan struct{}
}

// closedChan is returned by Settled before any sequence has run.
var closedChan = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records sequence outcomes.
func WithMetrics(m *Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// NewOrchestrator creates an Orchestrator bound to policy.
//
// Inputs:
//   - policy: Halt policy. Must pass Validate.
//   - opts: Logger and metrics options.
//
// Outputs:
//   - *Orchestrator: In StateIdle.
//   - error: Non-nil if the policy is invalid.
func NewOrchestrator(policy Policy, opts ...Option) (*Orchestrator, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid halt policy: %w", err)
	}
	o := &Orchestrator{
		policy: policy,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With(
		slog.String("subsystem", "halt_orchestrator"),
		slog.String("policy_id", policy.ID),
	)
	return o, nil
}

// Policy returns the bound policy.
func (o *Orchestrator) Policy() Policy { return o.policy }

// State returns the state of the current or most recent sequence.
func (o *Orchestrator) State() State { return State(o.state.Load()) }

// Settled returns a channel closed once the most recent sequence's agent
// calls have all returned. After a timeout Execute returns while the agent
// may still be running; Settled stays open until it finishes.
func (o *Orchestrator) Settled() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.settled == nil {
		return closedChan
	}
	return o.settled
}

// setState forces a state, used at sequence start and by the deadline path.
func (o *Orchestrator) setState(s State) {
	o.state.Store(int32(s))
	o.logger.Debug("halt state changed", slog.String("state", s.String()))
}

// transition moves from one state to the next unless the deadline path has
// already claimed the sequence.
func (o *Orchestrator) transition(from, to State) bool {
	if !o.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	o.logger.Debug("halt state changed", slog.String("state", to.String()))
	return true
}

// outcome is what the sequence goroutine hands back to Execute.
type outcome struct {
	isolation   time.Duration
	slaViolated bool
	err         error
}

// Execute runs the halt sequence.
//
// Description:
//
//	Phase 1 isolates and measures the call against the isolation SLA. A
//	breach is reported once through sys.RecordViolation and is otherwise
//	advisory. Phase 2 runs sanitization and forensics concurrently and
//	waits for both. The sequence is raced against the total timeout; if the
//	deadline passes first, or the sequence finishes but took longer than the
//	timeout, the result is a *TimeoutError whatever the phases reported.
//
// Inputs:
//   - ctx: Parent context. Cancelling it before the deadline aborts the
//     wait and returns the context error.
//   - agent: Halt primitives. Must not be nil.
//   - sys: Audit side channel. May be nil.
//
// Outputs:
//   - *Report: Never nil.
//   - error: Wraps ErrIsolationFailed, ErrSanitizationFailed,
//     ErrForensicsFailed, or is a *TimeoutError.
//
// Thread Safety: Not re-entrant. See Orchestrator.
func (o *Orchestrator) Execute(ctx context.Context, agent Agent, sys SystemLogger) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), PolicyID: o.policy.ID}
	if agent == nil {
		report.State = StateFailed.String()
		report.Error = ErrNilAgent.Error()
		return report, ErrNilAgent
	}

	ctx, span := telemetry.StartHalt(ctx, o.policy.ID, report.RunID)

	logger := o.logger.With(slog.String("run_id", report.RunID))
	start := o.now()
	o.setState(StateIdle)
	o.logInfo(logger, sys, fmt.Sprintf("halt sequence %s started for policy %s", report.RunID, o.policy.ID))

	seqCtx, cancel := context.WithTimeout(ctx, o.policy.TotalTimeout)
	defer cancel()

	settled := make(chan struct{})
	o.mu.Lock()
	o.settled = settled
	o.mu.Unlock()

	done := make(chan outcome, 1)
	go func() {
		defer close(settled)
		done <- o.run(seqCtx, logger, agent, sys)
	}()

	var err error
	select {
	case out := <-done:
		<-settled
		report.IsolationDuration = out.isolation
		report.SLAViolated = out.slaViolated
		err = out.err
		if o.now().Sub(start) > o.policy.TotalTimeout {
			err = &TimeoutError{Total: o.policy.TotalTimeout}
		}
	case <-seqCtx.Done():
		if parentErr := ctx.Err(); parentErr != nil {
			err = fmt.Errorf("halt sequence aborted: %w", parentErr)
		} else {
			err = &TimeoutError{Total: o.policy.TotalTimeout}
		}
	}

	report.Elapsed = o.now().Sub(start)
	final := o.finish(err)
	report.State = final.String()
	o.metrics.observe(final, report.Elapsed)

	if err != nil {
		report.Error = err.Error()
		telemetry.End(span, err)
		logger.Error("halt sequence ended",
			slog.String("state", final.String()),
			slog.Duration("elapsed", report.Elapsed),
			slog.String("error", err.Error()),
		)
		o.logInfo(logger, sys, fmt.Sprintf("halt sequence %s %s: %v", report.RunID, final, err))
		return report, err
	}

	telemetry.End(span, nil)
	logger.Info("halt sequence ended",
		slog.String("state", final.String()),
		slog.Duration("elapsed", report.Elapsed),
	)
	o.logInfo(logger, sys, fmt.Sprintf("halt sequence %s completed", report.RunID))
	return report, nil
}

// finish publishes the terminal state for err.
func (o *Orchestrator) finish(err error) State {
	var final State
	switch {
	case err == nil:
		final = StateCompleted
	case errors.Is(err, ErrTimeout):
		final = StateTimedOut
	default:
		final = StateFailed
	}
	o.setState(final)
	return final
}

// run is the sequence body. It executes on its own goroutine so Execute can
// abandon it at the deadline.
func (o *Orchestrator) run(ctx context.Context, logger *slog.Logger, agent Agent, sys SystemLogger) outcome {
	var out outcome

	if !o.transition(StateIdle, StateIsolating) {
		out.err = ctx.Err()
		return out
	}

	telemetry.Phase(ctx, StateIsolating.String())
	isoStart := o.now()
	err := invoke(ctx, agent.Isolate)
	out.isolation = o.now().Sub(isoStart)
	o.metrics.observePhase(StateIsolating, out.isolation)
	if err != nil {
		out.err = fmt.Errorf("%w: %w", ErrIsolationFailed, err)
		return out
	}
	// Once the deadline has fired the sequence is already reported, so an
	// abandoned run records nothing further.
	if ctx.Err() != nil {
		out.err = ctx.Err()
		return out
	}
	if out.isolation > o.policy.IsolationSLA {
		out.slaViolated = true
		logger.Warn("isolation exceeded SLA",
			slog.Duration("duration", out.isolation),
			slog.Duration("sla", o.policy.IsolationSLA),
		)
		o.recordViolation(logger, sys, ComponentIsolation, out.isolation)
	}

	// The deadline path may have claimed the sequence while isolation ran.
	if !o.transition(StateIsolating, StateSanitizingAndCollecting) {
		out.err = ctx.Err()
		return out
	}

	telemetry.Phase(ctx, StateSanitizingAndCollecting.String(),
		attribute.Int64("halt.isolation_ns", out.isolation.Nanoseconds()),
		attribute.Bool("halt.sla_violated", out.slaViolated),
	)
	phaseStart := o.now()
	var sanitizeErr, forensicsErr error
	var g errgroup.Group
	g.Go(func() error {
		sanitizeErr = invoke(ctx, agent.Sanitize)
		return nil
	})
	g.Go(func() error {
		forensicsErr = invoke(ctx, agent.CollectForensics)
		return nil
	})
	_ = g.Wait()
	o.metrics.observePhase(StateSanitizingAndCollecting, o.now().Sub(phaseStart))

	switch {
	case sanitizeErr != nil:
		if forensicsErr != nil {
			logger.Error("forensics collection also failed", slog.String("error", forensicsErr.Error()))
		}
		out.err = fmt.Errorf("%w: %w", ErrSanitizationFailed, sanitizeErr)
	case forensicsErr != nil:
		out.err = fmt.Errorf("%w: %w", ErrForensicsFailed, forensicsErr)
	}
	return out
}

// invoke calls an agent primitive, converting a panic into an error.
func invoke(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panic: %v", r)
		}
	}()
	return fn(ctx)
}

func (o *Orchestrator) recordViolation(logger *slog.Logger, sys SystemLogger, component string, d time.Duration) {
	o.metrics.violation(component)
	if sys == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("system logger panicked", slog.Any("panic", r))
		}
	}()
	sys.RecordViolation(o.policy.ID, component, d)
}

func (o *Orchestrator) logInfo(logger *slog.Logger, sys SystemLogger, msg string) {
	if sys == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("system logger panicked", slog.Any("panic", r))
		}
	}()
	sys.LogInfo(msg)
}
