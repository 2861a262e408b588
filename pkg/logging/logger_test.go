// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// =============================================================================
// Level Tests
// =============================================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

// =============================================================================
// Logger Tests
// =============================================================================

func TestNew_ConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelWarn, Service: "containd", Output: &buf})
	defer logger.Close()

	logger.Slog().Info("dropped")
	logger.Slog().Warn("kept", slog.String("component", "Isolation"))

	out := buf.String()
	if strings.Contains(out, "dropped") {
		t.Errorf("info record written at warn level: %s", out)
	}
	if !strings.Contains(out, "kept") || !strings.Contains(out, "service=containd") {
		t.Errorf("missing warn record or service attribute: %s", out)
	}
}

func TestNew_JSONConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: slog.LevelInfo, JSON: true, Output: &buf})
	logger.Slog().Info("hello", slog.Int("n", 1))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("console output is not JSON: %v", err)
	}
	if rec["msg"] != "hello" {
		t.Errorf("msg = %v, want hello", rec["msg"])
	}
}

func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: slog.LevelInfo, LogDir: dir, Service: "containd", Quiet: true})
	logger.Slog().Info("to file")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	name := "containd_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"msg":"to file"`) {
		t.Errorf("log file missing record: %s", data)
	}
}

func TestNew_UnwritableDirFallsBack(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, nil, 0600); err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	logger := New(Config{LogDir: filepath.Join(blocker, "logs"), Output: &buf})
	logger.Slog().Info("still works")
	if !strings.Contains(buf.String(), "still works") {
		t.Error("console output lost when file logging failed")
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Output: &buf})
	logger.With("run_id", "r-1").Slog().Info("child")
	if !strings.Contains(buf.String(), "run_id=r-1") {
		t.Errorf("child attributes missing: %s", buf.String())
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	if got := expandPath("~/logs"); got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("expandPath(/var/log) = %q", got)
	}
}

type failingHandler struct{ slog.Handler }

func (failingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (failingHandler) Handle(context.Context, slog.Record) error {
	return errors.New("disk full")
}

func TestMultiHandler_ContinuesPastFailure(t *testing.T) {
	var buf bytes.Buffer
	h := &multiHandler{handlers: []slog.Handler{
		failingHandler{},
		slog.NewTextHandler(&buf, nil),
	}}
	err := h.Handle(context.Background(), slog.NewRecord(time.Now(), slog.LevelInfo, "msg", 0))
	if err == nil {
		t.Error("expected joined error")
	}
	if !strings.Contains(buf.String(), "msg") {
		t.Error("second handler did not receive the record")
	}
}

// =============================================================================
// ViolationRecorder Tests
// =============================================================================

func TestViolationRecorder_RecordViolation(t *testing.T) {
	var buf bytes.Buffer
	reg := prometheus.NewRegistry()
	r := NewViolationRecorder(New(Config{Output: &buf}).Slog(), reg)

	r.RecordViolation("fsmu-default", "Isolation", 150*time.Millisecond)
	r.LogInfo("halt sequence completed")

	out := buf.String()
	for _, want := range []string{"SLA violation", "policy_id=fsmu-default", "component=Isolation", "duration_ms=150", "halt sequence completed"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q: %s", want, out)
		}
	}
	got := testutil.ToFloat64(r.violations.WithLabelValues("fsmu-default", "Isolation"))
	if got != 1 {
		t.Errorf("violation counter = %v, want 1", got)
	}
}

type panickingHandler struct{ slog.Handler }

func (panickingHandler) Enabled(context.Context, slog.Level) bool { return true }
func (panickingHandler) Handle(context.Context, slog.Record) error {
	panic("handler crashed")
}
func (h panickingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }

func TestViolationRecorder_SwallowsHandlerPanics(t *testing.T) {
	r := NewViolationRecorder(slog.New(panickingHandler{}), nil)

	defer func() {
		if p := recover(); p != nil {
			t.Fatalf("panic escaped the recorder: %v", p)
		}
	}()
	r.RecordViolation("p", "Isolation", time.Second)
	r.LogInfo("x")
}

func TestViolationRecorder_Concurrent(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewViolationRecorder(New(Config{Quiet: true}).Slog(), reg)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.RecordViolation("p", "Isolation", time.Millisecond)
		}()
	}
	wg.Wait()
	if got := testutil.ToFloat64(r.violations.WithLabelValues("p", "Isolation")); got != 50 {
		t.Errorf("violation counter = %v, want 50", got)
	}
}
