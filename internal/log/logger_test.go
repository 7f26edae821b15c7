// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package log

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestConfigure_SetsServiceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "debug", Output: &buf, Service: "worker-supervisor", Version: "v1.2.3"})

	L().Info().Msg("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["service"] != "worker-supervisor" {
		t.Errorf("expected service=worker-supervisor, got %v", entry["service"])
	}
	if entry["version"] != "v1.2.3" {
		t.Errorf("expected version=v1.2.3, got %v", entry["version"])
	}
	if entry["message"] != "hello" {
		t.Errorf("expected message=hello, got %v", entry["message"])
	}
}

func TestConfigure_DefaultsServiceName(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})
	L().Info().Msg("x")

	if !strings.Contains(buf.String(), `"service":"workercore"`) {
		t.Errorf("expected default service name workercore, got %s", buf.String())
	}
}

func TestWithComponent_AnnotatesLogger(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	l := WithComponent("capacityprobe")
	l.Info().Msg("probing")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["component"] != "capacityprobe" {
		t.Errorf("expected component=capacityprobe, got %v", entry["component"])
	}
}

func TestDerive_AppliesCustomFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Output: &buf})

	l := Derive(func(ctx *zerolog.Context) {
		*ctx = ctx.Str("worker_id", "worker:tag:0")
	})
	l.Info().Msg("spawned")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["worker_id"] != "worker:tag:0" {
		t.Errorf("expected worker_id=worker:tag:0, got %v", entry["worker_id"])
	}
}

func TestSetLevel_FiltersBelowThreshold(t *testing.T) {
	var buf bytes.Buffer
	Configure(Config{Level: "warn", Output: &buf})

	L().Info().Msg("should be filtered")
	if buf.Len() != 0 {
		t.Errorf("expected info log to be filtered at warn level, got %s", buf.String())
	}

	L().Warn().Msg("should pass")
	if buf.Len() == 0 {
		t.Error("expected warn log to pass through")
	}
}
