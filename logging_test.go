// logging_test.go: Tests for the logger adapters
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
)

func TestTestLogger_MessageCapture(t *testing.T) {
	tests := []struct {
		name    string
		logFunc func(*TestLogger, string, ...any)
		level   string
		args    []any
	}{
		{"Debug", (*TestLogger).Debug, "DEBUG", nil},
		{"Info", (*TestLogger).Info, "INFO", nil},
		{"Warn", (*TestLogger).Warn, "WARN", nil},
		{"Error", (*TestLogger).Error, "ERROR", nil},
		{"InfoWithArgs", (*TestLogger).Info, "INFO", []any{"plugin", "economy", "state", "Enabled"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := NewTestLogger()
			tt.logFunc(logger, "message", tt.args...)

			messages := logger.Messages()
			if len(messages) != 1 {
				t.Fatalf("Expected 1 message, got %d", len(messages))
			}
			if messages[0].Level != tt.level {
				t.Errorf("Expected level %s, got %s", tt.level, messages[0].Level)
			}
			if len(messages[0].Args) != len(tt.args) {
				t.Errorf("Expected %d args, got %d", len(tt.args), len(messages[0].Args))
			}
		})
	}
}

func TestTestLogger_WithSharesSink(t *testing.T) {
	root := NewTestLogger()
	child := root.With("plugin", "economy")
	grandchild := child.With("channel", "balance")

	grandchild.Warn("Handler slow", "ms", 250)

	messages := root.Messages()
	if len(messages) != 1 {
		t.Fatalf("Expected the root to see child messages, got %d", len(messages))
	}
	want := []any{"plugin", "economy", "channel", "balance", "ms", 250}
	if len(messages[0].Args) != len(want) {
		t.Fatalf("Expected args %v, got %v", want, messages[0].Args)
	}
	for i := range want {
		if messages[0].Args[i] != want[i] {
			t.Errorf("Arg %d: expected %v, got %v", i, want[i], messages[0].Args[i])
		}
	}
}

func TestTestLogger_Queries(t *testing.T) {
	logger := NewTestLogger()
	logger.Info("Plugin enabled")
	logger.Info("Plugin loaded")
	logger.Error("Plugin enable failed")

	if !logger.HasMessage("INFO", "Plugin enabled") {
		t.Error("Expected exact message match")
	}
	if logger.HasMessage("ERROR", "Plugin enabled") {
		t.Error("Level must be part of the match")
	}
	if !logger.HasMessageContaining("ERROR", "enable failed") {
		t.Error("Expected fragment match")
	}
	if logger.Count("INFO") != 2 || logger.Count("ERROR") != 1 || logger.Count("DEBUG") != 0 {
		t.Errorf("Unexpected counts: info=%d error=%d", logger.Count("INFO"), logger.Count("ERROR"))
	}

	logger.Clear()
	if len(logger.Messages()) != 0 {
		t.Error("Expected Clear to drop every message")
	}
}

func TestTestLogger_Concurrent(t *testing.T) {
	logger := NewTestLogger()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.With("worker", n).Info("tick")
		}(i)
	}
	wg.Wait()

	if logger.Count("INFO") != 20 {
		t.Errorf("Expected 20 messages, got %d", logger.Count("INFO"))
	}
}

func TestSlogLogger(t *testing.T) {
	var buf bytes.Buffer
	handler := slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := NewSlogLogger(slog.New(handler)).With("plugin", "economy")

	logger.Debug("Module resolved", "module", "json")
	logger.Warn("Handler slow")

	out := buf.String()
	for _, fragment := range []string{"level=DEBUG", "Module resolved", "module=json", "plugin=economy", "level=WARN"} {
		if !strings.Contains(out, fragment) {
			t.Errorf("Expected output to contain %q, got:\n%s", fragment, out)
		}
	}
}

func TestNewLogger(t *testing.T) {
	if _, ok := NewLogger(nil).(*NoOpLogger); !ok {
		t.Error("nil should give a NoOpLogger")
	}

	test := NewTestLogger()
	if NewLogger(test) != Logger(test) {
		t.Error("A Logger should be used as is")
	}

	if _, ok := NewLogger(slog.Default()).(*SlogLogger); !ok {
		t.Error("*slog.Logger should be wrapped")
	}

	defer func() {
		if recover() == nil {
			t.Error("Expected panic for an unsupported logger type")
		}
	}()
	NewLogger("not a logger")
}

func TestLoggerContext(t *testing.T) {
	if _, ok := LoggerFromContext(context.Background()).(*NoOpLogger); !ok {
		t.Error("Expected the default logger without a context value")
	}

	logger := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), logger)
	LoggerFromContext(ctx).Info("from context")

	if !logger.HasMessage("INFO", "from context") {
		t.Error("Expected the context logger to be used")
	}
}
