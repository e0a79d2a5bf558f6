// panic_recovery_test.go: Tests for panic containment around plugin code
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

func TestPanicRecovery_WithStackRecover(t *testing.T) {
	t.Run("RecoversPanic_WithStackTrace", func(t *testing.T) {
		logger := NewTestLogger()

		func() {
			defer withStackRecover(logger)()
			panic("test panic message")
		}()

		messages := logger.Messages()
		if len(messages) != 1 {
			t.Fatalf("Expected 1 log message, got %d", len(messages))
		}
		msg := messages[0]
		if msg.Level != "ERROR" {
			t.Errorf("Expected ERROR level, got %s", msg.Level)
		}
		if msg.Message != "Panic recovered in goroutine" {
			t.Errorf("Expected 'Panic recovered in goroutine', got %s", msg.Message)
		}

		var panicValue any
		var stack string
		for i := 0; i+1 < len(msg.Args); i += 2 {
			switch msg.Args[i] {
			case "panic":
				panicValue = msg.Args[i+1]
			case "stack":
				stack, _ = msg.Args[i+1].(string)
			}
		}
		if panicValue != "test panic message" {
			t.Errorf("Expected panic value 'test panic message', got %v", panicValue)
		}
		if !strings.Contains(stack, "TestPanicRecovery_WithStackRecover") {
			t.Error("Expected stack trace to contain the test function")
		}
	})

	t.Run("NoPanic_NoLogging", func(t *testing.T) {
		logger := NewTestLogger()

		func() {
			defer withStackRecover(logger)()
		}()

		if n := len(logger.Messages()); n != 0 {
			t.Errorf("Expected 0 log messages when no panic, got %d", n)
		}
	})
}

func TestCallGuarded(t *testing.T) {
	t.Run("ReturnsError", func(t *testing.T) {
		want := errors.New("hook failed")
		if err := callGuarded(func() error { return want }); err != want {
			t.Errorf("Expected the function error, got %v", err)
		}
	})

	t.Run("ConvertsPanic", func(t *testing.T) {
		err := callGuarded(func() error { panic("hook exploded") })

		var pe *PanicError
		if !errors.As(err, &pe) {
			t.Fatalf("Expected *PanicError, got %T", err)
		}
		if pe.Value != "hook exploded" {
			t.Errorf("Expected panic value 'hook exploded', got %v", pe.Value)
		}
		if len(pe.Stack) == 0 {
			t.Error("Expected a captured stack")
		}
		if pe.Error() != "panic: hook exploded" {
			t.Errorf("Unexpected error text %q", pe.Error())
		}
	})

	t.Run("ConvertsRuntimeError", func(t *testing.T) {
		err := callGuarded(func() error {
			var m map[string]int
			m["x"] = 1
			return nil
		})
		if err == nil || !strings.HasPrefix(err.Error(), "panic:") {
			t.Errorf("Expected recovered runtime panic, got %v", err)
		}
	})
}

func TestCallGuardedValue(t *testing.T) {
	result, err := callGuardedValue(func() (any, error) { return 42, nil })
	if err != nil || result != 42 {
		t.Errorf("Expected 42, got %v (%v)", result, err)
	}

	result, err = callGuardedValue(func() (any, error) { panic(errors.New("handler exploded")) })
	if result != nil {
		t.Errorf("Expected nil result after panic, got %v", result)
	}
	var pe *PanicError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected *PanicError, got %T", err)
	}
}

func TestSafeGo(t *testing.T) {
	logger := NewTestLogger()
	var wg sync.WaitGroup
	wg.Add(1)

	SafeGo(logger, func() {
		defer wg.Done()
		panic("goroutine panic")
	})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SafeGo function did not run")
	}

	// The recover runs after the deferred Done, so wait for the log line.
	deadline := time.Now().Add(2 * time.Second)
	for !logger.HasMessage("ERROR", "Panic recovered in goroutine") {
		if time.Now().After(deadline) {
			t.Fatal("Expected the panic to be logged")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
