// panic_recovery.go: Panic containment for goroutines and plugin-supplied code
//
// Plugin code runs inside the host process for builtin entries and inside
// host goroutines for message delivery. A panic in a hook or a handler must
// never take the host down, so every call into plugin code goes through one
// of the guards below.
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package pluginhost

import (
	"fmt"
	"runtime"
)

// stackBufferSize bounds the captured stack of a recovered panic.
const stackBufferSize = 64 << 10

// PanicError is returned when plugin code panics. It keeps the recovered
// value and the goroutine stack for the record's last error.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (p *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", p.Value)
}

// withStackRecover returns a panic recovery function that logs panic details
// including full stack trace.
//
// Example usage:
//
//	go func() {
//	    defer withStackRecover(logger)()
//	    // potentially panicking code
//	}()
func withStackRecover(logger Logger) func() {
	return func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackBufferSize)
			n := runtime.Stack(buf, false)

			logger.Error("Panic recovered in goroutine",
				"panic", r,
				"stack", string(buf[:n]))
		}
	}
}

// callGuarded runs fn and converts a panic into a *PanicError.
func callGuarded(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackBufferSize)
			n := runtime.Stack(buf, false)
			err = &PanicError{Value: r, Stack: buf[:n]}
		}
	}()
	return fn()
}

// callGuardedValue is callGuarded for functions that also return a value.
func callGuardedValue(fn func() (any, error)) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, stackBufferSize)
			n := runtime.Stack(buf, false)
			result = nil
			err = &PanicError{Value: r, Stack: buf[:n]}
		}
	}()
	return fn()
}

// SafeGo executes a function in a new goroutine with automatic panic recovery.
func SafeGo(logger Logger, fn func()) {
	go func() {
		defer withStackRecover(logger)()
		fn()
	}()
}
