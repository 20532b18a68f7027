// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the proxy data plane.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrInvalidConfig indicates a config snapshot failed validation and was
	// not applied.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrNoEndpoint indicates no upstream endpoint could be resolved for a packet.
	ErrNoEndpoint = errors.New("no endpoint")

	// ErrTokenNotFound indicates a routing token matched no endpoint.
	ErrTokenNotFound = errors.New("token not found")

	// ErrClusterNotFound indicates a referenced cluster does not exist.
	ErrClusterNotFound = errors.New("cluster not found")

	// ErrSessionLimit indicates the session table is full.
	ErrSessionLimit = errors.New("session limit reached")
)

// PipelineError wraps an error raised on the packet pipeline with context.
type PipelineError struct {
	Op         string // Operation that failed (read, write, resolve, publish)
	Filter     string // Filter name, if the error came from the chain
	SessionID  string // Session identifier
	RemoteAddr string // Downstream client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	switch {
	case e.Filter != "":
		return fmt.Sprintf("%s filter %q %s: %v", e.Op, e.Filter, e.RemoteAddr, e.Err)
	case e.SessionID != "":
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	default:
		return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
	}
}

// Unwrap returns the underlying error.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// New creates a new PipelineError.
func New(op, filter, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &PipelineError{
		Op:         op,
		Filter:     filter,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
