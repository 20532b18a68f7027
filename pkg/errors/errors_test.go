// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package errors

import (
	"errors"
	"strings"
	"testing"
)

func TestPipelineError(t *testing.T) {
	cause := errors.New("connection refused")

	err := New("write", "", "sess-1", "10.0.0.1:4000", cause)
	if err == nil {
		t.Fatal("Expected an error")
	}
	if !errors.Is(err, cause) {
		t.Error("PipelineError must unwrap to its cause")
	}

	var perr *PipelineError
	if !errors.As(err, &perr) {
		t.Fatal("Expected a PipelineError")
	}
	if perr.Op != "write" || perr.SessionID != "sess-1" {
		t.Errorf("Fields = %+v", perr)
	}

	msg := err.Error()
	for _, want := range []string{"write", "sess-1", "10.0.0.1:4000", "connection refused"} {
		if !strings.Contains(msg, want) {
			t.Errorf("Error %q missing %q", msg, want)
		}
	}
}

func TestPipelineError_FilterMessage(t *testing.T) {
	err := New("read", "firewall", "", "10.0.0.1:4000", errors.New("boom"))
	if msg := err.Error(); !strings.Contains(msg, `filter "firewall"`) {
		t.Errorf("Error = %q", msg)
	}
}

func TestNew_NilError(t *testing.T) {
	if err := New("write", "", "", "", nil); err != nil {
		t.Errorf("New with nil cause = %v, want nil", err)
	}
}

func TestWrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(cause, "loading config")
	if !errors.Is(err, cause) {
		t.Error("Wrap must preserve the cause")
	}
	if Wrap(nil, "anything") != nil {
		t.Error("Wrap(nil) must be nil")
	}
}
