// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package provider

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

// namedProvider is a minimal Provider for registry tests.
type namedProvider struct {
	name string
}

func (p *namedProvider) Name() string              { return p.name }
func (p *namedProvider) Capabilities() Capability  { return CapChat }
func (p *namedProvider) SubmitChat(_ context.Context, _ []Message, _ GenerationParams) (string, error) {
	return "", nil
}
func (p *namedProvider) SubmitToolRun(_ context.Context, _ ToolRunRequest) (RunHandle, error) {
	return RunHandle{}, ErrUnsupported
}
func (p *namedProvider) PollToolRun(_ context.Context, _ RunHandle) (RunPoll, error) {
	return RunPoll{}, ErrUnsupported
}
func (p *namedProvider) SubmitToolOutputs(_ context.Context, _ RunHandle, _ []ToolOutput) error {
	return ErrUnsupported
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	r := NewRegistry()

	if err := r.Register(&namedProvider{name: "beta"}); err != nil {
		t.Fatalf("Register(beta): %v", err)
	}
	if err := r.Register(&namedProvider{name: "alpha"}); err != nil {
		t.Fatalf("Register(alpha): %v", err)
	}

	p, err := r.Get("alpha")
	if err != nil {
		t.Fatalf("Get(alpha): %v", err)
	}
	if p.Name() != "alpha" {
		t.Errorf("Get(alpha).Name() = %q", p.Name())
	}

	if _, err := r.Get("gamma"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Get(gamma) = %v, want ErrUnknownProvider", err)
	}
	if err := r.Register(&namedProvider{name: "alpha"}); !errors.Is(err, ErrDuplicateProvider) {
		t.Errorf("Register(duplicate) = %v, want ErrDuplicateProvider", err)
	}
	if err := r.Register(nil); !errors.Is(err, ErrNilProvider) {
		t.Errorf("Register(nil) = %v, want ErrNilProvider", err)
	}
	if err := r.Register(&namedProvider{}); !errors.Is(err, ErrEmptyProviderName) {
		t.Errorf("Register(unnamed) = %v, want ErrEmptyProviderName", err)
	}

	names := r.Names()
	if len(names) != 2 || names[0] != "alpha" || names[1] != "beta" {
		t.Errorf("Names() = %v, want [alpha beta]", names)
	}
}

func TestCapability_Has(t *testing.T) {
	testCases := []struct {
		name string
		have Capability
		want Capability
		ok   bool
	}{
		{name: "chat only has chat", have: CapChat, want: CapChat, ok: true},
		{name: "chat only lacks tool runs", have: CapChat, want: CapToolRuns, ok: false},
		{name: "full has both", have: CapChat | CapToolRuns, want: CapChat | CapToolRuns, ok: true},
		{name: "tool runs lacks chat", have: CapToolRuns, want: CapChat, ok: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.have.Has(tc.want); got != tc.ok {
				t.Errorf("Has = %v, want %v", got, tc.ok)
			}
		})
	}
}

func TestRunStatus_Terminal(t *testing.T) {
	for _, s := range []RunStatus{StatusQueued, StatusRunning, StatusNeedsAction} {
		if s.Terminal() {
			t.Errorf("%s.Terminal() = true", s)
		}
	}
	for _, s := range []RunStatus{StatusCompleted, StatusFailed} {
		if !s.Terminal() {
			t.Errorf("%s.Terminal() = false", s)
		}
	}
}

func TestBackendError_KindAndUnwrap(t *testing.T) {
	base := errors.New("boom")
	transient := &BackendError{Provider: "p", Op: "submit_chat", StatusCode: 429, Transient: true, Err: base}
	permanent := &BackendError{Provider: "p", Op: "submit_chat", StatusCode: 401, Err: base}

	if transient.Kind() != "provider_transient" {
		t.Errorf("transient Kind = %q", transient.Kind())
	}
	if permanent.Kind() != "provider_permanent" {
		t.Errorf("permanent Kind = %q", permanent.Kind())
	}
	if !errors.Is(transient, base) {
		t.Error("BackendError does not unwrap to its cause")
	}
	if !IsTransient(transient) || IsTransient(permanent) {
		t.Error("IsTransient misclassifies")
	}
	if IsTransient(base) {
		t.Error("IsTransient(plain error) = true")
	}
}

func TestRetryDo_RetriesTransientThenSucceeds(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	calls := 0
	err := retryDo(context.Background(), policy, slog.Default(), "op", func() error {
		calls++
		if calls < 3 {
			return &BackendError{Provider: "p", Op: "op", StatusCode: 503, Transient: true, Err: errors.New("unavailable")}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("retryDo: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryDo_StopsOnPermanent(t *testing.T) {
	policy := RetryPolicy{Attempts: 5, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	calls := 0
	wantErr := &BackendError{Provider: "p", Op: "op", StatusCode: 401, Err: errors.New("unauthorized")}
	err := retryDo(context.Background(), policy, slog.Default(), "op", func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr.Err) {
		t.Fatalf("retryDo = %v, want the permanent failure", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryDo_ExhaustsBudget(t *testing.T) {
	policy := RetryPolicy{Attempts: 2, Backoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
	calls := 0
	err := retryDo(context.Background(), policy, slog.Default(), "op", func() error {
		calls++
		return &BackendError{Provider: "p", Op: "op", StatusCode: 500, Transient: true, Err: errors.New("boom")}
	})
	if err == nil {
		t.Fatal("retryDo succeeded despite persistent failure")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 (first try plus two retries)", calls)
	}
}

func TestRetryDo_ContextCanceledDuringBackoff(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Backoff: time.Second, MaxBackoff: time.Second}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	calls := 0
	err := retryDo(ctx, policy, slog.Default(), "op", func() error {
		calls++
		return &BackendError{Provider: "p", Op: "op", StatusCode: 500, Transient: true, Err: errors.New("boom")}
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("retryDo = %v, want DeadlineExceeded", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryPolicy_DelayStaysBounded(t *testing.T) {
	policy := RetryPolicy{Attempts: 3, Backoff: 10 * time.Millisecond, MaxBackoff: 80 * time.Millisecond, Jitter: 0.25}
	for attempt := 1; attempt <= 10; attempt++ {
		d := policy.delay(attempt)
		if d <= 0 {
			t.Fatalf("delay(%d) = %v, want positive", attempt, d)
		}
		upper := time.Duration(float64(policy.MaxBackoff) * (1 + policy.Jitter))
		if d > upper {
			t.Fatalf("delay(%d) = %v exceeds jittered cap %v", attempt, d, upper)
		}
	}
}
