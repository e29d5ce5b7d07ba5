// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/AleutianAI/AleutianFlow/services/flow/provider"
)

// =============================================================================
// Backoff
// =============================================================================

// Poll loop defaults.
const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultPollMaxInterval = 5 * time.Second
	DefaultPollDeadline    = 5 * time.Minute
)

// Backoff yields the wait before the next poll attempt. Attempt counts
// from zero and resets whenever the run makes progress.
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles the interval each attempt up to Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

// Next returns the wait for the given attempt.
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	d := b.Initial << uint(attempt)
	if d <= 0 || d > b.Max {
		return b.Max
	}
	return d
}

// =============================================================================
// Poller
// =============================================================================

// actionFunc turns the backend's requested tool invocations into the
// outputs to submit back.
type actionFunc func(ctx context.Context, actions []provider.ActionRequest) ([]provider.ToolOutput, error)

// poller drives one tool run to a terminal state.
//
// step is the single transition function: it polls once, then either
// finishes (terminal status, action failure, context error), submits
// tool outputs (needs_action), or waits out the backoff (queued,
// running). Progress resets the backoff attempt counter.
type poller struct {
	backend   provider.Provider
	handle    provider.RunHandle
	onActions actionFunc
	backoff   Backoff

	attempt int
	last    provider.RunPoll
}

// step advances the run by one transition. It returns true when the
// loop should stop.
func (p *poller) step(ctx context.Context) (bool, error) {
	poll, err := p.backend.PollToolRun(ctx, p.handle)
	if err != nil {
		return true, err
	}
	p.last = poll

	switch poll.Status {
	case provider.StatusCompleted, provider.StatusFailed:
		return true, nil

	case provider.StatusNeedsAction:
		outputs, err := p.onActions(ctx, poll.Actions)
		if err != nil {
			return true, err
		}
		if err := p.backend.SubmitToolOutputs(ctx, p.handle, outputs); err != nil {
			return true, err
		}
		p.attempt = 0
		return false, nil

	default: // queued, running
		wait := p.backoff.Next(p.attempt)
		p.attempt++
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-time.After(wait):
		}
		return false, nil
	}
}

// run polls until the tool run reaches a terminal state or the hard
// deadline expires. The deadline context cancels any in-flight backend
// round, which parks the run backend-side; the caller sees the
// timeout as a step failure.
func (p *poller) run(ctx context.Context, deadline time.Duration) (provider.RunPoll, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		done, err := p.step(ctx)
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return p.last, fmt.Errorf("%w after %s", ErrToolRunTimeout, deadline)
			}
			return p.last, err
		}
		if done {
			return p.last, nil
		}
	}
}
