// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"sync"
)

// FlowState is the phase of an Orchestrator's current flow.
type FlowState int

const (
	StateIdle FlowState = iota
	StateResolvingDiscovery
	StateDispatching
	StateAwaitingRedirect
	StateCompletedSuccess
	StateCompletedCancelled
	StateCompletedError
)

// String returns a human readable state.
func (s FlowState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingDiscovery:
		return "resolving_discovery"
	case StateDispatching:
		return "dispatching"
	case StateAwaitingRedirect:
		return "awaiting_redirect"
	case StateCompletedSuccess:
		return "completed_success"
	case StateCompletedCancelled:
		return "completed_cancelled"
	case StateCompletedError:
		return "completed_error"
	default:
		return "unknown"
	}
}

// Terminal reports whether s is one of the completed states.
func (s FlowState) Terminal() bool {
	return s >= StateCompletedSuccess
}

// Result is the single terminal notification of a flow.
type Result struct {
	FlowID string

	// State is one of the completed states.
	State FlowState

	// Outcome is the redirect classification.  It's nil when the flow ended
	// before a redirect arrived (discovery failure, launch failure,
	// superseded, disposed).
	Outcome *RedirectOutcome

	// Err is nil only for StateCompletedSuccess.
	Err error
}

// Code returns the validated authorization code of a successful flow, or nil.
func (r *Result) Code() *AuthorizationCode {
	if r == nil || r.Outcome == nil {
		return nil
	}
	return r.Outcome.Code
}

func resultFromOutcome(flowID string, o *RedirectOutcome) *Result {
	r := &Result{FlowID: flowID, Outcome: o, Err: o.Err}
	switch o.Kind {
	case OutcomeAuthorizationCode:
		r.State = StateCompletedSuccess
	case OutcomeCancelled:
		r.State = StateCompletedCancelled
	default:
		r.State = StateCompletedError
	}
	return r
}

func errorResult(flowID string, err error) *Result {
	return &Result{FlowID: flowID, State: StateCompletedError, Err: err}
}

// Flow is a handle on one flow attempt.  It completes exactly once.
type Flow struct {
	id     string
	done   chan struct{}
	once   sync.Once
	result *Result
}

func newFlow(id string) *Flow {
	return &Flow{id: id, done: make(chan struct{})}
}

// ID returns the flow's id.
func (f *Flow) ID() string { return f.id }

// Done is closed when the flow completes.
func (f *Flow) Done() <-chan struct{} { return f.done }

// Result returns the flow's result, or nil while it's still running.
func (f *Flow) Result() *Result {
	select {
	case <-f.done:
		return f.result
	default:
		return nil
	}
}

// Wait blocks until the flow completes or ctx is done.
func (f *Flow) Wait(ctx context.Context) (*Result, error) {
	select {
	case <-f.done:
		return f.result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *Flow) isDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// complete records r and reports whether this call completed the flow.
func (f *Flow) complete(r *Result) bool {
	completed := false
	f.once.Do(func() {
		f.result = r
		close(f.done)
		completed = true
	})
	return completed
}
