// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

const testRedirectURI = "app:/callback"

func testWait(t *testing.T, f *Flow) *Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := f.Wait(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func testOrchestrator(t *testing.T, tp *TestProvider, l Launcher, opt ...Option) *Orchestrator {
	t.Helper()
	o, err := NewOrchestrator(tp.ProviderConfig(testRedirectURI), l, opt...)
	require.NoError(t, err)
	t.Cleanup(o.Dispose)
	return o
}

func TestNewOrchestrator(t *testing.T) {
	t.Parallel()
	tp := StartTestProvider(t)
	pc := tp.ProviderConfig(testRedirectURI)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver)

	tests := []struct {
		name      string
		pc        *ProviderConfig
		launcher  Launcher
		opts      []Option
		wantErrIs error
	}{
		{name: "valid", pc: pc, launcher: l},
		{name: "nil-launcher", pc: pc, wantErrIs: ErrNilParameter},
		{name: "nil-config", launcher: l, wantErrIs: ErrNilParameter},
		{name: "invalid-config", pc: &ProviderConfig{ClientID: "abc"}, launcher: l, wantErrIs: ErrInvalidParameter},
		{
			name:      "bad-client-auth",
			pc:        pc,
			launcher:  l,
			opts:      []Option{WithClientAuthentication(ClientSecretBasic(""))},
			wantErrIs: ErrInvalidParameter,
		},
		{
			name:     "redirect-not-exclusive",
			pc:       pc,
			launcher: l,
			opts: []Option{WithRedirectVerifier(RedirectVerifierFunc(func(context.Context, string) error {
				return errors.New("claimed by another application")
			}))},
			wantErrIs: ErrConfiguration,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			o, err := NewOrchestrator(tt.pc, tt.launcher, tt.opts...)
			if tt.wantErrIs != nil {
				require.Error(err)
				assert.ErrorIs(err, tt.wantErrIs)
				assert.Nil(o)
				return
			}
			require.NoError(err)
			defer o.Dispose()
			assert.Equal(StateIdle, o.State())
			assert.Nil(o.ServiceConfig())
		})
	}
}

func TestOrchestrator_success(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver)

	var mu sync.Mutex
	var states []FlowState
	results := make(chan *Result, 1)
	o := testOrchestrator(t, tp, l,
		WithStatusHandler(func(s FlowState) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		}),
		WithResultHandler(func(r *Result) { results <- r }),
	)

	f, err := o.StartFlow(ctx, &Payload{LoginHint: "alice@example.com"})
	require.NoError(err)
	res := testWait(t, f)
	require.NoError(res.Err)
	assert.Equal(StateCompletedSuccess, res.State)
	assert.Equal(f.ID(), res.FlowID)
	assert.Equal(OutcomeAuthorizationCode, res.Outcome.Kind)

	code := res.Code()
	require.NotNil(code)
	assert.Equal("test-auth-code", code.Code)
	assert.Equal(f.ID(), code.FlowID)
	assert.Equal(testRedirectURI, code.RedirectURI)
	assert.NotEmpty(code.CodeVerifier)
	assert.NotEmpty(code.Nonce)

	require.Len(l.Launched(), 1)
	assert.Contains(l.Launched()[0], "login_hint=alice%40example.com")
	assert.Contains(l.Launched()[0], "code_challenge_method=S256")
	require.NoError(l.LastErr())

	select {
	case delivered := <-results:
		assert.Same(res, delivered)
	case <-time.After(10 * time.Second):
		require.FailNow("result handler wasn't called")
	}
	assert.Equal(StateCompletedSuccess, o.State())
	mu.Lock()
	assert.Equal([]FlowState{StateIdle, StateResolvingDiscovery, StateDispatching, StateAwaitingRedirect, StateCompletedSuccess}, states)
	mu.Unlock()

	tk, err := o.Exchange(ctx, code)
	require.NoError(err)
	assert.Equal(AccessToken("test-access-token"), tk.AccessToken)
	assert.Equal(RefreshToken("test-refresh-token"), tk.RefreshToken)
	assert.NotEmpty(tk.IDToken)
	assert.True(tk.Valid())

	var claims map[string]interface{}
	require.NoError(tk.IDToken.Claims(&claims))
	assert.Equal(code.Nonce, claims["nonce"])
}

func TestOrchestrator_outcomes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("state-mismatch", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)
		o := testOrchestrator(t, tp, l)

		f, err := o.StartFlow(ctx, nil)
		require.NoError(err)
		require.Eventually(func() bool { return len(l.Redirects()) == 1 }, 10*time.Second, 10*time.Millisecond)
		require.NoError(o.HandleRedirect(ctx, testRedirectURI+"?state=not-the-state&code=test-auth-code"))

		res := testWait(t, f)
		assert.Equal(StateCompletedError, res.State)
		assert.Equal(OutcomeStateMismatch, res.Outcome.Kind)
		assert.ErrorIs(res.Err, ErrStateMismatch)
		assert.True(IsSecurityError(res.Err))
		assert.False(IsCancelled(res.Err))
		assert.Nil(res.Code())

		// the genuine redirect is now stale
		assert.ErrorIs(l.Deliver(ctx, 0), ErrStaleRedirect)
	})
	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		l := NewTestLauncher(tp.HTTPClient(), TestLaunchDismiss)
		o := testOrchestrator(t, tp, l)

		f, err := o.StartFlow(ctx, nil)
		require.NoError(err)
		res := testWait(t, f)
		require.NoError(l.LastErr())
		assert.Equal(StateCompletedCancelled, res.State)
		assert.Equal(OutcomeCancelled, res.Outcome.Kind)
		assert.True(IsCancelled(res.Err))
		assert.False(IsSecurityError(res.Err))
		assert.ErrorIs(o.HandleDismissed(ctx), ErrNoPendingFlow)
	})
	t.Run("provider-error", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		tp.SetAuthError(&AuthError{Code: "access_denied", Description: "user said no"})
		l := NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver)
		o := testOrchestrator(t, tp, l)

		f, err := o.StartFlow(ctx, nil)
		require.NoError(err)
		res := testWait(t, f)
		assert.Equal(StateCompletedError, res.State)
		require.Equal(OutcomeProviderError, res.Outcome.Kind)
		assert.ErrorIs(res.Err, ErrProviderError)
		assert.Equal("access_denied", res.Outcome.ProviderError.Code)
		assert.Equal("user said no", res.Outcome.ProviderError.Description)
		assert.False(IsCancelled(res.Err))
	})
	t.Run("malformed", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		tp := StartTestProvider(t)
		l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)
		o := testOrchestrator(t, tp, l)

		f, err := o.StartFlow(ctx, nil)
		require.NoError(err)
		require.Eventually(func() bool { return len(l.Redirects()) == 1 }, 10*time.Second, 10*time.Millisecond)
		require.NoError(o.HandleRedirect(ctx, "app:/elsewhere?state=x&code=y"))

		res := testWait(t, f)
		assert.Equal(StateCompletedError, res.State)
		assert.Equal(OutcomeMalformed, res.Outcome.Kind)
		assert.ErrorIs(res.Err, ErrMalformedRedirect)
	})
}

func TestOrchestrator_exchangeRejected(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver)
	o := testOrchestrator(t, tp, l)

	f, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	res := testWait(t, f)
	require.NoError(res.Err)

	tp.SetTokenError(http.StatusBadRequest, &AuthError{Code: "invalid_grant", Description: "code already used"})
	tk, err := o.Exchange(ctx, res.Code())
	require.Error(err)
	assert.Nil(tk)
	assert.ErrorIs(err, ErrProviderRejected)
	var authErr *AuthError
	require.ErrorAs(err, &authErr)
	assert.Equal("invalid_grant", authErr.Code)
	assert.Equal("code already used", authErr.Description)
	assert.False(IsRetryable(err))

	_, err = o.Exchange(ctx, nil)
	assert.ErrorIs(err, ErrNilParameter)
}

func TestOrchestrator_supersede(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)

	var results atomic.Int32
	o := testOrchestrator(t, tp, l,
		WithDispatcher(func(fn func()) { fn() }),
		WithResultHandler(func(*Result) { results.Add(1) }),
	)

	first, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	require.Eventually(func() bool { return len(l.Redirects()) == 1 }, 10*time.Second, 10*time.Millisecond)

	second, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	assert.NotEqual(first.ID(), second.ID())

	res := testWait(t, first)
	assert.Equal(StateCompletedError, res.State)
	assert.ErrorIs(res.Err, ErrSuperseded)
	assert.False(IsCancelled(res.Err))

	require.Eventually(func() bool { return len(l.Redirects()) == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.Equal(StateAwaitingRedirect, o.State())

	// the superseded flow's redirect arrives late
	assert.ErrorIs(l.Deliver(ctx, 0), ErrStaleRedirect)
	assert.Nil(second.Result())

	require.NoError(l.Deliver(ctx, 1))
	res = testWait(t, second)
	require.NoError(res.Err)
	assert.Equal(second.ID(), res.FlowID)

	// a replay of the completed flow's redirect is stale too
	assert.ErrorIs(l.Deliver(ctx, 1), ErrStaleRedirect)
	require.Eventually(func() bool { return results.Load() == 2 }, 10*time.Second, 10*time.Millisecond)
}

func TestOrchestrator_callerStateReused(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)
	o := testOrchestrator(t, tp, l)

	for i := 0; i < 2; i++ {
		f, err := o.StartFlow(ctx, &Payload{State: "caller-state"})
		require.NoError(err)
		require.Eventually(func() bool { return len(l.Redirects()) == i+1 }, 10*time.Second, 10*time.Millisecond)
		require.NoError(l.Deliver(ctx, i))
		res := testWait(t, f)
		require.NoError(res.Err)
		assert.Equal(StateCompletedSuccess, res.State)
		assert.Equal(f.ID(), res.FlowID)
	}

	// once completed, the shared state is stale again
	assert.ErrorIs(o.HandleRedirect(ctx, l.Redirects()[1]), ErrStaleRedirect)
}

func TestOrchestrator_staleAgent(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	store := NewMemoryPendingStore()
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)
	o := testOrchestrator(t, tp, l, WithPendingStore(store))

	first, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	require.Eventually(func() bool { return len(l.Redirects()) == 1 }, 10*time.Second, 10*time.Millisecond)
	second, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	require.Eventually(func() bool { return len(l.Redirects()) == 2 }, 10*time.Second, 10*time.Millisecond)
	assert.ErrorIs(testWait(t, first).Err, ErrSuperseded)

	receivers := l.Receivers()
	require.Len(receivers, 2)
	firstAgent, secondAgent := receivers[0], receivers[1]

	// the first agent closes after the second flow started
	assert.ErrorIs(firstAgent.HandleDismissed(ctx), ErrStaleRedirect)
	assert.ErrorIs(firstAgent.HandleRedirect(ctx, l.Redirects()[1]), ErrStaleRedirect)
	assert.Nil(second.Result())
	assert.Equal(StateAwaitingRedirect, o.State())
	stored, err := store.Load(ctx)
	require.NoError(err)
	require.NotNil(stored)
	assert.Equal(second.ID(), stored.FlowID)

	require.NoError(secondAgent.HandleDismissed(ctx))
	res := testWait(t, second)
	assert.Equal(StateCompletedCancelled, res.State)
	assert.True(IsCancelled(res.Err))
	assert.ErrorIs(secondAgent.HandleDismissed(ctx), ErrStaleRedirect)
}

func TestOrchestrator_completionKeepsNewerRequest(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	store := NewMemoryPendingStore()
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)
	o := testOrchestrator(t, tp, l, WithPendingStore(store))

	f, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	require.Eventually(func() bool { return len(l.Redirects()) == 1 }, 10*time.Second, 10*time.Millisecond)

	// another flow's request lands in the store before this one completes
	newer, err := store.Load(ctx)
	require.NoError(err)
	require.NotNil(newer)
	newer.FlowID = "flow_newer"
	require.NoError(store.Save(ctx, newer))

	require.NoError(l.Deliver(ctx, 0))
	require.NoError(testWait(t, f).Err)

	stored, err := store.Load(ctx)
	require.NoError(err)
	require.NotNil(stored)
	assert.Equal("flow_newer", stored.FlowID)

	o.deletePending(ctx, f.ID())
	stored, err = store.Load(ctx)
	require.NoError(err)
	assert.NotNil(stored)

	o.deletePending(ctx, "flow_newer")
	stored, err = store.Load(ctx)
	require.NoError(err)
	assert.Nil(stored)
}

func TestOrchestrator_inlineDispatcher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		mode      TestLaunchMode
		wantToken bool
	}{
		{name: "redirect-during-launch", mode: TestLaunchDeliver, wantToken: true},
		{name: "launch-failed", mode: TestLaunchFail},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tp := StartTestProvider(t)
			l := NewTestLauncher(tp.HTTPClient(), tt.mode)

			type exchanged struct {
				tk  *TokenResponse
				err error
			}
			done := make(chan exchanged, 1)
			var o *Orchestrator
			o = testOrchestrator(t, tp, l,
				WithDispatcher(func(fn func()) { fn() }),
				WithResultHandler(func(r *Result) {
					if r.Err != nil {
						// the worker must still be free for other operations
						_, err := o.Discover(ctx)
						done <- exchanged{err: err}
						return
					}
					tk, err := o.Exchange(ctx, r.Code())
					done <- exchanged{tk: tk, err: err}
				}),
			)

			_, err := o.StartFlow(ctx, nil)
			require.NoError(err)
			select {
			case got := <-done:
				assert.NoError(got.err)
				if tt.wantToken {
					require.NotNil(got.tk)
					assert.Equal(AccessToken("test-access-token"), got.tk.AccessToken)
				}
			case <-time.After(10 * time.Second):
				t.Fatal("result handler blocked on the worker")
			}
		})
	}
}

func TestOrchestrator_restore(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	store := NewMemoryPendingStore()
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)

	before, err := NewOrchestrator(tp.ProviderConfig(testRedirectURI), l, WithPendingStore(store))
	require.NoError(err)
	f, err := before.StartFlow(ctx, nil)
	require.NoError(err)
	require.Eventually(func() bool { return len(l.Redirects()) == 1 }, 10*time.Second, 10*time.Millisecond)

	// the host process goes away while the browser is open
	before.Dispose()
	res := testWait(t, f)
	assert.ErrorIs(res.Err, ErrDisposed)
	stored, err := store.Load(ctx)
	require.NoError(err)
	require.NotNil(stored)
	assert.Equal(f.ID(), stored.FlowID)

	after := testOrchestrator(t, tp, l, WithPendingStore(store))
	restored, err := after.Restore(ctx)
	require.NoError(err)
	assert.Equal(f.ID(), restored.ID())
	assert.Equal(StateAwaitingRedirect, after.State())

	require.NoError(after.HandleRedirect(ctx, l.Redirects()[0]))
	res = testWait(t, restored)
	require.NoError(res.Err)
	assert.Equal(f.ID(), res.FlowID)

	stored, err = store.Load(ctx)
	require.NoError(err)
	assert.Nil(stored)

	tk, err := after.Exchange(ctx, res.Code())
	require.NoError(err)
	assert.Equal(AccessToken("test-access-token"), tk.AccessToken)
}

func TestOrchestrator_restoreLazily(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	store := NewMemoryPendingStore()
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)

	before, err := NewOrchestrator(tp.ProviderConfig(testRedirectURI), l, WithPendingStore(store))
	require.NoError(err)
	_, err = before.StartFlow(ctx, nil)
	require.NoError(err)
	require.Eventually(func() bool { return len(l.Redirects()) == 1 }, 10*time.Second, 10*time.Millisecond)
	before.Dispose()

	results := make(chan *Result, 1)
	after := testOrchestrator(t, tp, l, WithPendingStore(store), WithResultHandler(func(r *Result) { results <- r }))
	require.NoError(after.HandleRedirect(ctx, l.Redirects()[0]))
	select {
	case res := <-results:
		require.NoError(res.Err)
		assert.Equal(StateCompletedSuccess, res.State)
	case <-time.After(10 * time.Second):
		require.FailNow("result handler wasn't called")
	}

	// the same redirect can't complete a second flow
	assert.ErrorIs(after.HandleRedirect(ctx, l.Redirects()[0]), ErrStaleRedirect)
}

func TestOrchestrator_Restore(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)

	t.Run("empty-store", func(t *testing.T) {
		t.Parallel()
		assert := assert.New(t)
		o := testOrchestrator(t, tp, l)
		f, err := o.Restore(ctx)
		assert.ErrorIs(err, ErrNoPendingFlow)
		assert.Nil(f)
	})
	t.Run("different-client", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		store := NewMemoryPendingStore()
		r := testPendingRequest("state")
		r.ClientID = "someone-else"
		require.NoError(store.Save(ctx, r))

		o := testOrchestrator(t, tp, l, WithPendingStore(store))
		f, err := o.Restore(ctx)
		assert.ErrorIs(err, ErrConfiguration)
		assert.Nil(f)
		stored, err := store.Load(ctx)
		require.NoError(err)
		assert.Nil(stored)
	})
	t.Run("active-flow", func(t *testing.T) {
		t.Parallel()
		assert, require := assert.New(t), require.New(t)
		o := testOrchestrator(t, tp, NewTestLauncher(tp.HTTPClient(), TestLaunchHold))
		f, err := o.StartFlow(ctx, nil)
		require.NoError(err)
		got, err := o.Restore(ctx)
		require.NoError(err)
		assert.Same(f, got)
	})
}

func TestOrchestrator_noPendingFlow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	tp := StartTestProvider(t)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)

	tests := []struct {
		name      string
		redirect  string
		wantErrIs error
	}{
		{name: "with-state", redirect: testRedirectURI + "?state=abc&code=123", wantErrIs: ErrStateMismatch},
		{name: "without-state", redirect: testRedirectURI + "?code=123", wantErrIs: ErrMalformedRedirect},
		{name: "provider-error", redirect: testRedirectURI + "?error=access_denied", wantErrIs: ErrProviderError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert := assert.New(t)
			o := testOrchestrator(t, tp, l)
			err := o.HandleRedirect(ctx, tt.redirect)
			assert.ErrorIs(err, ErrNoPendingFlow)
			assert.ErrorIs(err, tt.wantErrIs)
			assert.Equal(StateIdle, o.State())
			assert.ErrorIs(o.HandleDismissed(ctx), ErrNoPendingFlow)
		})
	}
}

func TestOrchestrator_discoveryErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name      string
		status    int
		body      string
		wantErrIs error
	}{
		{name: "server-error", status: http.StatusInternalServerError, wantErrIs: ErrNetwork},
		{name: "not-found", status: http.StatusNotFound, wantErrIs: ErrNetwork},
		{name: "not-json", status: http.StatusOK, body: "{", wantErrIs: ErrMalformedDocument},
		{name: "missing-endpoints", status: http.StatusOK, body: `{"issuer":"https://example.com"}`, wantErrIs: ErrMissingRequiredField},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tp := StartTestProvider(t)
			tp.SetDiscoveryResponse(tt.status, tt.body)
			l := NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver)
			o := testOrchestrator(t, tp, l)

			f, err := o.StartFlow(ctx, nil)
			require.NoError(err)
			res := testWait(t, f)
			assert.Equal(StateCompletedError, res.State)
			assert.ErrorIs(res.Err, tt.wantErrIs)
			assert.Nil(res.Outcome)
			assert.Empty(l.Launched())
			assert.Nil(o.ServiceConfig())

			sc, err := o.Discover(ctx)
			assert.ErrorIs(err, tt.wantErrIs)
			assert.Nil(sc)
		})
	}
}

func TestOrchestrator_discoveryCache(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name         string
		cache        bool
		wantRequests int
	}{
		{name: "cached", cache: true, wantRequests: 1},
		{name: "uncached", cache: false, wantRequests: 3},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert, require := assert.New(t), require.New(t)
			tp := StartTestProvider(t)
			l := NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver)
			o := testOrchestrator(t, tp, l, WithDiscoveryCache(tt.cache))

			sc, err := o.Discover(ctx)
			require.NoError(err)
			assert.Equal(tp.Addr(), sc.Issuer)
			assert.Same(sc, o.ServiceConfig())

			for i := 0; i < 2; i++ {
				f, err := o.StartFlow(ctx, nil)
				require.NoError(err)
				require.NoError(testWait(t, f).Err)
			}
			assert.Equal(tt.wantRequests, tp.DiscoveryRequests())
		})
	}
}

func TestOrchestrator_DiscoverConcurrently(t *testing.T) {
	t.Parallel()
	assert := assert.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	o := testOrchestrator(t, tp, NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver))

	var wg sync.WaitGroup
	configs := make([]*ServiceConfig, 8)
	for i := range configs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sc, err := o.Discover(ctx)
			assert.NoError(err)
			configs[i] = sc
		}(i)
	}
	wg.Wait()
	for _, sc := range configs {
		assert.Same(configs[0], sc)
	}
	assert.Equal(1, tp.DiscoveryRequests())
}

func TestOrchestrator_launchFailed(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	store := NewMemoryPendingStore()
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchFail)
	o := testOrchestrator(t, tp, l, WithPendingStore(store))

	f, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	res := testWait(t, f)
	assert.Equal(StateCompletedError, res.State)
	assert.ErrorIs(res.Err, ErrLaunchFailed)
	assert.ErrorIs(res.Err, ErrTestLaunchFailed)
	assert.True(IsRetryable(res.Err))

	require.Eventually(func() bool {
		stored, err := store.Load(ctx)
		return err == nil && stored == nil
	}, 10*time.Second, 10*time.Millisecond)

	// a retry works once the agent can be launched
	l.SetMode(TestLaunchDeliver)
	f, err = o.StartFlow(ctx, nil)
	require.NoError(err)
	require.NoError(testWait(t, f).Err)
}

func TestOrchestrator_redirectVerifier(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver)

	var calls atomic.Int32
	verifier := RedirectVerifierFunc(func(_ context.Context, uri string) error {
		// both redirect URIs are verified at construction, then the claim
		// is lost before the flow starts.
		if calls.Add(1) > 2 {
			return errors.New("claimed by another application")
		}
		return nil
	})
	o := testOrchestrator(t, tp, l, WithRedirectVerifier(verifier))

	f, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	res := testWait(t, f)
	assert.ErrorIs(res.Err, ErrConfiguration)
	assert.True(IsSecurityError(res.Err))
	assert.Empty(l.Launched())
}

func TestOrchestrator_Dispose(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchHold)
	o, err := NewOrchestrator(tp.ProviderConfig(testRedirectURI), l)
	require.NoError(err)

	f, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	require.Eventually(func() bool { return len(l.Redirects()) == 1 }, 10*time.Second, 10*time.Millisecond)

	o.Dispose()
	o.Dispose()
	res := testWait(t, f)
	assert.Equal(StateCompletedError, res.State)
	assert.ErrorIs(res.Err, ErrDisposed)

	_, err = o.StartFlow(ctx, nil)
	assert.ErrorIs(err, ErrDisposed)
	_, err = o.Discover(ctx)
	assert.ErrorIs(err, ErrDisposed)
	_, err = o.Exchange(ctx, &AuthorizationCode{Code: "x"})
	assert.ErrorIs(err, ErrDisposed)
	_, err = o.Restore(ctx)
	assert.ErrorIs(err, ErrDisposed)
	assert.ErrorIs(o.HandleRedirect(ctx, l.Redirects()[0]), ErrDisposed)
	assert.ErrorIs(o.HandleDismissed(ctx), ErrDisposed)
}

func TestOrchestrator_DisposeDuringDiscovery(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()

	block := make(chan struct{})
	defer close(block)
	tp := StartTestProvider(t)
	pc := tp.ProviderConfig(testRedirectURI)
	pc.DiscoveryURI = tp.Addr() + "/slow"
	o, err := NewOrchestrator(pc, NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver))
	require.NoError(err)
	o.client.Transport = roundTripperFunc(func(r *http.Request) (*http.Response, error) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
		return nil, r.Context().Err()
	})

	f, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	require.Eventually(func() bool { return o.State() == StateResolvingDiscovery }, 10*time.Second, 10*time.Millisecond)

	o.Dispose()
	res := testWait(t, f)
	assert.ErrorIs(res.Err, ErrDisposed)
}

func TestOrchestrator_telemetry(t *testing.T) {
	t.Parallel()
	assert, require := assert.New(t), require.New(t)
	ctx := context.Background()
	tp := StartTestProvider(t)

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	sr := tracetest.NewSpanRecorder()
	trp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))

	results := make(chan *Result, 2)
	l := NewTestLauncher(tp.HTTPClient(), TestLaunchDeliver)
	o := testOrchestrator(t, tp, l,
		WithMeterProvider(mp),
		WithTracerProvider(trp),
		WithResultHandler(func(r *Result) { results <- r }),
	)

	f, err := o.StartFlow(ctx, nil)
	require.NoError(err)
	res := testWait(t, f)
	require.NoError(res.Err)
	_, err = o.Exchange(ctx, res.Code())
	require.NoError(err)

	l.SetMode(TestLaunchDismiss)
	f, err = o.StartFlow(ctx, nil)
	require.NoError(err)
	testWait(t, f)
	for i := 0; i < 2; i++ {
		select {
		case <-results:
		case <-time.After(10 * time.Second):
			require.FailNow("result handler wasn't called")
		}
	}

	var rm metricdata.ResourceMetrics
	require.NoError(reader.Collect(ctx, &rm))
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != FlowsCompletedMetric {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(ok)
			for _, dp := range sum.DataPoints {
				state, _ := dp.Attributes.Value("state")
				counts[state.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(map[string]int64{"completed_success": 1, "completed_cancelled": 1}, counts)

	require.Eventually(func() bool {
		names := map[string]bool{}
		for _, s := range sr.Ended() {
			names[s.Name()] = true
		}
		return names["oidc.flow"] && names["oidc.discovery"] && names["oidc.token_exchange"]
	}, 10*time.Second, 10*time.Millisecond)
}

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
