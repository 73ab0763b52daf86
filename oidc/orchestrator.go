// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package oidc

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	sdkHttp "github.com/hashicorp/cap-appauth/sdk/http"
	"github.com/hashicorp/go-hclog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

// maxRetired bounds how many finished flows are remembered for rejecting
// late redirects.
const maxRetired = 16

type retiredFlow struct {
	id    string
	state string
}

// Orchestrator runs authorization code flows for one provider.  It has at most
// one active flow: starting a new flow supersedes the previous one, which
// completes with ErrSuperseded, and a late redirect carrying a superseded (or
// already completed) flow's state is rejected with ErrStaleRedirect without
// touching the active flow.
//
// Network operations run on a single background worker.  An Orchestrator must
// be disposed with Dispose, after which every method fails with ErrDisposed.
type Orchestrator struct {
	pc       *ProviderConfig
	launcher Launcher
	store    PendingStore
	verifier RedirectVerifier
	auth     ClientAuthentication

	client   *http.Client
	resolver *Resolver
	tokens   *TokenClient

	logger    hclog.Logger
	tracer    trace.Tracer
	completed metric.Int64Counter

	dispatch       func(func())
	onResult       func(*Result)
	onStatus       func(FlowState)
	cacheDiscovery bool

	ctx    context.Context
	cancel context.CancelFunc
	work   *worker
	sf     singleflight.Group

	// storeMu orders Save with the conditional delete of a completed flow.
	storeMu sync.Mutex

	mu       sync.Mutex
	disposed bool
	phase    FlowState
	sc       *ServiceConfig
	flow     *Flow
	pending  *AuthorizationRequest
	retired  []retiredFlow
}

var _ Receiver = (*Orchestrator)(nil)

// NewOrchestrator creates an Orchestrator.  When a RedirectVerifier is
// supplied, both of the provider config's redirect URIs are verified before
// it's returned.
//
// Supported options: WithLogger, WithTracerProvider, WithMeterProvider,
// WithPendingStore, WithRedirectVerifier, WithResultHandler, WithDispatcher,
// WithStatusHandler, WithDiscoveryCache, WithClientAuthentication,
// WithSkipIDTokenVerification
func NewOrchestrator(pc *ProviderConfig, launcher Launcher, opt ...Option) (*Orchestrator, error) {
	const op = "NewOrchestrator"
	if launcher == nil {
		return nil, fmt.Errorf("%s: launcher is nil: %w", op, ErrNilParameter)
	}
	if err := pc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	opts := getOrchestratorOpts(opt...)
	if err := opts.withClientAuthentication.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if opts.withRedirectVerifier != nil {
		for _, u := range []string{pc.RedirectURI, pc.EndSessionRedirectURI} {
			if err := opts.withRedirectVerifier.Verify(context.Background(), u); err != nil {
				return nil, fmt.Errorf("%s: redirect URI %q isn't exclusively registered: %w: %w", op, u, ErrConfiguration, err)
			}
		}
	}

	client, err := pc.HTTPClient()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	logger := opts.withLogger.Named("orchestrator")
	resolver, err := NewResolver(client, WithLogger(logger.Named("discovery")), WithTracerProvider(opts.withTracerProvider))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	tokenOpts := []Option{WithLogger(logger.Named("token")), WithTracerProvider(opts.withTracerProvider)}
	if opts.withSkipIDTokenVerification {
		tokenOpts = append(tokenOpts, WithSkipIDTokenVerification())
	}
	tokens, err := NewTokenClient(pc, client, tokenOpts...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	completed, err := meterFrom(opts.withMeterProvider).Int64Counter(FlowsCompletedMetric,
		metric.WithDescription("Number of authorization flows completed, by outcome"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, fmt.Errorf("%s: unable to create flow counter: %w", op, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		pc:             pc,
		launcher:       launcher,
		store:          opts.withPendingStore,
		verifier:       opts.withRedirectVerifier,
		auth:           opts.withClientAuthentication,
		client:         client,
		resolver:       resolver,
		tokens:         tokens,
		logger:         logger,
		tracer:         tracerFrom(opts.withTracerProvider),
		completed:      completed,
		dispatch:       opts.withDispatcher,
		onResult:       opts.withResultHandler,
		onStatus:       opts.withStatusHandler,
		cacheDiscovery: opts.withDiscoveryCache,
		ctx:            ctx,
		cancel:         cancel,
		work:           newWorker(defaultWorkerQueue),
		phase:          StateIdle,
	}, nil
}

// StartFlow starts a new flow, superseding any flow which hasn't completed.
// It returns once the flow is queued; discovery, dispatch and the launch of
// the external agent happen on the background worker.  The payload is
// optional.
func (o *Orchestrator) StartFlow(ctx context.Context, p *Payload) (*Flow, error) {
	const op = "Orchestrator.StartFlow"
	id, err := NewID(WithPrefix("flow"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if p == nil {
		p = &Payload{}
	}
	f := newFlow(id)

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrDisposed)
	}
	prev := o.flow
	var prevResult *Result
	if prev != nil && !prev.isDone() {
		prevResult = errorResult(prev.id, fmt.Errorf("%s: flow %s: %w", op, prev.id, ErrSuperseded))
		o.completeLocked(prev, prevResult)
	}
	o.flow = f
	o.pending = nil
	o.phase = StateIdle
	o.mu.Unlock()

	if prevResult != nil {
		o.logger.Debug("flow superseded", "flow_id", prev.id, "new_flow_id", f.id)
		o.afterComplete(prevResult, false)
	}
	o.notifyStatus(StateIdle)

	_, span := o.tracer.Start(ctx, "oidc.flow", trace.WithAttributes(attribute.String("oidc.flow_id", f.id)))
	flowCtx := trace.ContextWithSpan(o.ctx, span)
	go func() {
		<-f.Done()
		endSpan(span, f.result.Err)
	}()

	if err := o.work.submit(func() { o.runFlow(flowCtx, f, p) }); err != nil {
		o.finish(f, errorResult(f.id, fmt.Errorf("%s: %w", op, err)))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return f, nil
}

// runFlow executes on the worker.  Each step bails out once f is no longer
// the active flow.
func (o *Orchestrator) runFlow(ctx context.Context, f *Flow, p *Payload) {
	const op = "Orchestrator.runFlow"
	if !o.isActive(f) {
		return
	}
	o.retireStored(ctx)

	if o.verifier != nil {
		if err := o.verifier.Verify(ctx, o.pc.RedirectURI); err != nil {
			o.finish(f, errorResult(f.id, fmt.Errorf("%s: redirect URI isn't exclusively registered: %w: %w", op, ErrConfiguration, err)))
			return
		}
	}

	sc, err := o.serviceConfig(ctx, f)
	if err != nil {
		o.finish(f, errorResult(f.id, fmt.Errorf("%s: %w", op, err)))
		return
	}
	if !o.setPhase(f, StateDispatching) {
		return
	}

	req, err := BuildRequest(sc, o.pc, p)
	if err != nil {
		o.finish(f, errorResult(f.id, fmt.Errorf("%s: %w", op, err)))
		return
	}
	req.FlowID = f.id
	authURL, err := req.AuthURL()
	if err != nil {
		o.finish(f, errorResult(f.id, fmt.Errorf("%s: %w", op, err)))
		return
	}
	o.storeMu.Lock()
	err = o.store.Save(ctx, req)
	o.storeMu.Unlock()
	if err != nil {
		o.finish(f, errorResult(f.id, fmt.Errorf("%s: unable to persist pending request: %w", op, err)))
		return
	}

	o.mu.Lock()
	if o.disposed || o.flow != f || f.isDone() {
		o.mu.Unlock()
		o.deletePending(ctx, f.id)
		return
	}
	o.pending = req
	o.phase = StateAwaitingRedirect
	o.mu.Unlock()
	o.notifyStatus(StateAwaitingRedirect)

	o.logger.Debug("launching external agent", "flow_id", f.id)
	if err := o.launcher.Launch(ctx, authURL, &flowReceiver{o: o, f: f}); err != nil {
		if o.finish(f, errorResult(f.id, fmt.Errorf("%s: %w: %w", op, ErrLaunchFailed, err))) {
			o.deletePending(ctx, f.id)
		}
	}
}

// deletePending removes the stored request only if it still belongs to
// flowID, leaving a newer flow's request intact.
func (o *Orchestrator) deletePending(ctx context.Context, flowID string) {
	o.storeMu.Lock()
	defer o.storeMu.Unlock()
	stored, err := o.store.Load(ctx)
	if err != nil {
		o.logger.Error("unable to load pending request", "flow_id", flowID, "error", err)
		return
	}
	if stored == nil || stored.FlowID != flowID {
		return
	}
	if err := o.store.Delete(ctx); err != nil {
		o.logger.Error("unable to delete pending request", "flow_id", flowID, "error", err)
	}
}

// retireStored remembers a request left in the store by an earlier process
// so a late redirect for it is rejected as stale.
func (o *Orchestrator) retireStored(ctx context.Context) {
	o.storeMu.Lock()
	defer o.storeMu.Unlock()
	stored, err := o.store.Load(ctx)
	if err != nil {
		o.logger.Error("unable to load pending request", "error", err)
		return
	}
	if stored == nil {
		return
	}
	o.mu.Lock()
	o.retireLocked(stored)
	o.mu.Unlock()
	if err := o.store.Delete(ctx); err != nil {
		o.logger.Error("unable to delete pending request", "flow_id", stored.FlowID, "error", err)
	}
}

// serviceConfig returns the cached ServiceConfig or resolves it.  A failed
// fetch leaves the cached value intact.
func (o *Orchestrator) serviceConfig(ctx context.Context, f *Flow) (*ServiceConfig, error) {
	o.mu.Lock()
	sc := o.sc
	o.mu.Unlock()
	if sc != nil && o.cacheDiscovery {
		return sc, nil
	}
	if f != nil && !o.setPhase(f, StateResolvingDiscovery) {
		return nil, fmt.Errorf("flow %s is no longer active: %w", f.id, ErrSuperseded)
	}
	sc, err := o.resolver.Resolve(ctx, o.pc.DiscoveryURI)
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.sc = sc
	o.mu.Unlock()
	return sc, nil
}

// Discover resolves the provider's ServiceConfig on the worker, or returns the
// cached one.  Concurrent callers share a single fetch.
func (o *Orchestrator) Discover(ctx context.Context) (*ServiceConfig, error) {
	const op = "Orchestrator.Discover"
	if err := o.checkDisposed(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	v, err, _ := o.sf.Do("discovery", func() (interface{}, error) {
		return o.onWorker(ctx, func(ctx context.Context) (interface{}, error) {
			return o.serviceConfig(ctx, nil)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.(*ServiceConfig), nil
}

// ServiceConfig returns the cached ServiceConfig, or nil before discovery.
func (o *Orchestrator) ServiceConfig() *ServiceConfig {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sc
}

// State returns the active flow's phase.
func (o *Orchestrator) State() FlowState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.phase
}

// Exchange trades a validated authorization code for tokens on the worker,
// using the configured client authentication.
func (o *Orchestrator) Exchange(ctx context.Context, code *AuthorizationCode) (*TokenResponse, error) {
	const op = "Orchestrator.Exchange"
	if err := o.checkDisposed(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if code == nil {
		return nil, fmt.Errorf("%s: authorization code is nil: %w", op, ErrNilParameter)
	}
	v, err := o.onWorker(ctx, func(ctx context.Context) (interface{}, error) {
		sc, err := o.serviceConfig(ctx, nil)
		if err != nil {
			return nil, err
		}
		return o.tokens.Exchange(ctx, sc, code, o.auth)
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return v.(*TokenResponse), nil
}

// onWorker runs fn on the worker and waits for it.  fn's context is done when
// either ctx is done or the Orchestrator is disposed.
func (o *Orchestrator) onWorker(ctx context.Context, fn func(context.Context) (interface{}, error)) (interface{}, error) {
	type result struct {
		v   interface{}
		err error
	}
	jobCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(o.ctx, cancel)
	ch := make(chan result, 1)
	err := o.work.submit(func() {
		defer stop()
		defer cancel()
		v, err := fn(jobCtx)
		ch <- result{v: v, err: err}
	})
	if err != nil {
		stop()
		cancel()
		return nil, err
	}
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-o.work.stopped():
		select {
		case r := <-ch:
			return r.v, r.err
		default:
			return nil, ErrDisposed
		}
	}
}

// HandleRedirect implements Receiver.  The redirect is classified against the
// pending request (restored from the PendingStore if needed) and completes the
// active flow.  A redirect carrying the state of a superseded or completed
// flow returns ErrStaleRedirect, and one with no flow to apply to returns
// ErrNoPendingFlow wrapping its classification; neither touches the active
// flow.
//
// The Launcher is given a Receiver bound to the flow it launched; the
// Orchestrator itself accepts redirects for whichever flow is pending, which
// is what a restored flow needs.
func (o *Orchestrator) HandleRedirect(ctx context.Context, redirectURI string) error {
	const op = "Orchestrator.HandleRedirect"
	if err := o.ensureRestored(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := o.handleRedirect(ctx, nil, redirectURI, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// handleRedirect completes the pending flow from redirectURI.  A non-nil
// bound flow must still be the active flow.
func (o *Orchestrator) handleRedirect(ctx context.Context, bound *Flow, redirectURI string, fromLaunch bool) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	f, pending := o.flow, o.pending
	if bound != nil && (bound != f || bound.isDone()) {
		o.mu.Unlock()
		o.logger.Warn("rejected redirect for a superseded or completed flow", "flow_id", bound.id)
		return ErrStaleRedirect
	}
	state := redirectState(redirectURI)
	ownState := pending != nil && f != nil && !f.isDone() && state == pending.State
	if state != "" && !ownState && o.isRetiredLocked(state) {
		o.mu.Unlock()
		o.logger.Warn("rejected redirect for a superseded or completed flow")
		return ErrStaleRedirect
	}
	if f == nil || pending == nil {
		o.mu.Unlock()
		outcome := ClassifyRedirect(nil, redirectURI)
		o.logger.Warn("redirect received with no pending request", "outcome", outcome.Kind.String())
		return fmt.Errorf("%w: %w", ErrNoPendingFlow, outcome.Err)
	}
	res := resultFromOutcome(f.id, ClassifyRedirect(pending, redirectURI))
	o.completeLocked(f, res)
	o.mu.Unlock()

	o.deletePending(ctx, f.id)
	o.afterComplete(res, fromLaunch)
	return nil
}

// HandleDismissed implements Receiver.  It completes a flow awaiting its
// redirect as cancelled.
func (o *Orchestrator) HandleDismissed(ctx context.Context) error {
	const op = "Orchestrator.HandleDismissed"
	if err := o.ensureRestored(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := o.handleDismissed(ctx, nil, false); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// handleDismissed cancels the flow awaiting its redirect.  A non-nil bound
// flow must still be the active flow.
func (o *Orchestrator) handleDismissed(ctx context.Context, bound *Flow, fromLaunch bool) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return ErrDisposed
	}
	f := o.flow
	if bound != nil && (bound != f || bound.isDone()) {
		o.mu.Unlock()
		o.logger.Debug("ignored dismissal of a superseded or completed flow", "flow_id", bound.id)
		return ErrStaleRedirect
	}
	if f == nil || o.phase != StateAwaitingRedirect || f.isDone() {
		o.mu.Unlock()
		return ErrNoPendingFlow
	}
	res := resultFromOutcome(f.id, CancelledOutcome())
	o.completeLocked(f, res)
	o.mu.Unlock()

	o.deletePending(ctx, f.id)
	o.afterComplete(res, fromLaunch)
	return nil
}

// flowReceiver is the Receiver handed to the Launcher for a single flow.
// Events arriving after that flow was superseded or completed return
// ErrStaleRedirect without touching the active flow.
type flowReceiver struct {
	o *Orchestrator
	f *Flow
}

var _ Receiver = (*flowReceiver)(nil)

func (r *flowReceiver) HandleRedirect(ctx context.Context, redirectURI string) error {
	const op = "Orchestrator.HandleRedirect"
	if err := r.o.handleRedirect(ctx, r.f, redirectURI, true); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *flowReceiver) HandleDismissed(ctx context.Context) error {
	const op = "Orchestrator.HandleDismissed"
	if err := r.o.handleDismissed(ctx, r.f, true); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Restore re-hydrates a flow from the PendingStore, typically after the host
// process was recreated while the external agent was active.  The active flow
// is returned if there is one.  ErrNoPendingFlow is returned when the store is
// empty.
func (o *Orchestrator) Restore(ctx context.Context) (*Flow, error) {
	const op = "Orchestrator.Restore"
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return nil, fmt.Errorf("%s: %w", op, ErrDisposed)
	}
	if o.flow != nil && !o.flow.isDone() {
		f := o.flow
		o.mu.Unlock()
		return f, nil
	}
	o.mu.Unlock()

	req, err := o.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if req == nil {
		return nil, fmt.Errorf("%s: %w", op, ErrNoPendingFlow)
	}
	if req.ClientID != o.pc.ClientID || req.RedirectURI != o.pc.RedirectURI {
		o.deletePending(ctx, req.FlowID)
		return nil, fmt.Errorf("%s: pending request belongs to a different client: %w", op, ErrConfiguration)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case o.disposed:
		return nil, fmt.Errorf("%s: %w", op, ErrDisposed)
	case o.flow != nil && !o.flow.isDone():
		// a flow was started or restored while loading
		return o.flow, nil
	case o.isRetiredRequestLocked(req):
		return nil, fmt.Errorf("%s: %w", op, ErrNoPendingFlow)
	}
	f := newFlow(req.FlowID)
	o.flow = f
	o.pending = req
	o.phase = StateAwaitingRedirect
	o.logger.Debug("restored pending flow", "flow_id", f.id)
	return f, nil
}

func (o *Orchestrator) ensureRestored(ctx context.Context) error {
	o.mu.Lock()
	needed := !o.disposed && (o.flow == nil || o.flow.isDone())
	o.mu.Unlock()
	if !needed {
		return nil
	}
	if _, err := o.Restore(ctx); err != nil && !errors.Is(err, ErrNoPendingFlow) {
		return err
	}
	return nil
}

// Dispose cancels any in-flight network operation, completes the active flow
// with ErrDisposed, stops the worker and releases the http client.  The
// PendingStore is left intact so a new Orchestrator can Restore the flow.
// Calling Dispose more than once is a no-op.
func (o *Orchestrator) Dispose() {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	f := o.flow
	var res *Result
	if f != nil && !f.isDone() {
		res = errorResult(f.id, fmt.Errorf("Orchestrator.Dispose: %w", ErrDisposed))
		o.completeLocked(f, res)
	}
	o.mu.Unlock()

	o.cancel()
	o.work.stop()
	if res != nil {
		o.afterComplete(res, false)
	}
	sdkHttp.Release(o.client)
	o.logger.Debug("disposed")
}

func (o *Orchestrator) checkDisposed() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.disposed {
		return ErrDisposed
	}
	return nil
}

func (o *Orchestrator) isActive(f *Flow) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.disposed && o.flow == f && !f.isDone()
}

// setPhase moves the active flow to s and reports whether f is still active.
func (o *Orchestrator) setPhase(f *Flow, s FlowState) bool {
	o.mu.Lock()
	if o.disposed || o.flow != f || f.isDone() {
		o.mu.Unlock()
		return false
	}
	o.phase = s
	o.mu.Unlock()
	o.logger.Debug("flow transition", "flow_id", f.id, "state", s.String())
	o.notifyStatus(s)
	return true
}

// finish completes f with res and reports whether this call completed it.
// It's called on the worker.
func (o *Orchestrator) finish(f *Flow, res *Result) bool {
	o.mu.Lock()
	completed := o.completeLocked(f, res)
	o.mu.Unlock()
	if completed {
		o.afterComplete(res, true)
	}
	return completed
}

// completeLocked must be called with o.mu held.
func (o *Orchestrator) completeLocked(f *Flow, res *Result) bool {
	if !f.complete(res) {
		return false
	}
	if o.flow == f {
		o.phase = res.State
		if o.pending != nil {
			o.retireLocked(o.pending)
			o.pending = nil
		}
	}
	return true
}

// retireLocked must be called with o.mu held.
func (o *Orchestrator) retireLocked(r *AuthorizationRequest) {
	if r.State == "" {
		return
	}
	o.retired = append(o.retired, retiredFlow{id: r.FlowID, state: r.State})
	if len(o.retired) > maxRetired {
		o.retired = o.retired[len(o.retired)-maxRetired:]
	}
}

// isRetiredLocked must be called with o.mu held.
func (o *Orchestrator) isRetiredLocked(state string) bool {
	for _, r := range o.retired {
		if r.state == state {
			return true
		}
	}
	return false
}

// isRetiredRequestLocked must be called with o.mu held.
func (o *Orchestrator) isRetiredRequestLocked(req *AuthorizationRequest) bool {
	for _, r := range o.retired {
		if r.id == req.FlowID && r.state == req.State {
			return true
		}
	}
	return false
}

// afterComplete logs, records and delivers a result.  It must be called
// without o.mu held.  Results produced on the worker are handed to the
// dispatcher from a new goroutine, so a handler may call Exchange or Discover
// even when the dispatcher runs it inline.
func (o *Orchestrator) afterComplete(res *Result, onWorker bool) {
	attrs := []attribute.KeyValue{attribute.String("state", res.State.String())}
	if res.Outcome != nil {
		attrs = append(attrs, attribute.String("outcome", res.Outcome.Kind.String()))
	}
	o.completed.Add(context.Background(), 1, metric.WithAttributes(attrs...))

	switch {
	case res.Err == nil:
		o.logger.Debug("flow completed", "flow_id", res.FlowID)
	case IsSecurityError(res.Err):
		o.logger.Warn("flow rejected", "flow_id", res.FlowID, "error", res.Err)
	case IsCancelled(res.Err), errors.Is(res.Err, ErrSuperseded), errors.Is(res.Err, ErrDisposed):
		o.logger.Debug("flow ended", "flow_id", res.FlowID, "error", res.Err)
	default:
		o.logger.Error("flow failed", "flow_id", res.FlowID, "error", res.Err)
	}

	o.notifyStatus(res.State)
	if o.onResult == nil {
		return
	}
	deliver := func() { o.dispatch(func() { o.onResult(res) }) }
	if onWorker {
		go deliver()
		return
	}
	deliver()
}

func (o *Orchestrator) notifyStatus(s FlowState) {
	if o.onStatus != nil {
		o.onStatus(s)
	}
}

// redirectState extracts the state parameter without validating the rest of
// the redirect.
func redirectState(redirectURI string) string {
	u, err := url.Parse(redirectURI)
	if err != nil {
		return ""
	}
	q, err := url.ParseQuery(u.RawQuery)
	if err != nil {
		return ""
	}
	return q.Get("state")
}

// WithPendingStore provides an optional PendingStore for the Orchestrator.
// The default is a MemoryPendingStore.
func WithPendingStore(s PendingStore) Option {
	return func(o interface{}) {
		if v, ok := o.(*orchestratorOptions); ok && s != nil {
			v.withPendingStore = s
		}
	}
}

// WithRedirectVerifier provides an optional RedirectVerifier for the
// Orchestrator.  Without one, redirect URIs are assumed to be exclusively
// registered.
func WithRedirectVerifier(rv RedirectVerifier) Option {
	return func(o interface{}) {
		if v, ok := o.(*orchestratorOptions); ok {
			v.withRedirectVerifier = rv
		}
	}
}

// WithResultHandler provides an optional handler which receives each flow's
// Result exactly once, via the dispatcher.
func WithResultHandler(fn func(*Result)) Option {
	return func(o interface{}) {
		if v, ok := o.(*orchestratorOptions); ok {
			v.withResultHandler = fn
		}
	}
}

// WithDispatcher provides an optional dispatcher which runs result handler
// calls on the caller's designated context (for example its event loop).  The
// default runs each call on a new goroutine.  The dispatcher is never called
// from the worker, so an inline dispatcher's handler may call Exchange.
func WithDispatcher(fn func(func())) Option {
	return func(o interface{}) {
		if v, ok := o.(*orchestratorOptions); ok && fn != nil {
			v.withDispatcher = fn
		}
	}
}

// WithStatusHandler provides an optional handler which is called, on the
// goroutine making the transition, whenever the active flow changes phase.
func WithStatusHandler(fn func(FlowState)) Option {
	return func(o interface{}) {
		if v, ok := o.(*orchestratorOptions); ok {
			v.withStatusHandler = fn
		}
	}
}

// WithDiscoveryCache controls whether a resolved ServiceConfig is reused.  It
// defaults to true; when false discovery is fetched for every flow and
// exchange.
func WithDiscoveryCache(enabled bool) Option {
	return func(o interface{}) {
		if v, ok := o.(*orchestratorOptions); ok {
			v.withDiscoveryCache = enabled
		}
	}
}

// WithClientAuthentication provides the token endpoint client authentication.
// The default is NoClientAuthentication.
func WithClientAuthentication(a ClientAuthentication) Option {
	return func(o interface{}) {
		if v, ok := o.(*orchestratorOptions); ok {
			v.withClientAuthentication = a
		}
	}
}

// orchestratorOptions is the set of available options for an Orchestrator
type orchestratorOptions struct {
	withLogger                  hclog.Logger
	withTracerProvider          trace.TracerProvider
	withMeterProvider           metric.MeterProvider
	withPendingStore            PendingStore
	withRedirectVerifier        RedirectVerifier
	withResultHandler           func(*Result)
	withDispatcher              func(func())
	withStatusHandler           func(FlowState)
	withDiscoveryCache          bool
	withClientAuthentication    ClientAuthentication
	withSkipIDTokenVerification bool
}

func orchestratorDefaults() orchestratorOptions {
	return orchestratorOptions{
		withLogger:               hclog.NewNullLogger(),
		withPendingStore:         NewMemoryPendingStore(),
		withDispatcher:           func(fn func()) { go fn() },
		withDiscoveryCache:       true,
		withClientAuthentication: NoClientAuthentication(),
	}
}

func getOrchestratorOpts(opt ...Option) orchestratorOptions {
	opts := orchestratorDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}
