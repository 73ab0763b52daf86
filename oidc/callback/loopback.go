// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package callback

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/go-hclog"
)

// ErrNotLoopback is returned for redirect URIs which aren't served by a
// Loopback's listener.
var ErrNotLoopback = errors.New("redirect URI isn't served by the loopback listener")

// Loopback is an external user-agent which opens the system browser and
// receives the redirect on a loopback listener.  It's an oidc.Launcher, an
// oidc.RedirectVerifier and an http.Handler.
type Loopback struct {
	redirectURI *url.URL
	listener    net.Listener
	srv         *http.Server
	logger      hclog.Logger
	openURL     func(string) error
	response    ResponseFunc
	timeout     time.Duration

	mu       sync.Mutex
	receiver oidc.Receiver
	timer    *time.Timer
	closed   bool
}

var (
	_ oidc.Launcher         = (*Loopback)(nil)
	_ oidc.RedirectVerifier = (*Loopback)(nil)
	_ http.Handler          = (*Loopback)(nil)
)

// NewLoopback starts listening on the redirect URI's host and port.  The
// redirect URI must be an http URI on 127.0.0.1, [::1] or localhost.  A zero
// port picks a free port: use RedirectURI for the URI actually served.
//
// Supported options: WithLogger, WithOpenURL, WithResponse, WithTimeout
func NewLoopback(redirectURI string, opt ...Option) (*Loopback, error) {
	const op = "callback.NewLoopback"
	u, err := url.Parse(redirectURI)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to parse redirect URI: %w: %w", op, oidc.ErrInvalidParameter, err)
	}
	switch {
	case u.Scheme != "http":
		return nil, fmt.Errorf("%s: redirect URI scheme must be http: %w", op, oidc.ErrInvalidParameter)
	case !isLoopbackHost(u.Hostname()):
		return nil, fmt.Errorf("%s: redirect URI host %q isn't a loopback address: %w", op, u.Hostname(), oidc.ErrInvalidParameter)
	case u.Port() == "":
		return nil, fmt.Errorf("%s: redirect URI has no port: %w", op, oidc.ErrInvalidParameter)
	case u.RawQuery != "" || u.Fragment != "":
		return nil, fmt.Errorf("%s: redirect URI must not have a query or fragment: %w", op, oidc.ErrInvalidParameter)
	}
	if u.Path == "" {
		u.Path = "/"
	}

	opts := getLoopbackOpts(opt...)
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to listen on %s: %w", op, u.Host, err)
	}
	// with port 0, the URI carries the port actually bound
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	u.Host = net.JoinHostPort(u.Hostname(), port)

	l := &Loopback{
		redirectURI: u,
		listener:    ln,
		logger:      opts.withLogger,
		openURL:     opts.withOpenURL,
		response:    opts.withResponse,
		timeout:     opts.withTimeout,
	}
	l.srv = &http.Server{
		Handler:           l,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("loopback listener failed", "error", err)
		}
	}()
	l.logger.Debug("listening for redirects", "redirect_uri", u.String())
	return l, nil
}

// RedirectURI returns the redirect URI the Loopback serves.  Register it with
// the provider and use it in the oidc.ProviderConfig.
func (l *Loopback) RedirectURI() string {
	return l.redirectURI.String()
}

// URI returns a URI on the Loopback's listener with the given path, for
// example an end-session redirect URI.
func (l *Loopback) URI(path string) string {
	u := *l.redirectURI
	u.Path = "/" + strings.TrimPrefix(path, "/")
	return u.String()
}

// Launch implements oidc.Launcher.  It opens the authorization URI and
// returns; the redirect is delivered to r when the browser follows it.
func (l *Loopback) Launch(ctx context.Context, authURL string, r oidc.Receiver) error {
	const op = "Loopback.Launch"
	if r == nil {
		return fmt.Errorf("%s: receiver is nil: %w", op, oidc.ErrNilParameter)
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return fmt.Errorf("%s: loopback is closed: %w", op, oidc.ErrInvalidParameter)
	}
	l.receiver = r
	l.resetTimerLocked(r)
	l.mu.Unlock()

	if err := l.openURL(authURL); err != nil {
		l.mu.Lock()
		l.stopTimerLocked()
		l.mu.Unlock()
		return fmt.Errorf("%s: could not open browser: %w", op, err)
	}
	l.logger.Debug("opened authorization URI")
	return nil
}

// Resume hands redirects to r without opening the browser, for a flow restored
// from an oidc.PendingStore whose browser is still open.
func (l *Loopback) Resume(r oidc.Receiver) error {
	const op = "Loopback.Resume"
	if r == nil {
		return fmt.Errorf("%s: receiver is nil: %w", op, oidc.ErrNilParameter)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return fmt.Errorf("%s: loopback is closed: %w", op, oidc.ErrInvalidParameter)
	}
	l.receiver = r
	l.resetTimerLocked(r)
	return nil
}

// resetTimerLocked must be called with l.mu held.
func (l *Loopback) resetTimerLocked(r oidc.Receiver) {
	l.stopTimerLocked()
	if l.timeout <= 0 {
		return
	}
	l.timer = time.AfterFunc(l.timeout, func() {
		l.logger.Debug("timed out waiting for a redirect")
		if err := r.HandleDismissed(context.Background()); err != nil && !errors.Is(err, oidc.ErrNoPendingFlow) && !errors.Is(err, oidc.ErrStaleRedirect) {
			l.logger.Error("unable to dismiss flow", "error", err)
		}
	})
}

// stopTimerLocked must be called with l.mu held.
func (l *Loopback) stopTimerLocked() {
	if l.timer != nil {
		l.timer.Stop()
		l.timer = nil
	}
}

// ServeHTTP receives the provider's redirect and hands it to the receiver of
// the last launch.
func (l *Loopback) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != l.redirectURI.Path {
		http.NotFound(w, req)
		return
	}
	if req.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	l.mu.Lock()
	r := l.receiver
	l.stopTimerLocked()
	l.mu.Unlock()
	if r == nil {
		l.logger.Warn("redirect received before any launch")
		l.response(w, req, fmt.Errorf("Loopback.ServeHTTP: %w", oidc.ErrNoPendingFlow))
		return
	}

	received := *l.redirectURI
	received.RawQuery = req.URL.RawQuery
	err := r.HandleRedirect(req.Context(), received.String())
	if err != nil {
		l.logger.Warn("redirect not accepted", "error", err)
	}
	l.response(w, req, err)
}

// Verify implements oidc.RedirectVerifier.  Only http URIs on the Loopback's
// own listener are exclusively claimed, and only while it's open.
func (l *Loopback) Verify(_ context.Context, redirectURI string) error {
	const op = "Loopback.Verify"
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return fmt.Errorf("%s: loopback is closed: %w", op, ErrNotLoopback)
	}
	u, err := url.Parse(redirectURI)
	if err != nil {
		return fmt.Errorf("%s: %w: %w", op, ErrNotLoopback, err)
	}
	if u.Scheme != l.redirectURI.Scheme || u.Host != l.redirectURI.Host {
		return fmt.Errorf("%s: %q: %w", op, redirectURI, ErrNotLoopback)
	}
	return nil
}

// Close stops the listener.  A redirect which hasn't arrived yet is lost.
func (l *Loopback) Close(ctx context.Context) error {
	const op = "Loopback.Close"
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.receiver = nil
	l.stopTimerLocked()
	l.mu.Unlock()
	if err := l.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
