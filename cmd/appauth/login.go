// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/cap-appauth/oidc/callback"
	sdkHttp "github.com/hashicorp/cap-appauth/sdk/http"
	"github.com/hashicorp/cap-appauth/store/redis"
	"github.com/hashicorp/cap-appauth/store/sqlite"
	"github.com/hashicorp/go-hclog"
	goredis "github.com/redis/go-redis/v9"
)

type loginOptions struct {
	loginHint string
	timeout   time.Duration
	noBrowser bool
}

// loginOutput is printed after a successful login.  The tokens marshal
// redacted.
type loginOutput struct {
	Token  *oidc.TokenResponse    `json:"token"`
	Claims map[string]interface{} `json:"id_token_claims,omitempty"`
}

func login(ctx context.Context, c *config, opts loginOptions, out io.Writer) error {
	logger := c.logger()

	lbOpts := []callback.Option{
		callback.WithLogger(logger.Named("loopback")),
		callback.WithTimeout(opts.timeout),
	}
	if opts.noBrowser {
		lbOpts = append(lbOpts, callback.WithOpenURL(func(u string) error {
			_, err := fmt.Fprintf(os.Stderr, "Open this URI in a browser to sign in:\n\n    %s\n\n", u)
			return err
		}))
	}
	lb, err := callback.NewLoopback(c.RedirectURI, lbOpts...)
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lb.Close(ctx); err != nil {
			logger.Warn("unable to close loopback listener", "error", err)
		}
	}()

	endSessionRedirectURI := c.EndSessionRedirectURI
	if endSessionRedirectURI == "" {
		endSessionRedirectURI = lb.URI("/logout")
	}
	pc, err := c.providerConfig(lb.RedirectURI(), endSessionRedirectURI)
	if err != nil {
		return err
	}
	auth, err := resolveClientAuthentication(ctx, c, pc, logger)
	if err != nil {
		return err
	}
	store, closeStore, err := c.pendingStore(ctx, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	o, err := oidc.NewOrchestrator(pc, lb,
		oidc.WithLogger(logger.Named("oidc")),
		oidc.WithPendingStore(store),
		oidc.WithRedirectVerifier(lb),
		oidc.WithClientAuthentication(auth),
		oidc.WithStatusHandler(func(s oidc.FlowState) {
			logger.Debug("flow state changed", "state", s.String())
		}),
	)
	if err != nil {
		return err
	}
	defer o.Dispose()

	flow, err := startOrResume(ctx, c, o, lb, opts, logger)
	if err != nil {
		return err
	}
	select {
	case <-flow.Done():
	case <-ctx.Done():
		logger.Info("interrupted, cancelling login")
		if err := o.HandleDismissed(context.Background()); err != nil {
			// not awaiting a redirect yet
			o.Dispose()
		}
		<-flow.Done()
	}

	res := flow.Result()
	if res.Err != nil {
		return res.Err
	}
	tk, err := o.Exchange(context.WithoutCancel(ctx), res.Code())
	if err != nil {
		return err
	}
	output := loginOutput{Token: tk}
	if tk.IDToken != "" {
		if err := tk.IDToken.Claims(&output.Claims); err != nil {
			logger.Warn("unable to decode id_token claims", "error", err)
		}
	}
	return printJSON(out, output)
}

// startOrResume resumes a login whose browser is still open when the pending
// request was kept in a durable store, and starts a new one otherwise.
func startOrResume(ctx context.Context, c *config, o *oidc.Orchestrator, lb *callback.Loopback, opts loginOptions, logger hclog.Logger) (*oidc.Flow, error) {
	if c.StorePath != "" || c.RedisAddr != "" {
		flow, err := o.Restore(ctx)
		switch {
		case err == nil:
			logger.Info("resuming login, finish it in the browser", "flow_id", flow.ID())
			if err := lb.Resume(o); err != nil {
				return nil, err
			}
			return flow, nil
		case errors.Is(err, oidc.ErrNoPendingFlow), errors.Is(err, oidc.ErrConfiguration):
		default:
			return nil, err
		}
	}
	return o.StartFlow(ctx, &oidc.Payload{LoginHint: opts.loginHint})
}

// resolveClientAuthentication needs the token endpoint only for a signed
// client assertion, whose audience it is.
func resolveClientAuthentication(ctx context.Context, c *config, pc *oidc.ProviderConfig, logger hclog.Logger) (oidc.ClientAuthentication, error) {
	if c.ClientKeyFile == "" {
		return c.clientAuthentication("")
	}
	client, err := pc.HTTPClient()
	if err != nil {
		return oidc.ClientAuthentication{}, err
	}
	defer sdkHttp.Release(client)
	r, err := oidc.NewResolver(client, oidc.WithLogger(logger.Named("oidc")))
	if err != nil {
		return oidc.ClientAuthentication{}, err
	}
	sc, err := r.Resolve(ctx, pc.DiscoveryURI)
	if err != nil {
		return oidc.ClientAuthentication{}, err
	}
	return c.clientAuthentication(sc.TokenEndpoint)
}

// pendingStore opens the configured PendingStore.  The returned func releases
// it.
func (c *config) pendingStore(ctx context.Context, logger hclog.Logger) (oidc.PendingStore, func(), error) {
	switch {
	case c.StorePath != "":
		s, err := sqlite.Open(ctx, c.StorePath, sqlite.WithLogger(logger.Named("store")))
		if err != nil {
			return nil, nil, err
		}
		return s, func() {
			if err := s.Close(); err != nil {
				logger.Warn("unable to close store", "error", err)
			}
		}, nil
	case c.RedisAddr != "":
		client := goredis.NewClient(&goredis.Options{Addr: c.RedisAddr})
		s, err := redis.NewStore(ctx, client, redis.WithLogger(logger.Named("store")))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = client.Close() }, nil
	default:
		return oidc.NewMemoryPendingStore(), func() {}, nil
	}
}
