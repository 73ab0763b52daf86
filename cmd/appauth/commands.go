// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/cap-appauth/oidc"
	sdkHttp "github.com/hashicorp/cap-appauth/sdk/http"
	"github.com/spf13/cobra"
)

func rootCommand() *cobra.Command {
	var flags configFlags
	cmd := &cobra.Command{
		Use:           "appauth",
		Short:         "Sign in to an OpenID provider from the command line.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(cmd.PersistentFlags())
	cmd.AddCommand(loginCommand(&flags))
	cmd.AddCommand(discoverCommand(&flags))
	return cmd
}

func loginCommand(flags *configFlags) *cobra.Command {
	var opts loginOptions
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with the system browser and print the redacted tokens.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(cmd.Flags(), flags, nil)
			if err != nil {
				return err
			}
			return login(cmd.Context(), c, opts, cmd.OutOrStdout())
		},
	}
	fs := cmd.Flags()
	fs.StringVar(&opts.loginHint, "login-hint", "", "hint about the login identifier to use")
	fs.DurationVar(&opts.timeout, "timeout", opts.timeout, "how long to wait for the browser (0 waits indefinitely)")
	fs.BoolVar(&opts.noBrowser, "no-browser", false, "print the authorization URI instead of opening a browser")
	return cmd
}

func discoverCommand(flags *configFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Fetch and print the provider's service configuration.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := loadConfig(cmd.Flags(), flags, nil)
			if err != nil {
				return err
			}
			return discover(cmd.Context(), c, cmd.OutOrStdout())
		},
	}
}

func discover(ctx context.Context, c *config, out io.Writer) error {
	ca, err := c.providerCA()
	if err != nil {
		return err
	}
	client, err := sdkHttp.NewClient(ca)
	if err != nil {
		return err
	}
	defer sdkHttp.Release(client)

	r, err := oidc.NewResolver(client, oidc.WithLogger(c.logger()))
	if err != nil {
		return err
	}
	sc, err := r.Resolve(ctx, c.IssuerURI)
	if err != nil {
		return err
	}
	return printJSON(out, sc)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("unable to encode output: %w", err)
	}
	return nil
}
