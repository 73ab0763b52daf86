// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/hashicorp/cap-appauth/oidc"
	"github.com/hashicorp/cap-appauth/oidc/clientassertion"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// config is read from a JSON file, then from APPAUTH_* environment variables
// (after an optional .env is loaded), then from flags.  Each source overrides
// the values set by the previous one.
type config struct {
	ClientID              string   `json:"client_id" env:"APPAUTH_CLIENT_ID"`
	ClientSecret          string   `json:"-" env:"APPAUTH_CLIENT_SECRET"`
	RedirectURI           string   `json:"redirect_uri" env:"APPAUTH_REDIRECT_URI"`
	EndSessionRedirectURI string   `json:"end_session_redirect_uri" env:"APPAUTH_END_SESSION_REDIRECT_URI"`
	IssuerURI             string   `json:"issuer_uri" env:"APPAUTH_ISSUER_URI"`
	Scopes                []string `json:"scopes" env:"APPAUTH_SCOPES" envSeparator:" "`
	ProviderCAFile        string   `json:"provider_ca_file,omitempty" env:"APPAUTH_PROVIDER_CA_FILE"`
	ClientKeyFile         string   `json:"client_key_file,omitempty" env:"APPAUTH_CLIENT_KEY_FILE"`
	ClientKeyID           string   `json:"client_key_id,omitempty" env:"APPAUTH_CLIENT_KEY_ID"`
	StorePath             string   `json:"store_path,omitempty" env:"APPAUTH_STORE_PATH"`
	RedisAddr             string   `json:"redis_addr,omitempty" env:"APPAUTH_REDIS_ADDR"`
	LogLevel              string   `json:"log_level,omitempty" env:"APPAUTH_LOG_LEVEL"`
}

const defaultRedirectURI = "http://127.0.0.1:0/callback"

// configFlags are the flags which override config values.
type configFlags struct {
	file        string
	envFile     string
	clientID    string
	redirectURI string
	issuerURI   string
	scopes      []string
	providerCA  string
	clientKey   string
	storePath   string
	redisAddr   string
	logLevel    string
}

func (f *configFlags) register(fs *pflag.FlagSet) {
	fs.StringVarP(&f.file, "config", "c", "", "JSON configuration file")
	fs.StringVar(&f.envFile, "env-file", ".env", "optional file of APPAUTH_* variables")
	fs.StringVar(&f.clientID, "client-id", "", "OAuth client id")
	fs.StringVar(&f.redirectURI, "redirect-uri", "", "loopback redirect URI (port 0 picks a free port)")
	fs.StringVar(&f.issuerURI, "issuer", "", "issuer or discovery document URI")
	fs.StringSliceVar(&f.scopes, "scope", nil, "scopes to request")
	fs.StringVar(&f.providerCA, "provider-ca", "", "PEM file of CA certificates for the provider")
	fs.StringVar(&f.clientKey, "client-key", "", "PEM private key for private_key_jwt client authentication")
	fs.StringVar(&f.storePath, "store", "", "SQLite file which keeps the pending request across restarts")
	fs.StringVar(&f.redisAddr, "redis", "", "redis address which keeps the pending request across restarts")
	fs.StringVar(&f.logLevel, "log-level", "", "trace, debug, info, warn or error")
}

// loadConfig merges the configuration sources.  environ is nil to read the
// process environment.
func loadConfig(fs *pflag.FlagSet, f *configFlags, environ map[string]string) (*config, error) {
	const op = "loadConfig"
	var c config
	if f.file != "" {
		b, err := os.ReadFile(f.file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := json.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("%s: unable to parse %s: %w", op, f.file, err)
		}
	}

	opts := env.Options{Environment: environ}
	if environ == nil {
		if f.envFile != "" {
			if err := godotenv.Load(f.envFile); err != nil && !os.IsNotExist(err) {
				return nil, fmt.Errorf("%s: unable to load %s: %w", op, f.envFile, err)
			}
		}
		opts.Environment = env.ToMap(os.Environ())
	}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	override := func(name string, dst *string, v string) {
		if fs.Changed(name) {
			*dst = v
		}
	}
	override("client-id", &c.ClientID, f.clientID)
	override("redirect-uri", &c.RedirectURI, f.redirectURI)
	override("issuer", &c.IssuerURI, f.issuerURI)
	override("provider-ca", &c.ProviderCAFile, f.providerCA)
	override("client-key", &c.ClientKeyFile, f.clientKey)
	override("store", &c.StorePath, f.storePath)
	override("redis", &c.RedisAddr, f.redisAddr)
	override("log-level", &c.LogLevel, f.logLevel)
	if fs.Changed("scope") {
		c.Scopes = f.scopes
	}

	if c.RedirectURI == "" {
		c.RedirectURI = defaultRedirectURI
	}
	if len(c.Scopes) == 0 {
		c.Scopes = []string{oidc.ScopeOpenID}
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if err := c.validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &c, nil
}

func (c *config) validate() error {
	var result *multierror.Error
	if c.ClientID == "" {
		result = multierror.Append(result, fmt.Errorf("client_id is required: %w", oidc.ErrInvalidParameter))
	}
	if c.IssuerURI == "" {
		result = multierror.Append(result, fmt.Errorf("issuer_uri is required: %w", oidc.ErrInvalidParameter))
	}
	if c.ClientSecret != "" && c.ClientKeyFile != "" {
		result = multierror.Append(result, fmt.Errorf("client secret and client_key_file are exclusive: %w", oidc.ErrInvalidParameter))
	}
	if c.StorePath != "" && c.RedisAddr != "" {
		result = multierror.Append(result, fmt.Errorf("store_path and redis_addr are exclusive: %w", oidc.ErrInvalidParameter))
	}
	if hclog.LevelFromString(c.LogLevel) == hclog.NoLevel {
		result = multierror.Append(result, fmt.Errorf("unknown log level %q: %w", c.LogLevel, oidc.ErrInvalidParameter))
	}
	return result.ErrorOrNil()
}

// providerCA returns the PEM of the configured CA file, if any.
func (c *config) providerCA() (string, error) {
	if c.ProviderCAFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(c.ProviderCAFile)
	if err != nil {
		return "", fmt.Errorf("unable to read provider CA: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

// providerConfig builds the oidc.ProviderConfig for the redirect URIs the
// loopback actually serves.
func (c *config) providerConfig(redirectURI, endSessionRedirectURI string) (*oidc.ProviderConfig, error) {
	ca, err := c.providerCA()
	if err != nil {
		return nil, err
	}
	var opts []oidc.Option
	if ca != "" {
		opts = append(opts, oidc.WithProviderCA(ca))
	}
	return oidc.NewProviderConfig(c.IssuerURI, c.ClientID, redirectURI, endSessionRedirectURI, c.Scopes, opts...)
}

// clientAuthentication returns how the client authenticates to the token
// endpoint: a signed assertion when a key is configured, otherwise the secret
// when there is one.
func (c *config) clientAuthentication(tokenEndpoint string) (oidc.ClientAuthentication, error) {
	switch {
	case c.ClientKeyFile != "":
		j, err := c.clientAssertion(tokenEndpoint)
		if err != nil {
			return oidc.ClientAuthentication{}, err
		}
		return oidc.ClientAssertionJWT(j), nil
	case c.ClientSecret != "":
		return oidc.ClientSecretBasic(oidc.ClientSecret(c.ClientSecret)), nil
	default:
		return oidc.NoClientAuthentication(), nil
	}
}

func (c *config) clientAssertion(tokenEndpoint string) (*clientassertion.JWT, error) {
	b, err := os.ReadFile(c.ClientKeyFile)
	if err != nil {
		return nil, fmt.Errorf("unable to read client key: %w", err)
	}
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, fmt.Errorf("client key isn't PEM encoded: %w", oidc.ErrInvalidParameter)
	}
	key, err := parsePrivateKey(block)
	if err != nil {
		return nil, err
	}
	var opts []clientassertion.Option
	if c.ClientKeyID != "" {
		opts = append(opts, clientassertion.WithKeyID(c.ClientKeyID))
	}
	aud := []string{tokenEndpoint}
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return clientassertion.NewJWTWithRSAKey(c.ClientID, aud, clientassertion.RS256, k, opts...)
	case *ecdsa.PrivateKey:
		alg := clientassertion.ES256
		switch k.Curve.Params().BitSize {
		case 384:
			alg = clientassertion.ES384
		case 521:
			alg = clientassertion.ES512
		}
		return clientassertion.NewJWTWithECDSAKey(c.ClientID, aud, alg, k, opts...)
	default:
		return nil, fmt.Errorf("unsupported client key type %T: %w", key, oidc.ErrInvalidParameter)
	}
}

func parsePrivateKey(block *pem.Block) (interface{}, error) {
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		return x509.ParsePKCS8PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q: %w", block.Type, oidc.ErrInvalidParameter)
	}
}

func (c *config) logger() hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "appauth",
		Level:  hclog.LevelFromString(c.LogLevel),
		Output: os.Stderr,
	})
}
