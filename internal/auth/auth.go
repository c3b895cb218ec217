// Package auth provides OIDC bearer authentication for the engine API.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// Claims are the identity claims the engine cares about. The subject is the
// user id scoping every store read and write.
type Claims struct {
	Subject string    `json:"sub"`
	Email   string    `json:"email"`
	Expiry  time.Time `json:"-"`
}

// IsExpired reports whether the token backing these claims has expired.
func (c *Claims) IsExpired() bool {
	return !c.Expiry.IsZero() && time.Now().After(c.Expiry)
}

// Config holds OIDC provider configuration.
type Config struct {
	// Issuer is the OIDC provider URL (e.g., https://auth.example.com)
	Issuer string

	// ClientID is the OAuth2 client ID
	ClientID string

	// ClientSecret is the OAuth2 client secret (optional for public clients)
	ClientSecret string

	// Scopes to request
	Scopes []string

	// SkipExpiryCheck disables expiry validation (use only for testing)
	SkipExpiryCheck bool
}

// Provider wraps OIDC token verification.
type Provider struct {
	provider     *oidc.Provider
	verifier     *oidc.IDTokenVerifier
	oauth2Config *oauth2.Config
}

// NewProvider creates a new OIDC provider from the issuer's discovery
// document.
func NewProvider(ctx context.Context, cfg *Config) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("create oidc provider: %w", err)
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID:        cfg.ClientID,
		SkipExpiryCheck: cfg.SkipExpiryCheck,
	})

	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{oidc.ScopeOpenID, "profile", "email"}
	}

	return &Provider{
		provider: provider,
		verifier: verifier,
		oauth2Config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     provider.Endpoint(),
			Scopes:       scopes,
		},
	}, nil
}

// VerifyToken verifies a bearer token and returns its claims.
func (p *Provider) VerifyToken(ctx context.Context, rawToken string) (*Claims, error) {
	rawToken = strings.TrimPrefix(rawToken, "Bearer ")
	rawToken = strings.TrimPrefix(rawToken, "bearer ")

	idToken, err := p.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("verify token: %w", err)
	}

	var claims Claims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("extract claims: %w", err)
	}
	claims.Expiry = idToken.Expiry
	if claims.Subject == "" {
		claims.Subject = idToken.Subject
	}
	return &claims, nil
}
