package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/coverlab/api/internal/config"
)

// TokenVerifier turns a bearer token into the caller's identity
type TokenVerifier interface {
	Verify(token string) (*Identity, error)
}

// oidcClaims are the Zitadel access token claims the API reads. The user id
// is the subject.
type oidcClaims struct {
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// OIDCVerifier checks tokens against the signing keys the issuer publishes
type OIDCVerifier struct {
	keys   keyfunc.Keyfunc
	parser *jwt.Parser
}

type OIDCOption func(*oidcOptions)

type oidcOptions struct {
	client  *http.Client
	timeout time.Duration
}

// WithDiscoveryClient sets the client used to fetch the discovery document.
func WithDiscoveryClient(c *http.Client) OIDCOption {
	return func(o *oidcOptions) { o.client = c }
}

// IssuerURL returns the configured issuer, or the Zitadel domain as an
// https issuer.
func IssuerURL(cfg *config.ZitadelConfig) string {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" && cfg.Domain != "" {
		issuer = "https://" + strings.TrimPrefix(cfg.Domain, "https://")
	}
	return strings.TrimRight(issuer, "/")
}

// NewOIDCVerifier discovers the issuer's key set. Keys are refreshed in the
// background until ctx is done.
func NewOIDCVerifier(ctx context.Context, cfg *config.ZitadelConfig, opts ...OIDCOption) (*OIDCVerifier, error) {
	o := oidcOptions{client: http.DefaultClient, timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}

	issuer := IssuerURL(cfg)
	if issuer == "" {
		return nil, errors.New("zitadel issuer or domain is required")
	}

	discoverCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	jwksURL, err := discoverKeySet(discoverCtx, o.client, issuer)
	if err != nil {
		return nil, err
	}

	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("failed to load signing keys: %w", err)
	}

	parserOpts := []jwt.ParserOption{
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "EdDSA"}),
	}
	if cfg.ClientID != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(cfg.ClientID))
	}

	return &OIDCVerifier{keys: keys, parser: jwt.NewParser(parserOpts...)}, nil
}

func discoverKeySet(ctx context.Context, client *http.Client, issuer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, issuer+"/.well-known/openid-configuration", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create discovery request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to fetch discovery document: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("discovery endpoint returned status %d", resp.StatusCode)
	}

	var doc struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return "", fmt.Errorf("failed to decode discovery document: %w", err)
	}
	if strings.TrimRight(doc.Issuer, "/") != issuer {
		return "", fmt.Errorf("discovery issuer %q does not match %q", doc.Issuer, issuer)
	}
	if doc.JWKSURI == "" {
		return "", errors.New("discovery document has no jwks_uri")
	}
	return doc.JWKSURI, nil
}

// Verify validates signature, issuer, expiry and audience.
func (v *OIDCVerifier) Verify(token string) (*Identity, error) {
	var claims oidcClaims
	if _, err := v.parser.ParseWithClaims(token, &claims, v.keys.Keyfunc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: no subject", ErrInvalidToken)
	}
	return &Identity{UserID: claims.Subject, Email: claims.Email, Name: claims.Name}, nil
}
