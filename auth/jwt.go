package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// Config is the validation policy shared by both validators.
type Config struct {
	Issuer string
	// Audience is the primary expected "aud". ExtraAudiences are also
	// accepted, typically for local endpoints that differ from production.
	Audience       string
	ExtraAudiences []string
	// JWKSURL is required by NewJWT and ignored by NewFromDiscovery.
	JWKSURL string
}

// Option tunes a validator.
type Option func(*policy)

type policy struct {
	algs     []string
	leeway   time.Duration
	scopes   []string
	anyScope bool
}

// WithRequiredScopes requires every listed scope in the "scope" claim.
func WithRequiredScopes(scopes ...string) Option {
	return func(p *policy) {
		p.scopes = append([]string(nil), scopes...)
		p.anyScope = false
	}
}

// WithAnyRequiredScope requires at least one listed scope.
func WithAnyRequiredScope(scopes ...string) Option {
	return func(p *policy) {
		p.scopes = append([]string(nil), scopes...)
		p.anyScope = true
	}
}

// WithAllowedAlgs restricts JWS algorithms. Defaults to RS256.
func WithAllowedAlgs(algs ...string) Option {
	return func(p *policy) { p.algs = append([]string(nil), algs...) }
}

// WithLeeway sets clock skew tolerance. Defaults to 60s.
func WithLeeway(d time.Duration) Option {
	return func(p *policy) { p.leeway = d }
}

// Validator checks JWT access tokens. It implements Authenticator.
type Validator struct {
	issuer    string
	audiences []string
	jwksURL   string
	keyfunc   jwt.Keyfunc
	policy
}

// NewJWT validates tokens against the keys published at cfg.JWKSURL.
func NewJWT(ctx context.Context, cfg Config, opts ...Option) (*Validator, error) {
	if cfg.JWKSURL == "" {
		return nil, errors.New("auth: jwks url required")
	}
	return newValidator(ctx, cfg, cfg.Issuer, cfg.JWKSURL, opts)
}

// NewFromDiscovery reads the issuer's discovery document to find its JWKS.
func NewFromDiscovery(ctx context.Context, cfg Config, opts ...Option) (*Validator, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("auth: issuer required")
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JWKSURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("invalid discovery metadata: %w", err)
	}
	if meta.JWKSURI == "" {
		return nil, errors.New("discovery incomplete: missing jwks_uri")
	}
	return newValidator(ctx, cfg, meta.Issuer, meta.JWKSURI, opts)
}

func newValidator(ctx context.Context, cfg Config, issuer, jwksURL string, opts []Option) (*Validator, error) {
	if issuer == "" {
		return nil, errors.New("auth: issuer required")
	}
	if cfg.Audience == "" {
		return nil, errors.New("auth: audience required")
	}
	v := &Validator{
		issuer:    issuer,
		audiences: append([]string{cfg.Audience}, cfg.ExtraAudiences...),
		jwksURL:   jwksURL,
		policy:    policy{algs: []string{"RS256"}, leeway: 60 * time.Second},
	}
	for _, o := range opts {
		o(&v.policy)
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	v.keyfunc = func(t *jwt.Token) (any, error) {
		if alg := t.Method.Alg(); !slices.Contains(v.algs, alg) {
			return nil, fmt.Errorf("disallowed alg: %s", alg)
		}
		return kf.Keyfunc(t)
	}
	return v, nil
}

// Issuer is the issuer tokens must carry.
func (v *Validator) Issuer() string { return v.issuer }

// JWKSURL is where signing keys are fetched from.
func (v *Validator) JWKSURL() string { return v.jwksURL }

// Scopes lists the scopes the validator requires, for challenges and
// resource metadata.
func (v *Validator) Scopes() []string { return append([]string(nil), v.scopes...) }

func (v *Validator) CheckAuthentication(ctx context.Context, tok string) (UserInfo, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods(v.algs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
	)
	parsed, err := parser.Parse(tok, v.keyfunc)
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	if !audIntersects(claims["aud"], v.audiences) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	if !v.scopesSatisfied(claims) {
		return nil, fmt.Errorf("%w: want %s", ErrInsufficientScope, strings.Join(v.scopes, " "))
	}
	return &userInfo{sub: sub, claims: claims}, nil
}

func (v *Validator) scopesSatisfied(claims jwt.MapClaims) bool {
	if len(v.scopes) == 0 {
		return true
	}
	scope, _ := claims["scope"].(string)
	have := strings.Fields(scope)
	if v.anyScope {
		return slices.ContainsFunc(v.scopes, func(s string) bool { return slices.Contains(have, s) })
	}
	for _, want := range v.scopes {
		if !slices.Contains(have, want) {
			return false
		}
	}
	return true
}

func audIntersects(aud any, wants []string) bool {
	switch a := aud.(type) {
	case string:
		return slices.Contains(wants, a)
	case []any:
		for _, e := range a {
			if s, ok := e.(string); ok && slices.Contains(wants, s) {
				return true
			}
		}
	case []string:
		for _, s := range a {
			if slices.Contains(wants, s) {
				return true
			}
		}
	}
	return false
}

var _ Authenticator = (*Validator)(nil)
