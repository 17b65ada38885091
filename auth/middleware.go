package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"
)

type middlewareConfig struct {
	realm       string
	metadataURL string
	log         *slog.Logger
}

type MiddlewareOption func(*middlewareConfig)

// WithRealm sets the realm advertised in challenges.
func WithRealm(realm string) MiddlewareOption {
	return func(c *middlewareConfig) { c.realm = realm }
}

// WithResourceMetadataURL adds a resource_metadata parameter to challenges.
func WithResourceMetadataURL(u string) MiddlewareOption {
	return func(c *middlewareConfig) { c.metadataURL = u }
}

func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) { c.log = l }
}

// Middleware rejects requests without a valid bearer token. The principal
// of accepted requests is available through UserFromContext.
func Middleware(a Authenticator, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{realm: "mcp", log: slog.Default()}
	for _, o := range opts {
		o(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			authHeader := r.Header.Get(authorizationHeader)
			if authHeader == "" {
				cfg.challenge(w, http.StatusUnauthorized, "invalid_token", "no token provided")
				return
			}
			tok, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok || strings.TrimSpace(tok) == "" {
				cfg.challenge(w, http.StatusBadRequest, "invalid_request", "invalid or absent authorization header")
				return
			}

			user, err := a.CheckAuthentication(ctx, strings.TrimSpace(tok))
			switch {
			case err == nil:
				next.ServeHTTP(w, r.WithContext(WithUser(ctx, user)))
			case errors.Is(err, ErrInsufficientScope):
				cfg.log.InfoContext(ctx, "auth.check.scope", slog.String("err", err.Error()))
				cfg.challenge(w, http.StatusForbidden, "insufficient_scope", err.Error())
			case errors.Is(err, ErrUnauthorized):
				cfg.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
				cfg.challenge(w, http.StatusUnauthorized, "invalid_token", err.Error())
			default:
				cfg.log.ErrorContext(ctx, "auth.check.error", slog.String("err", err.Error()))
				w.WriteHeader(http.StatusInternalServerError)
			}
		})
	}
}

func (c *middlewareConfig) challenge(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(c.realm, c.metadataURL, code, desc))
	w.WriteHeader(status)
}

func buildBearerChallenge(realm, metadataURL, code, desc string) string {
	params := []string{fmt.Sprintf(`realm=%s`, quote(realm))}
	if metadataURL != "" {
		params = append(params, fmt.Sprintf(`resource_metadata=%s`, quote(metadataURL)))
	}
	params = append(params,
		fmt.Sprintf(`error=%s`, quote(code)),
		fmt.Sprintf(`error_description=%s`, quote(desc)))
	return "Bearer " + strings.Join(params, ", ")
}

func quote(s string) string {
	return `"` + strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(s) + `"`
}

// ProtectedResourceMetadata is the OAuth 2.0 protected resource metadata
// document (RFC 9728).
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
}

// MetadataHandler serves the metadata document for resource as protected by v.
func MetadataHandler(resource, name string, v *Validator) http.Handler {
	doc := ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   []string{v.Issuer()},
		JwksURI:                v.JWKSURL(),
		ScopesSupported:        v.Scopes(),
		BearerMethodsSupported: []string{"header"},
		ResourceName:           name,
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_ = json.NewEncoder(w).Encode(doc)
	})
}
