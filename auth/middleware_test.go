package auth_test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ggoodman/ontap-mcp-server-go/auth"
	"github.com/ggoodman/ontap-mcp-server-go/auth/authtest"
)

func TestMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, ok := auth.UserFromContext(r.Context())
		if !ok {
			t.Errorf("no user on context")
			return
		}
		_, _ = io.WriteString(w, u.UserID())
	})
	h := auth.Middleware(authtest.Tokens{"good": "alice"},
		auth.WithRealm("ontap"),
		auth.WithResourceMetadataURL("https://ontap-mcp.example/.well-known/oauth-protected-resource"),
		auth.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)(next)

	cases := []struct {
		name      string
		header    string
		status    int
		challenge string
	}{
		{"missing", "", http.StatusUnauthorized, `error="invalid_token"`},
		{"not bearer", "Basic Zm9vOmJhcg==", http.StatusBadRequest, `error="invalid_request"`},
		{"bad token", "Bearer nope", http.StatusUnauthorized, `error="invalid_token"`},
		{"scope", "Bearer no-scope", http.StatusForbidden, `error="insufficient_scope"`},
		{"ok", "Bearer good", http.StatusOK, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/mcp", nil)
			if tc.header != "" {
				r.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, r)

			if w.Code != tc.status {
				t.Fatalf("status: want %d got %d", tc.status, w.Code)
			}
			got := w.Header().Get("WWW-Authenticate")
			if tc.challenge == "" {
				if got != "" || w.Body.String() != "alice" {
					t.Fatalf("unexpected challenge %q body %q", got, w.Body.String())
				}
				return
			}
			if !strings.HasPrefix(got, `Bearer realm="ontap", resource_metadata="https://ontap-mcp.example/.well-known/oauth-protected-resource"`) {
				t.Fatalf("unexpected challenge prefix: %s", got)
			}
			if !strings.Contains(got, tc.challenge) {
				t.Fatalf("challenge %q missing %s", got, tc.challenge)
			}
		})
	}
}
