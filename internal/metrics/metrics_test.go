package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/internal/metrics"
	"github.com/ggoodman/ontap-mcp-server-go/sessions"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
)

func TestObservers(t *testing.T) {
	m := metrics.New()
	m.SessionCreated()
	m.SessionCreated()
	m.SessionRemoved(sessions.ReasonInactivityTimeout, 21*time.Minute)
	m.ToolCalled("cluster_list_svms", "cluster-management", false, 10*time.Millisecond)
	m.ToolCalled("cluster_list_svms", "cluster-management", true, 10*time.Millisecond)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	res, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	body := string(b)

	for _, want := range []string{
		"ontap_mcp_sessions_active 1",
		"ontap_mcp_sessions_created_total 2",
		`ontap_mcp_sessions_removed_total{reason="inactivity_timeout"} 1`,
		`ontap_mcp_tools_calls_total{category="cluster-management",outcome="error",tool="cluster_list_svms"} 1`,
		`ontap_mcp_tools_calls_total{category="cluster-management",outcome="ok",tool="cluster_list_svms"} 1`,
	} {
		require.True(t, strings.Contains(body, want), "missing %q", want)
	}
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	m := metrics.New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/clusters/{name}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Handle("/metrics", m.Handler())

	for _, p := range []string{"/clusters/a", "/clusters/b"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, p, nil))
		require.Equal(t, http.StatusTeapot, w.Code)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Contains(t, w.Body.String(), `ontap_mcp_http_requests_total{method="GET",route="/clusters/{name}",status="418"} 2`)
}
