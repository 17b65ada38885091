// Package health serves the /health status document.
package health

import (
	"encoding/json"
	"net/http"

	"github.com/ggoodman/ontap-mcp-server-go/sessions"
)

type Info struct {
	Server    string
	Version   string
	Transport string
}

type Status struct {
	Status        string        `json:"status"`
	Server        string        `json:"server"`
	Version       string        `json:"version"`
	Transport     string        `json:"transport,omitempty"`
	Clusters      int           `json:"clusters"`
	Sessions      SessionStatus `json:"sessions"`
	SessionConfig SessionConfig `json:"sessionConfig"`
}

type SessionStatus struct {
	Active       int            `json:"active"`
	Distribution map[string]int `json:"distribution"`
}

type SessionConfig struct {
	InactivityTimeoutMinutes float64 `json:"inactivityTimeoutMinutes"`
	MaxLifetimeHours         float64 `json:"maxLifetimeHours"`
}

// Snapshot builds the document. clusters reports how many clusters one
// session state holds; the document carries the sum over live sessions.
func Snapshot[S any](reg *sessions.Registry[S], info Info, clusters func(S) int) Status {
	stats := reg.Stats()
	total := 0
	if clusters != nil {
		reg.Range(func(s *sessions.Session[S]) bool {
			total += clusters(s.State)
			return true
		})
	}
	return Status{
		Status:    "healthy",
		Server:    info.Server,
		Version:   info.Version,
		Transport: info.Transport,
		Clusters:  total,
		Sessions:  SessionStatus{Active: stats.Total, Distribution: stats.ByAge},
		SessionConfig: SessionConfig{
			InactivityTimeoutMinutes: reg.InactivityTimeout().Minutes(),
			MaxLifetimeHours:         reg.MaxLifetime().Hours(),
		},
	}
}

// Handler serves Snapshot as JSON.
func Handler[S any](reg *sessions.Registry[S], info Info, clusters func(S) int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(Snapshot(reg, info, clusters))
	})
}
