package config_test

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ggoodman/ontap-mcp-server-go/config"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, ":3000", cfg.HTTPAddr)
	require.Equal(t, "/mcp", cfg.EndpointPath)
	require.Equal(t, 20*time.Minute, cfg.InactivityTimeout())
	require.Equal(t, 24*time.Hour, cfg.MaxLifetime())
	require.Equal(t, time.Minute, cfg.CleanupInterval())
	require.True(t, cfg.LegacySSE)
	require.Equal(t, config.StoreMemory, cfg.SessionStore)
	require.False(t, cfg.AuthEnabled())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MCP_HTTP_ADDR", "127.0.0.1:8080")
	t.Setenv("MCP_SESSION_INACTIVITY_TIMEOUT", "5000")
	t.Setenv("MCP_LEGACY_SSE", "false")
	t.Setenv("MCP_SESSION_SIGNING_KEY", base64.StdEncoding.EncodeToString(make([]byte, 32)))

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.HTTPAddr)
	require.Equal(t, 5*time.Second, cfg.InactivityTimeout())
	require.False(t, cfg.LegacySSE)
	seed, err := cfg.SigningSeed()
	require.NoError(t, err)
	require.Len(t, seed, 32)
}

func TestLoadRejects(t *testing.T) {
	cases := map[string][2]string{
		"store":       {"MCP_SESSION_STORE", "etcd"},
		"path":        {"MCP_ENDPOINT_PATH", "mcp"},
		"signing key": {"MCP_SESSION_SIGNING_KEY", "c2hvcnQ="},
		"timeout":     {"MCP_SESSION_CLEANUP_INTERVAL", "0"},
		"half auth":   {"MCP_AUTH_ISSUER", "https://issuer.example"},
	}
	for name, kv := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv(kv[0], kv[1])
			_, err := config.Load()
			require.Error(t, err)
		})
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadClusterFile(t *testing.T) {
	dir := t.TempDir()

	t.Run("toml table", func(t *testing.T) {
		p := writeFile(t, dir, "a.toml", `
[clusters.prod]
cluster_ip = "10.0.0.1"
username = "admin"
password = "secret"
description = "production"
`)
		got, err := config.LoadClusterFile(p)
		require.NoError(t, err)
		require.Len(t, got, 1)
		require.Equal(t, "prod", got[0].Name)
		require.Equal(t, "production", got[0].Description)
	})

	t.Run("toml array", func(t *testing.T) {
		p := writeFile(t, dir, "b.toml", `
[[clusters]]
name = "a"
cluster_ip = "h1"
username = "u"
password = "p"

[[clusters]]
name = "b"
cluster_ip = "h2"
username = "u"
password = "p"
`)
		got, err := config.LoadClusterFile(p)
		require.NoError(t, err)
		require.Len(t, got, 2)
		require.Equal(t, "h2", got[1].ClusterIP)
	})

	t.Run("json", func(t *testing.T) {
		p := writeFile(t, dir, "c.json", `{"lab":{"cluster_ip":"h","username":"u","password":"p"}}`)
		got, err := config.LoadClusterFile(p)
		require.NoError(t, err)
		require.Equal(t, "lab", got[0].Name)
	})

	t.Run("broken toml", func(t *testing.T) {
		p := writeFile(t, dir, "d.toml", `[clusters`)
		_, err := config.LoadClusterFile(p)
		require.Error(t, err)
	})
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestClusterSourceMerge(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "clusters.json", `[{"name":"b","cluster_ip":"file","username":"u"},{"name":"c","cluster_ip":"file","username":"u"}]`)

	src, err := config.NewClusterSource(`{"a":{"cluster_ip":"env","username":"u"},"b":{"cluster_ip":"env","username":"u"}}`, p, discard())
	require.NoError(t, err)

	got := src.Defaults()
	require.Len(t, got, 3)
	require.Equal(t, "env", got[0].ClusterIP)
	require.Equal(t, "file", got[1].ClusterIP)

	verified := src.WithVerifyTLS(true)()
	require.True(t, verified[0].VerifyTLS)
	require.False(t, src.Defaults()[0].VerifyTLS)

	_, err = config.NewClusterSource(`not json`, "", discard())
	require.Error(t, err)
}

func TestClusterSourceWatch(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "clusters.json", `[{"name":"one","cluster_ip":"h","username":"u"}]`)

	src, err := config.NewClusterSource("", p, discard())
	require.NoError(t, err)
	require.Len(t, src.Defaults(), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Writes are retried until the watcher has picked one up.
	require.Eventually(t, func() bool {
		require.NoError(t, os.WriteFile(p, []byte(`[{"name":"one","cluster_ip":"h","username":"u"},{"name":"two","cluster_ip":"h","username":"u"}]`), 0o600))
		return len(src.Defaults()) == 2
	}, 5*time.Second, 50*time.Millisecond)

	// A broken write keeps the previous list.
	require.NoError(t, os.WriteFile(p, []byte(`[{`), 0o600))
	time.Sleep(100 * time.Millisecond)
	require.Len(t, src.Defaults(), 2)
}
