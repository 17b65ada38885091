package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/ontap-mcp-server-go/ontap"
)

// LoadClusterFile reads a cluster list. Files ending in .toml hold a
// "clusters" table (keyed by name) or array of tables; anything else is
// read as JSON in the same shapes ONTAP_CLUSTERS accepts.
//
//	[clusters.prod]
//	cluster_ip = "10.0.0.1"
//	username = "admin"
//	password = "secret"
func LoadClusterFile(path string) ([]ontap.ClusterConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(filepath.Ext(path), ".toml") {
		return ontap.ParseClusters(b)
	}

	var doc struct {
		Clusters any `toml:"clusters"`
	}
	if _, err := toml.Decode(string(b), &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc.Clusters == nil {
		return nil, nil
	}
	// Both TOML shapes map onto the JSON ones.
	raw, err := json.Marshal(doc.Clusters)
	if err != nil {
		return nil, err
	}
	return ontap.ParseClusters(raw)
}

// ClusterSource holds the default cluster list handed to new sessions: the
// ONTAP_CLUSTERS value merged with the clusters file, the file winning on
// name clashes. Reloads swap the list atomically and never touch sessions
// that were already seeded.
type ClusterSource struct {
	env  []ontap.ClusterConfig
	path string
	log  *slog.Logger
	cur  atomic.Pointer[[]ontap.ClusterConfig]
}

// NewClusterSource parses envValue and, when path is set, loads the file.
func NewClusterSource(envValue, path string, log *slog.Logger) (*ClusterSource, error) {
	if log == nil {
		log = slog.Default()
	}
	env, err := ontap.ParseClusters([]byte(envValue))
	if err != nil {
		return nil, fmt.Errorf("ONTAP_CLUSTERS: %w", err)
	}
	s := &ClusterSource{env: env, path: path, log: log}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Defaults returns the current list. Callers must not modify it.
func (s *ClusterSource) Defaults() []ontap.ClusterConfig {
	if p := s.cur.Load(); p != nil {
		return *p
	}
	return nil
}

// WithVerifyTLS returns a copy of the defaults with VerifyTLS forced on
// when verify is true.
func (s *ClusterSource) WithVerifyTLS(verify bool) func() []ontap.ClusterConfig {
	return func() []ontap.ClusterConfig {
		cur := s.Defaults()
		if !verify {
			return cur
		}
		out := make([]ontap.ClusterConfig, len(cur))
		for i, c := range cur {
			c.VerifyTLS = true
			out[i] = c
		}
		return out
	}
}

// Reload re-reads the clusters file. On error the previous list stays.
func (s *ClusterSource) Reload() error {
	list := s.env
	if s.path != "" {
		file, err := LoadClusterFile(s.path)
		if err != nil {
			return fmt.Errorf("load clusters file: %w", err)
		}
		list = ontap.Merge(s.env, file)
	}
	s.cur.Store(&list)
	return nil
}

// Watch reloads the list whenever the clusters file changes, until ctx
// ends. The parent directory is watched so editors that replace the file
// are handled. Without a file it just waits for ctx.
func (s *ClusterSource) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() { _ = w.Close() }()

	target := filepath.Clean(s.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	s.log.InfoContext(ctx, "clusters.watch.start", slog.String("path", target))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.WarnContext(ctx, "clusters.reload.fail", slog.String("err", err.Error()))
				continue
			}
			s.log.InfoContext(ctx, "clusters.reload.ok", slog.Int("count", len(s.Defaults())))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.WarnContext(ctx, "clusters.watch.error", slog.String("err", err.Error()))
		}
	}
}
