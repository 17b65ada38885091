// Package ontap holds the per-session cluster registry and a small REST
// client for NetApp ONTAP clusters.
//
// A Registry is the state of one MCP session. It is created empty when the
// session is created, seeded during initialize and discarded with the
// session. Nothing in this package is shared between sessions apart from the
// HTTP transports used to reach clusters.
package ontap

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

var ErrClusterNotFound = errors.New("cluster not found")

// maxParallelInfo caps concurrent requests made by AllClusterInfo.
const maxParallelInfo = 8

// Registry maps cluster names to their configuration.
type Registry struct {
	mu        sync.RWMutex
	clusters  map[string]ClusterConfig
	newClient func(ClusterConfig) *Client
}

type RegistryOption func(*Registry)

// WithClientFactory replaces how clients are built from a configuration.
func WithClientFactory(fn func(ClusterConfig) *Client) RegistryOption {
	return func(r *Registry) { r.newClient = fn }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		clusters:  make(map[string]ClusterConfig),
		newClient: func(c ClusterConfig) *Client { return NewClient(c) },
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Add registers cfg, replacing any cluster of the same name.
func (r *Registry) Add(cfg ClusterConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.clusters[cfg.Name] = cfg
	r.mu.Unlock()
	return nil
}

// Remove reports whether name was registered.
func (r *Registry) Remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clusters[name]; !ok {
		return false
	}
	delete(r.clusters, name)
	return true
}

func (r *Registry) Get(name string) (ClusterConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[name]
	return c, ok
}

// Client returns a client for the named cluster.
func (r *Registry) Client(name string) (*Client, error) {
	cfg, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("cluster '%s' not found in registry: %w", name, ErrClusterNotFound)
	}
	return r.newClient(cfg), nil
}

// Configs returns the registered clusters sorted by name.
func (r *Registry) Configs() []ClusterConfig {
	r.mu.RLock()
	out := make([]ClusterConfig, 0, len(r.clusters))
	for _, c := range r.clusters {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clusters)
}

// ClusterResult is one entry of AllClusterInfo. Exactly one of Info and
// Err is set.
type ClusterResult struct {
	Name string
	Info *ClusterInfo
	Err  error
}

// AllClusterInfo queries every registered cluster. A failing cluster is
// reported in its own entry and does not affect the others. Results are in
// name order.
func (r *Registry) AllClusterInfo(ctx context.Context) []ClusterResult {
	cfgs := r.Configs()
	out := make([]ClusterResult, len(cfgs))

	var g errgroup.Group
	g.SetLimit(maxParallelInfo)
	for i, cfg := range cfgs {
		g.Go(func() error {
			info, err := r.newClient(cfg).GetClusterInfo(ctx)
			out[i] = ClusterResult{Name: cfg.Name, Info: info, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return out
}
