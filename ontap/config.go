package ontap

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ClusterConfig is everything needed to reach one cluster's REST API.
type ClusterConfig struct {
	Name        string `json:"name" toml:"name"`
	ClusterIP   string `json:"cluster_ip" toml:"cluster_ip"`
	Username    string `json:"username" toml:"username"`
	Password    string `json:"password" toml:"password"`
	Description string `json:"description,omitempty" toml:"description"`
	// VerifyTLS enables certificate verification. Clusters commonly serve
	// self-signed certificates so it is off unless asked for.
	VerifyTLS bool `json:"verify_tls,omitempty" toml:"verify_tls"`
}

// Validate reports the first missing field.
func (c ClusterConfig) Validate() error {
	switch {
	case strings.TrimSpace(c.Name) == "":
		return errors.New("cluster name is required")
	case strings.TrimSpace(c.ClusterIP) == "":
		return fmt.Errorf("cluster %q: cluster_ip is required", c.Name)
	case c.Username == "":
		return fmt.Errorf("cluster %q: username is required", c.Name)
	}
	return nil
}

// ParseClusters decodes a cluster list in either accepted shape:
//
//	{"prod": {"cluster_ip": "10.0.0.1", "username": "admin", "password": "x"}}
//	[{"name": "prod", "cluster_ip": "10.0.0.1", "username": "admin", "password": "x"}]
//
// In the object shape the key is the cluster name. Results are sorted by
// name. Empty input and JSON null yield an empty list.
func ParseClusters(raw []byte) ([]ClusterConfig, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var out []ClusterConfig
	switch raw[0] {
	case '{':
		var byName map[string]ClusterConfig
		if err := json.Unmarshal(raw, &byName); err != nil {
			return nil, fmt.Errorf("invalid cluster object: %w", err)
		}
		for name, c := range byName {
			c.Name = name
			out = append(out, c)
		}
	case '[':
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("invalid cluster array: %w", err)
		}
	default:
		return nil, errors.New("clusters must be a JSON object or array")
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Merge returns base overlaid with extra. Clusters in extra replace
// clusters of the same name in base.
func Merge(base, extra []ClusterConfig) []ClusterConfig {
	byName := make(map[string]ClusterConfig, len(base)+len(extra))
	for _, c := range base {
		byName[c.Name] = c
	}
	for _, c := range extra {
		byName[c.Name] = c
	}
	out := make([]ClusterConfig, 0, len(byName))
	for _, c := range byName {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
