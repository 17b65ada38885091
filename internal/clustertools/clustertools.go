// Package clustertools registers the cluster-management tools and seeds a
// session's cluster registry from its initializationOptions.
package clustertools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/ggoodman/ontap-mcp-server-go/mcp"
	"github.com/ggoodman/ontap-mcp-server-go/ontap"
	"github.com/ggoodman/ontap-mcp-server-go/tools"
)

const Category = "cluster-management"

type addClusterArgs struct {
	Name        string `json:"name" jsonschema:"description=Unique name for the cluster"`
	ClusterIP   string `json:"cluster_ip" jsonschema:"description=IP address or FQDN of the ONTAP cluster"`
	Username    string `json:"username" jsonschema:"description=Username for authentication"`
	Password    string `json:"password" jsonschema:"description=Password for authentication"`
	Description string `json:"description,omitempty" jsonschema:"description=Optional description of the cluster"`
	VerifyTLS   bool   `json:"verify_tls,omitempty" jsonschema:"description=Verify the cluster's TLS certificate"`
}

type clusterArgs struct {
	ClusterName string `json:"cluster_name" jsonschema:"description=Name of the registered cluster"`
}

// Register adds every cluster-management tool to d.
func Register(d *tools.Dispatcher[*ontap.Registry]) error {
	regs := []struct {
		name   string
		schema tools.SchemaFactory
		h      tools.Handler[*ontap.Registry]
	}{
		{"list_registered_clusters", tools.Reflect[struct{}]("List all registered clusters in the cluster manager"), tools.Bind(listRegistered)},
		{"add_cluster", tools.Reflect[addClusterArgs]("Add a cluster to the registry for multi-cluster management"), tools.Bind(addCluster)},
		{"remove_cluster", tools.Reflect[clusterArgs]("Remove a cluster from the registry"), tools.Bind(removeCluster)},
		{"get_all_clusters_info", tools.Reflect[struct{}]("Get cluster information for all registered clusters"), tools.Bind(allClustersInfo)},
		{"cluster_list_svms", tools.Reflect[clusterArgs]("List SVMs from a registered cluster by cluster name"), tools.Bind(listSVMs)},
		{"cluster_list_aggregates", tools.Reflect[clusterArgs]("List aggregates from a registered cluster by cluster name"), tools.Bind(listAggregates)},
	}
	for _, r := range regs {
		if err := d.Register(r.name, Category, r.schema, r.h); err != nil {
			return err
		}
	}
	return nil
}

func listRegistered(_ context.Context, reg *ontap.Registry, _ struct{}) (*mcp.CallToolResult, error) {
	cfgs := reg.Configs()
	if len(cfgs) == 0 {
		return tools.Text("No clusters registered. Use 'add_cluster' to register clusters."), nil
	}
	lines := make([]string, len(cfgs))
	for i, c := range cfgs {
		desc := c.Description
		if desc == "" {
			desc = "No description"
		}
		lines[i] = fmt.Sprintf("- %s: %s (%s)", c.Name, c.ClusterIP, desc)
	}
	return tools.Text(fmt.Sprintf("Registered clusters (%d):\n\n%s", len(cfgs), strings.Join(lines, "\n"))), nil
}

func addCluster(_ context.Context, reg *ontap.Registry, args addClusterArgs) (*mcp.CallToolResult, error) {
	cfg := ontap.ClusterConfig{
		Name:        args.Name,
		ClusterIP:   args.ClusterIP,
		Username:    args.Username,
		Password:    args.Password,
		Description: args.Description,
		VerifyTLS:   args.VerifyTLS,
	}
	if err := reg.Add(cfg); err != nil {
		return nil, err
	}
	desc := args.Description
	if desc == "" {
		desc = "None"
	}
	return tools.Text(fmt.Sprintf("Cluster '%s' added successfully:\nIP: %s\nDescription: %s\nUsername: %s",
		args.Name, args.ClusterIP, desc, args.Username)), nil
}

func removeCluster(_ context.Context, reg *ontap.Registry, args clusterArgs) (*mcp.CallToolResult, error) {
	if !reg.Remove(args.ClusterName) {
		return tools.Errorf("Cluster '%s' not found in registry", args.ClusterName), nil
	}
	return tools.Text(fmt.Sprintf("Cluster '%s' removed successfully", args.ClusterName)), nil
}

type clusterSummary struct {
	Name    string `json:"name"`
	Cluster string `json:"cluster,omitempty"`
	UUID    string `json:"uuid,omitempty"`
	Version string `json:"version,omitempty"`
	State   string `json:"state,omitempty"`
	Error   string `json:"error,omitempty"`
}

func allClustersInfo(ctx context.Context, reg *ontap.Registry, _ struct{}) (*mcp.CallToolResult, error) {
	results := reg.AllClusterInfo(ctx)
	if len(results) == 0 {
		return tools.Hybrid("No clusters registered.", []clusterSummary{})
	}

	lines := make([]string, len(results))
	data := make([]clusterSummary, len(results))
	for i, r := range results {
		s := clusterSummary{Name: r.Name}
		if r.Err != nil {
			s.Error = r.Err.Error()
			lines[i] = fmt.Sprintf("- %s: ERROR - %s", r.Name, s.Error)
			data[i] = s
			continue
		}
		s.Cluster, s.UUID, s.Version, s.State = r.Info.Name, r.Info.UUID, r.Info.Version.Full, r.Info.State
		data[i] = s
		lines[i] = fmt.Sprintf("- %s: %s (%s) - %s", r.Name,
			orDefault(s.Cluster, "Unknown"), orDefault(s.Version, "Unknown version"), orDefault(s.State, "Unknown state"))
	}
	return tools.Hybrid("Cluster Information:\n\n"+strings.Join(lines, "\n"), data)
}

func listSVMs(ctx context.Context, reg *ontap.Registry, args clusterArgs) (*mcp.CallToolResult, error) {
	c, err := reg.Client(args.ClusterName)
	if err != nil {
		return nil, err
	}
	svms, err := c.ListSVMs(ctx)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(svms))
	for i, s := range svms {
		lines[i] = fmt.Sprintf("- %s (%s) - State: %s", s.Name, s.UUID, s.State)
	}
	return tools.Text(fmt.Sprintf("SVMs on cluster '%s': %d\n\n%s", args.ClusterName, len(svms), strings.Join(lines, "\n"))), nil
}

func listAggregates(ctx context.Context, reg *ontap.Registry, args clusterArgs) (*mcp.CallToolResult, error) {
	c, err := reg.Client(args.ClusterName)
	if err != nil {
		return nil, err
	}
	aggrs, err := c.ListAggregates(ctx)
	if err != nil {
		return nil, err
	}
	lines := make([]string, len(aggrs))
	for i, a := range aggrs {
		bs := a.Space.BlockStorage
		lines[i] = fmt.Sprintf("- %s (%s) - State: %s, Available: %s, Used: %s",
			a.Name, a.UUID, a.State, bytesOrNA(bs.Available), bytesOrNA(bs.Used))
	}
	return tools.Text(fmt.Sprintf("Aggregates on cluster '%s': %d\n\n%s", args.ClusterName, len(aggrs), strings.Join(lines, "\n"))), nil
}

func bytesOrNA(v *int64) string {
	if v == nil {
		return "N/A"
	}
	return strconv.FormatInt(*v, 10)
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// Seed returns the session seed function. Clusters named under
// ONTAP_CLUSTERS in the initializationOptions win; without them the session
// gets the current defaults. A malformed option is logged and ignored so a
// client typo never blocks initialize. Invalid entries are skipped one by
// one.
func Seed(defaults func() []ontap.ClusterConfig, log *slog.Logger) func(ctx context.Context, reg *ontap.Registry, raw json.RawMessage) error {
	if log == nil {
		log = slog.Default()
	}
	return func(ctx context.Context, reg *ontap.Registry, raw json.RawMessage) error {
		clusters, source := fromOptions(ctx, log, raw), "initializationOptions"
		if clusters == nil && defaults != nil {
			clusters, source = defaults(), "defaults"
		}
		loaded := 0
		for _, c := range clusters {
			if err := reg.Add(c); err != nil {
				log.WarnContext(ctx, "clusters.load.fail", slog.String("cluster", c.Name), slog.String("err", err.Error()))
				continue
			}
			loaded++
		}
		if loaded > 0 {
			log.InfoContext(ctx, "clusters.load.ok", slog.String("source", source), slog.Int("count", loaded))
		}
		return nil
	}
}

func fromOptions(ctx context.Context, log *slog.Logger, raw json.RawMessage) []ontap.ClusterConfig {
	if len(raw) == 0 {
		return nil
	}
	var opts struct {
		Clusters json.RawMessage `json:"ONTAP_CLUSTERS"`
	}
	if err := json.Unmarshal(raw, &opts); err != nil || len(opts.Clusters) == 0 {
		return nil
	}

	// Hosts that only pass strings send the cluster JSON encoded as one.
	value := []byte(opts.Clusters)
	var s string
	if json.Unmarshal(value, &s) == nil {
		value = []byte(s)
	}

	clusters, err := ontap.ParseClusters(value)
	if err != nil {
		log.WarnContext(ctx, "clusters.options.invalid", slog.String("err", err.Error()))
		return nil
	}
	return clusters
}
