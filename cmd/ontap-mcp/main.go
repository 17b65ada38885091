// Command ontap-mcp serves the NetApp ONTAP MCP tools over HTTP, or over
// stdin and stdout with the stdio subcommand.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/ontap-mcp-server-go/config"
	"github.com/urfave/cli/v3"
)

const (
	serverName    = "netapp-ontap-mcp"
	serverVersion = "2.0.0"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newCommand().Run(ctx, os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newCommand() *cli.Command {
	return &cli.Command{
		Name:    "ontap-mcp",
		Usage:   "MCP server for NetApp ONTAP cluster management",
		Version: serverVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "http", Usage: "listen address (overrides MCP_HTTP_ADDR)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides LOG_LEVEL)"},
			&cli.StringFlag{Name: "clusters-file", Usage: "JSON or TOML cluster list, reloaded on change (overrides ONTAP_CLUSTERS_FILE)"},
			&cli.BoolFlag{Name: "legacy-sse", Usage: "also serve GET /sse and POST /messages (overrides MCP_LEGACY_SSE)"},
			&cli.StringFlag{Name: "session-store", Usage: "memory or redis (overrides MCP_SESSION_STORE)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, newLogger(cfg.LogLevel))
		},
		Commands: []*cli.Command{clustersCommand(), stdioCommand()},
	}
}

// loadConfig reads the environment and applies flags that were given.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if cmd.IsSet("http") {
		cfg.HTTPAddr = cmd.String("http")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("clusters-file") {
		cfg.ClustersFile = cmd.String("clusters-file")
	}
	if cmd.IsSet("legacy-sse") {
		cfg.LegacySSE = cmd.Bool("legacy-sse")
	}
	if cmd.IsSet("session-store") {
		cfg.SessionStore = cmd.String("session-store")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
