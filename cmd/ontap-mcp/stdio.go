package main

import (
	"context"
	"io"
	"log/slog"

	"github.com/ggoodman/ontap-mcp-server-go/config"
	"github.com/ggoodman/ontap-mcp-server-go/outbox/memory"
	"github.com/ggoodman/ontap-mcp-server-go/stdio"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"
)

// stdioCommand serves a single session on stdin and stdout for clients that
// launch the server as a subprocess.
func stdioCommand() *cli.Command {
	return &cli.Command{
		Name:  "stdio",
		Usage: "Serve one MCP session over stdin and stdout",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			root := cmd.Root()
			return serveStdio(ctx, cfg, newLogger(cfg.LogLevel), root.Reader, root.Writer)
		},
	}
}

// serveStdio runs until the client closes its end or ctx ends. The session
// sweep is not started: the process lifetime is the session lifetime.
func serveStdio(ctx context.Context, cfg *config.Config, log *slog.Logger, r io.Reader, w io.Writer) error {
	c, err := newCore(ctx, cfg, log, memory.New())
	if err != nil {
		return err
	}
	defer func() { _ = c.closeFn() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return stdio.New(c.srv, stdio.WithIO(r, w), stdio.WithLogger(log)).Serve(gctx)
	})
	g.Go(func() error { return c.clusters.Watch(gctx) })
	return g.Wait()
}
