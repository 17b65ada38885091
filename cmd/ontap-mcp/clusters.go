package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/ggoodman/ontap-mcp-server-go/config"
	"github.com/ggoodman/ontap-mcp-server-go/ontap"
	"github.com/urfave/cli/v3"
)

// clustersCommand checks connectivity to every default cluster.
func clustersCommand() *cli.Command {
	return &cli.Command{
		Name:  "clusters",
		Usage: "Query every preconfigured cluster and print its identity",
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			src, err := config.NewClusterSource(cfg.Clusters, cfg.ClustersFile, newLogger(cfg.LogLevel))
			if err != nil {
				return err
			}
			reg := ontap.NewRegistry()
			for _, c := range src.WithVerifyTLS(cfg.VerifyTLS)() {
				if err := reg.Add(c); err != nil {
					return err
				}
			}
			if reg.Len() == 0 {
				return fmt.Errorf("no clusters configured; set ONTAP_CLUSTERS or --clusters-file")
			}

			tw := tabwriter.NewWriter(cmd.Root().Writer, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tCLUSTER\tVERSION\tSTATUS")
			failed := 0
			for _, r := range reg.AllClusterInfo(ctx) {
				if r.Err != nil {
					failed++
					fmt.Fprintf(tw, "%s\t-\t-\t%v\n", r.Name, r.Err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\tok\n", r.Name, r.Info.Name, r.Info.Version.Full)
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d clusters unreachable", failed, reg.Len())
			}
			return nil
		},
	}
}
