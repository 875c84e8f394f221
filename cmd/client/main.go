package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matst80/tunnelrelay/internal/client"
	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/events"
	"github.com/matst80/tunnelrelay/internal/obs"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tunnelrelay-client: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "tunnelrelay-client",
		Short:        "Expose local services through a tunnelrelay server.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}
	f.register(cmd)
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(client.Product)
		},
	})
	return cmd
}

func run(ctx context.Context, cfg config.Client) error {
	obs.EnableDebug(cfg.Debug)
	c, err := client.New(cfg, client.WithEvents(events.Log))
	if err != nil {
		return err
	}
	names := make([]string, 0, len(cfg.Tunnels))
	for _, t := range cfg.Tunnels {
		names = append(names, t.String())
	}
	obs.Info("client.start", obs.Fields{"server": cfg.ServerAddress, "tunnels": names})
	return c.Run(ctx)
}
