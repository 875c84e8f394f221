package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/matst80/tunnelrelay/internal/config"
	"github.com/matst80/tunnelrelay/internal/events"
	"github.com/matst80/tunnelrelay/internal/obs"
	"github.com/matst80/tunnelrelay/internal/proto"
	"github.com/matst80/tunnelrelay/internal/server"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "tunnelrelay-server: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags
	cmd := &cobra.Command{
		Use:          "tunnelrelay-server",
		Short:        "Relay server exposing tunnelled services on public ports.",
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
			fmt.Println(server.Product)
		},
	})
	return cmd
}

func run(ctx context.Context, cfg config.Server) error {
	obs.EnableDebug(cfg.Debug)
	srv, err := server.New(cfg, server.WithEvents(events.Log))
	if err != nil {
		return err
	}
	obs.Info("server.start", obs.Fields{"address": cfg.Address, "metrics": cfg.MetricsAddress, "version": proto.Version})
	if cfg.MetricsAddress != "" {
		go func() { _ = srv.ServeMetrics(ctx, cfg.MetricsAddress) }()
	}
	return srv.ListenAndServe(ctx)
}
