package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/beeender/ComradeNeovim/internal/app"
	"github.com/beeender/ComradeNeovim/internal/config"
	"github.com/spf13/cobra"
)

// Connect to a running Neovim, keep its buffers in sync with local
// documents and optionally serve the browser monitor.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var monitor string
	var reconnect bool
	var verbose bool

	cmd := &cobra.Command{
		Use:          "comrade-nvim [address]",
		Short:        "Synchronize Neovim buffers with local documents over msgpack-RPC",
		Args:         cobra.MaximumNArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if len(args) == 1 {
				cfg.Address = args[0]
			}
			if cfg.Address == "" {
				cfg.Address = addressFromEnv()
			}
			if cfg.Address == "" {
				return errors.New("no Neovim address given and neither $NVIM nor $NVIM_LISTEN_ADDRESS is set")
			}
			if cmd.Flags().Changed("monitor") {
				cfg.Monitor.Listen = monitor
			}
			if cmd.Flags().Changed("reconnect") {
				cfg.Reconnect.Enabled = reconnect
			}
			if cmd.Flags().Changed("verbose") {
				cfg.Verbose = verbose
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			runner := app.NewRunner(cfg, log.Printf)
			watch(ctx, configPath, runner, cmd, verbose)

			log.Printf("[comrade] connecting to %s", cfg.Address)
			return runner.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", config.DefaultPath(), "TOML configuration file")
	cmd.Flags().StringVar(&monitor, "monitor", "", "serve the browser monitor on this address, e.g. 127.0.0.1:7777")
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "reconnect with exponential backoff when Neovim goes away")
	cmd.Flags().BoolVar(&verbose, "verbose", false, "log every synced change and served request")
	return cmd
}

func addressFromEnv() string {
	if addr := os.Getenv("NVIM"); addr != "" {
		return addr
	}
	return os.Getenv("NVIM_LISTEN_ADDRESS")
}

// watch hot-applies config file changes. A --verbose flag keeps winning
// over the file.
func watch(ctx context.Context, path string, runner *app.Runner, cmd *cobra.Command, verbose bool) {
	if path == "" {
		return
	}
	err := config.Watch(ctx, path, func(cfg config.Config, err error) {
		if err != nil {
			log.Printf("[comrade] config: %v", err)
			return
		}
		if cmd.Flags().Changed("verbose") {
			cfg.Verbose = verbose
		}
		runner.Apply(cfg)
		log.Printf("[comrade] config: reloaded %s", path)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "comrade-nvim: not watching %s: %v\n", path, err)
	}
}
