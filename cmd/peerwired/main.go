package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/peerwire/internal/config"
	"github.com/danmuck/peerwire/internal/logging"
	"github.com/danmuck/peerwire/internal/observability"
	"github.com/danmuck/peerwire/internal/peer"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "peerwired",
	Short:         "peer wire protocol node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "accept peers and dial the configured bootstrap peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadNodeConfig(cfgFile)
		if err != nil {
			return err
		}
		return run(cfg)
	},
}

var dialCmd = &cobra.Command{
	Use:   "dial <addr>...",
	Short: "serve and connect to the given peers",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadNodeConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg.Bootstrap = append(cfg.Bootstrap, args...)
		if err := config.ValidateNodeConfig(cfg); err != nil {
			return err
		}
		return run(cfg)
	},
}

var initForce bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "write a node config template to --config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.WriteTemplate(cfgFile, "node", initForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgFile)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "peerwire.toml", "node config file")
	initCmd.Flags().BoolVar(&initForce, "force", false, "overwrite an existing config")
	rootCmd.AddCommand(serveCmd, dialCmd, initCmd)
}

func run(cfg config.NodeConfig) error {
	logging.ConfigureRuntime()
	logger := observability.InitLogger("peerwired", cfg.ID)

	svc, err := peer.NewService(cfg, logger, nil)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "peerwired: %v\n", err)
		os.Exit(1)
	}
}
