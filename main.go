package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gitzhang10/CommitDAG/config"
	"github.com/gitzhang10/CommitDAG/node"
	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
)

var configPrefix string
var configPath string
var configName string

func init() {
	rootCmd.PersistentFlags().StringVar(&configPrefix, "env-prefix", "commitdag", "Prefix of the environment variables that override the configuration")
	runCmd.Flags().StringVarP(&configPath, "config-path", "c", "./", "Directory holding the configuration file")
	runCmd.Flags().StringVarP(&configName, "config-name", "n", "config", "Name of the configuration file without extension")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(observeCmd)
	rootCmd.AddCommand(fetchCommitsCmd)
}

var rootCmd = &cobra.Command{
	Use:   "commitdag",
	Short: "DAG consensus node: accept blocks, decide leaders and serve the DAG to observers",
}

var runCmd = &cobra.Command{
	Use:          "run",
	Short:        "Run a node with the given configuration",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := config.LoadConfig(configPrefix, configPath, configName)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger := hclog.New(&hclog.LoggerOptions{
			Name:   "commitdag-node",
			Output: hclog.DefaultOutput,
			Level:  hclog.Level(conf.LogLevel),
		})

		n, err := node.NewNode(conf, logger)
		if err != nil {
			return err
		}
		defer n.Close()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		logger.Info("node starts", "node", conf.Name, "observer", conf.ObserverAddr, "grpc", conf.ObserverGRPCAddr)
		return n.Serve(ctx)
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
