package main

import (
	"context"
	"fmt"
	"os"

	"mediashare/pkg/config"
	"mediashare/pkg/node"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

var (
	configFile string
	dataDir    string
	peers      []string
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mediashare",
		Short: "Local-first content store for peer-distributed media",
		Long: `Stores media under content-addressed ids, indexes it for term search,
verifies it with Merkle proofs and shares, downloads and streams it to and
from peers.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (.json, .yaml or .yml)")
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "", "data directory (overrides config)")
	rootCmd.PersistentFlags().StringSliceVarP(&peers, "peer", "p", nil, "peer address host:port (repeatable, overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose logging")

	rootCmd.AddCommand(
		serveCmd(),
		statusCmd(),
		mountCmd(),
		storeCmd(),
		getCmd(),
		listCmd(),
		searchCmd(),
		deleteCmd(),
		playCmd(),
		historyCmd(),
		reindexCmd(),
		verifyCmd(),
		shareCmd(),
		downloadCmd(),
		queueCmd(),
		streamCmd(),
		merkleCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads --config, or the environment when no file is given, and
// applies command line overrides.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if len(peers) > 0 {
		cfg.Peers = peers
	}
	return cfg, cfg.Validate()
}

// openNode initializes a node for a one-shot command. It serves nothing:
// peers are only dialed.
func openNode(ctx context.Context) (*node.Node, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	cfg.ListenAddress = ""
	cfg.MetricsAddress = ""
	cfg.MountPoint = ""

	logger := setupLogger(verbose, zapcore.WarnLevel)
	n := node.New(cfg, logger)
	if err := n.Init(ctx); err != nil {
		logger.Sync()
		return nil, nil, err
	}
	return n, func() {
		if err := n.Shutdown(context.Background()); err != nil {
			logger.Warn("Shutdown failed", zap.Error(err))
		}
		logger.Sync()
	}, nil
}

func setupLogger(verbose bool, level zapcore.Level) *zap.Logger {
	config := zap.NewProductionConfig()
	if verbose {
		config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		config.Level = zap.NewAtomicLevelAt(level)
	}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, _ := config.Build()
	return logger
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("mediashare v%s\n", version)
		},
	}
}
