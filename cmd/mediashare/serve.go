package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediashare/pkg/events"
	"mediashare/pkg/node"
	"mediashare/pkg/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func serveCmd() *cobra.Command {
	var (
		listen     string
		metrics    string
		mountPoint string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local store to peers",
		Long: `Open the content store and serve it to peers until interrupted. Optionally
expose /metrics and /health over HTTP and mount the store read-only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose, zapcore.InfoLevel)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.ListenAddress = listen
			}
			if metrics != "" {
				cfg.MetricsAddress = metrics
			}
			if mountPoint != "" {
				cfg.MountPoint = mountPoint
			}

			n := node.New(cfg, logger)
			unsubscribe := n.Bus().Subscribe(events.Wildcard, func(name string, ev events.Event) {
				logger.Debug("Event", zap.String("event", name), zap.String("content_id", string(ev.ContentID)))
			})
			defer unsubscribe()

			ctx := context.Background()
			if err := n.Init(ctx); err != nil {
				return fmt.Errorf("failed to start node: %w", err)
			}

			logger.Info("Serving",
				zap.String("listen_address", n.ListenAddress()),
				zap.String("metrics_address", n.MetricsAddress()),
				zap.Strings("peers", n.Peers()))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			logger.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return n.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", "", "peer listen address (overrides config)")
	cmd.Flags().StringVar(&metrics, "metrics", "", "metrics and health listen address")
	cmd.Flags().StringVar(&mountPoint, "mount", "", "mount the store read-only at this directory")

	return cmd
}

func mountCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mount <dir>",
		Short: "Mount the local store read-only",
		Long: `Mount the store at <dir> until interrupted. Records appear under
content/<id> and by-title/<title> [<id>].`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose, zapcore.InfoLevel)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.ListenAddress = ""
			cfg.MetricsAddress = ""
			cfg.MountPoint = args[0]

			n := node.New(cfg, logger)
			if err := n.Init(cmd.Context()); err != nil {
				return fmt.Errorf("failed to mount: %w", err)
			}
			fmt.Printf("Mounted at %s, press Ctrl+C to unmount\n", args[0])

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			return n.Shutdown(context.Background())
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show store usage and configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			count, used, capacity, err := n.Usage(cmd.Context())
			if err != nil {
				return err
			}

			capacityText := "unlimited"
			usageLine := field("Used", utils.FormatDataSize(used), valueStyle)
			if capacity > 0 {
				capacityText = utils.FormatDataSize(capacity)
				usageLine = field("Used", renderProgressBar(float64(used)*100/float64(capacity), 24), usageStyle(used, capacity))
			}

			peerText := "none"
			if len(cfg.Peers) > 0 {
				peerText = fmt.Sprintf("%d (%v)", len(cfg.Peers), cfg.Peers)
			}

			fmt.Println(createPanel("mediashare",
				field("Data directory", cfg.DataDir, valueStyle),
				field("Hash", cfg.HashAlgorithm, valueStyle),
				field("Compression", cfg.Compression, valueStyle),
				field("Records", fmt.Sprintf("%d", count), accentValueStyle),
				field("Stored", utils.FormatDataSize(used), valueStyle),
				field("Capacity", capacityText, valueStyle),
				usageLine,
				field("Peers", peerText, valueStyle),
			))
			return nil
		},
	}
}
