package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"mediashare/pkg/types"

	"github.com/spf13/cobra"
)

func shareCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "share <id>...",
		Short: "Announce stored content to the first peer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			t := newTable("ID", "PROTOCOLS", "AVAILABILITY")
			for _, arg := range args {
				availability, err := n.ShareStored(cmd.Context(), types.ContentID(arg))
				if err != nil {
					return fmt.Errorf("failed to share %s: %w", arg, err)
				}
				t.Row(shortID(availability.ContentID),
					strings.Join(availability.Protocols, ","),
					fmt.Sprintf("%.0f%%", availability.Availability*100))
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func downloadCmd() *cobra.Command {
	var (
		timeout  time.Duration
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "download <id>",
		Short: "Download content from the first peer into the local store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			id := types.ContentID(args[0])
			if _, err := n.DownloadContent(cmd.Context(), id, nil); err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			entry, err := waitForDownload(ctx, func() []types.DownloadQueueEntry { return n.GetDownloadQueue() }, id, interval)
			if err != nil {
				return err
			}
			fmt.Println(renderQueue([]types.DownloadQueueEntry{entry}))
			if entry.Status == types.DownloadFailed {
				return fmt.Errorf("download of %s failed: %s", args[0], entry.Error)
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "give up after this long")
	cmd.Flags().DurationVar(&interval, "interval", 250*time.Millisecond, "queue polling interval")
	return cmd
}

// waitForDownload polls the queue until the entry for id is terminal.
func waitForDownload(ctx context.Context, queue func() []types.DownloadQueueEntry, id types.ContentID, interval time.Duration) (types.DownloadQueueEntry, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		for _, entry := range queue() {
			if entry.ContentID != id {
				continue
			}
			if entry.Status == types.DownloadCompleted || entry.Status == types.DownloadFailed {
				return entry, nil
			}
		}
		select {
		case <-ctx.Done():
			return types.DownloadQueueEntry{}, fmt.Errorf("timed out waiting for %s: %w", id, ctx.Err())
		case <-ticker.C:
		}
	}
}

func queueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Show download queue and distribution metrics of a short-lived node",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			fmt.Println(renderQueue(n.GetDownloadQueue()))
			fmt.Println(renderSessions(n.GetStreamingSessions()))
			m := n.GetMetrics()
			fmt.Println(createPanel("Distribution",
				field("Shared", fmt.Sprintf("%d", m.TotalShared), valueStyle),
				field("Downloaded", fmt.Sprintf("%d", m.TotalDownloaded), valueStyle),
				field("Active streams", fmt.Sprintf("%d", m.ActiveStreams), valueStyle),
				field("Success rate", fmt.Sprintf("%.0f%%", m.SuccessRate*100), accentValueStyle),
			))
			return nil
		},
	}
}

func streamCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stream <id>",
		Short: "Open a stream from the first peer and print its URL",
		Long: `Open a stream and keep it alive until interrupted. The stream is
stopped, and its resource released, on exit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			id := types.ContentID(args[0])
			session, err := n.StreamContent(cmd.Context(), id)
			if err != nil {
				return err
			}
			fmt.Println(renderSessions([]types.StreamingSession{session}))
			fmt.Println(mutedStyle.Render("Press Ctrl+C to stop streaming"))

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			n.StopStreaming(id)
			return nil
		},
	}
}
