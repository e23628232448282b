package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"mediashare/pkg/store"
	"mediashare/pkg/types"
	"mediashare/pkg/utils"

	"github.com/spf13/cobra"
)

func storeCmd() *cobra.Command {
	var (
		title       string
		description string
		tags        []string
		mediaType   string
		category    string
		id          string
		extra       []string
	)

	cmd := &cobra.Command{
		Use:   "store <file>",
		Short: "Store a file in the local content store",
		Long: `Store a file and index its metadata. Reads stdin when <file> is "-".
The id is the digest of the contents unless --id is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := readInput(args[0])
			if err != nil {
				return err
			}

			metadata := types.Metadata{}
			if title == "" && args[0] != "-" {
				title = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			}
			for key, value := range map[string]string{
				"title":       title,
				"description": description,
				"type":        mediaType,
				"category":    category,
				"id":          id,
			} {
				if value != "" {
					metadata[key] = value
				}
			}
			if len(tags) > 0 {
				metadata["tags"] = tags
			}
			for _, kv := range extra {
				key, value, ok := strings.Cut(kv, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --meta %q (expected key=value)", kv)
				}
				metadata[key] = value
			}

			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			record, err := n.StoreContent(cmd.Context(), payload, metadata)
			if err != nil {
				return err
			}
			fmt.Println(record.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&title, "title", "t", "", "title (defaults to the file name)")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringSliceVar(&tags, "tag", nil, "tag (repeatable)")
	cmd.Flags().StringVar(&mediaType, "type", "", "media type, e.g. audio or video")
	cmd.Flags().StringVar(&category, "category", "", "category")
	cmd.Flags().StringVar(&id, "id", "", "explicit content id")
	cmd.Flags().StringArrayVar(&extra, "meta", nil, "extra metadata key=value (repeatable)")

	return cmd
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

func getCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Write a stored payload to stdout or a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			record, err := n.GetContent(cmd.Context(), types.ContentID(args[0]))
			if err != nil {
				return err
			}
			if output == "" || output == "-" {
				_, err = os.Stdout.Write(record.Payload)
				return err
			}
			if err := os.WriteFile(output, record.Payload, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", output, err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func listCmd() *cobra.Command {
	var (
		mediaType string
		category  string
		sortField string
		ascending bool
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List stored content",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			var records []types.ContentRecord
			if category != "" {
				records = n.ContentByCategory(cmd.Context(), category)
			} else {
				direction := store.Descending
				if ascending {
					direction = store.Ascending
				}
				records, err = n.GetLocalContent(cmd.Context(), store.Query{
					Type:      mediaType,
					SortField: sortField,
					Direction: direction,
					Limit:     limit,
				})
				if err != nil {
					return err
				}
			}
			fmt.Println(renderRecords(records))
			return nil
		},
	}

	cmd.Flags().StringVar(&mediaType, "type", "", "only list this media type")
	cmd.Flags().StringVar(&category, "category", "", "only list this category")
	cmd.Flags().StringVarP(&sortField, "sort", "s", store.SortAddedAt, "sort by addedAt, size, id or any metadata field")
	cmd.Flags().BoolVar(&ascending, "asc", false, "sort ascending")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of records")
	return cmd
}

func searchCmd() *cobra.Command {
	var localOnly bool

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search local content and peers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			query := strings.Join(args, " ")
			var results []types.ContentRecord
			if localOnly {
				results = n.SearchContent(cmd.Context(), query)
			} else {
				results = n.Search(cmd.Context(), query)
			}
			fmt.Println(renderRecords(results))
			return nil
		},
	}

	cmd.Flags().BoolVar(&localOnly, "local", false, "search the local store only")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete content with its index entries and play history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			deleted, err := n.DeleteContent(cmd.Context(), types.ContentID(args[0]))
			if err != nil {
				return err
			}
			if !deleted {
				return fmt.Errorf("content %s not found", args[0])
			}
			fmt.Println("deleted", args[0])
			return nil
		},
	}
}

func playCmd() *cobra.Command {
	var position float64

	cmd := &cobra.Command{
		Use:   "play <id>",
		Short: "Record a play, or update the playback position with --position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			id := types.ContentID(args[0])
			var record *types.PlayHistoryRecord
			if cmd.Flags().Changed("position") {
				record, err = n.UpdatePlayPosition(cmd.Context(), id, position)
			} else {
				record, err = n.RecordPlay(cmd.Context(), id)
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s at %.1fs\n", shortID(record.ContentID), record.Position)
			return nil
		},
	}

	cmd.Flags().Float64Var(&position, "position", 0, "playback position in seconds")
	return cmd
}

func historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <id>",
		Short: "Show the play history of a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			history, err := n.PlayHistory(cmd.Context(), types.ContentID(args[0]))
			if err != nil {
				return err
			}
			if len(history) == 0 {
				fmt.Println(mutedStyle.Render("never played"))
				return nil
			}
			t := newTable("PLAYED", "POSITION")
			for _, h := range history {
				t.Row(h.Timestamp.Local().Format("2006-01-02 15:04:05"), fmt.Sprintf("%.1fs", h.Position))
			}
			fmt.Println(t.Render())
			return nil
		},
	}
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the search index and drop orphaned entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			report, err := n.Reindex(cmd.Context())
			if err != nil {
				return err
			}
			failedStyle := accentValueStyle
			if report.Failed > 0 {
				failedStyle = dangerValueStyle
			}
			fmt.Println(createPanel("Reindex",
				field("Reindexed", fmt.Sprintf("%d", report.Reindexed), valueStyle),
				field("Failed", fmt.Sprintf("%d", report.Failed), failedStyle),
				field("Orphans removed", fmt.Sprintf("%d", report.OrphansRemoved), valueStyle),
			))
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <id>...",
		Short: "Check stored payloads against their content ids",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, closeNode, err := openNode(cmd.Context())
			if err != nil {
				return err
			}
			defer closeNode()

			t := newTable("ID", "SIZE", "RESULT")
			bad := 0
			for _, arg := range args {
				id := types.ContentID(arg)
				record, err := n.GetContent(cmd.Context(), id)
				if err != nil {
					t.Row(shortID(id), "-", dangerValueStyle.Render(err.Error()))
					bad++
					continue
				}
				ok, err := n.VerifyContent(cmd.Context(), id)
				switch {
				case err != nil:
					t.Row(shortID(id), utils.FormatDataSize(record.Size), dangerValueStyle.Render(err.Error()))
					bad++
				case ok:
					t.Row(shortID(id), utils.FormatDataSize(record.Size), accentValueStyle.Render("ok"))
				default:
					t.Row(shortID(id), utils.FormatDataSize(record.Size), warningValueStyle.Render("mismatch"))
					bad++
				}
			}
			fmt.Println(t.Render())
			if bad > 0 {
				return fmt.Errorf("%d of %d records failed verification", bad, len(args))
			}
			return nil
		},
	}
}
