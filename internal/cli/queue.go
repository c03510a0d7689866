package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/envelope-labs/relay/internal/control"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the offline queue",
}

var queueStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show offline queue statistics",
	Run:   runQueueStatus,
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued requests in replay order",
	Run:   runQueueList,
}

var queueFlushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Replay all queued requests now",
	Run:   runQueueFlush,
}

var queueRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a queued request",
	Args:  cobra.ExactArgs(1),
	Run:   runQueueRemove,
}

func init() {
	queueCmd.AddCommand(queueStatusCmd, queueListCmd, queueFlushCmd, queueRemoveCmd)
	rootCmd.AddCommand(queueCmd)
}

// openQueue builds the app and loads persisted queue state.
func openQueue(ctx context.Context) *control.App {
	cfg := loadConfig()

	app, err := control.NewApp(cfg)
	if err != nil {
		slog.Error("Failed to initialize relay", "error", err)
		os.Exit(1)
	}
	if err := app.StartClient(ctx); err != nil {
		slog.Error("Failed to load queue", "error", err)
		os.Exit(1)
	}
	return app
}

func runQueueStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openQueue(ctx)

	stats := app.Queue().Stats()
	fmt.Printf("total: %d\n", stats.Total)
	for priority, count := range stats.ByPriority {
		fmt.Printf("  %s: %d\n", priority, count)
	}
	if stats.OldestTimestamp != nil {
		fmt.Printf("oldest: %s\n", stats.OldestTimestamp.Format(time.RFC3339))
	}
}

func runQueueList(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openQueue(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tMETHOD\tURL\tPRIORITY\tRETRIES\tQUEUED")

	for _, item := range app.Queue().List() {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			item.ID, item.Method, item.URL, item.Priority(),
			item.RetryCount, item.MaxRetries,
			item.Timestamp.Format(time.RFC3339))
	}
	_ = w.Flush()
}

func runQueueFlush(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openQueue(ctx)

	before := app.Queue().Stats().Total
	app.Queue().ReplayAll(ctx)
	after := app.Queue().Stats().Total

	fmt.Printf("replayed %d, %d remaining\n", before-after, after)
}

func runQueueRemove(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := openQueue(ctx)

	if !app.Queue().Remove(ctx, args[0]) {
		slog.Error("Request not found", "id", args[0])
		os.Exit(1)
	}
	fmt.Println("removed")
}
