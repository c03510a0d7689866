package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/envelope-labs/relay/internal/control"
	"github.com/envelope-labs/relay/internal/core/domain"
	"github.com/envelope-labs/relay/internal/pipeline"
)

var (
	sendBody     string
	sendPriority string
	sendContext  string
	sendHeaders  []string
)

var sendCmd = &cobra.Command{
	Use:   "send METHOD PATH",
	Short: "Execute one request through the resilience pipeline",
	Long:  `Send executes a single request with retry and offline queueing. If the network is down the request is queued and its id printed.`,
	Args:  cobra.ExactArgs(2),
	Run:   runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendBody, "data", "d", "", "JSON request body")
	sendCmd.Flags().StringVar(&sendPriority, "priority", "medium", "queue priority: high, medium, low")
	sendCmd.Flags().StringVar(&sendContext, "context", "", "operation context label")
	sendCmd.Flags().StringArrayVarP(&sendHeaders, "header", "H", nil, "extra header, KEY=VALUE")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	priority := domain.Priority(sendPriority)
	if !priority.Valid() {
		slog.Error("Invalid priority", "priority", sendPriority)
		os.Exit(1)
	}

	headers := make(map[string]string, len(sendHeaders))
	for _, h := range sendHeaders {
		k, v, ok := strings.Cut(h, "=")
		if !ok {
			slog.Error("Invalid header, want KEY=VALUE", "header", h)
			os.Exit(1)
		}
		headers[k] = v
	}

	app, err := control.NewApp(cfg)
	if err != nil {
		slog.Error("Failed to initialize relay", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if err := app.StartClient(ctx); err != nil {
		slog.Error("Failed to start client", "error", err)
		os.Exit(1)
	}

	var body any
	if sendBody != "" {
		body = []byte(sendBody)
	}

	res, err := app.Client().Request(ctx, args[0], args[1], body, &pipeline.Options{
		Priority: priority,
		Context:  sendContext,
		Headers:  headers,
	})
	if err != nil {
		slog.Error("Request failed", "error", err)
		os.Exit(1)
	}

	if res.Queued() {
		fmt.Printf("queued: %s\n", res.QueuedID)
		return
	}

	fmt.Printf("%d\n", res.Response.Status)
	if len(res.Response.Body) > 0 {
		fmt.Println(string(res.Response.Body))
	}
}
