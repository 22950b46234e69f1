// Command voxgate-tools hosts the chance tool server over stdio so a
// voxgate proxy (or any MCP client) can attach it as a subprocess. Stdout
// belongs to the MCP transport; logs go to stderr.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voxgate/voxgate/internal/tools/chance"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("voxgate-tools serving on stdio")
	if err := chance.NewServer().Run(ctx, &mcpsdk.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "voxgate-tools: %v\n", err)
		return 1
	}
	return 0
}
