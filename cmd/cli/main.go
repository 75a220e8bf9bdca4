package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/davidmoltin/crm-rules/cmd/cli/commands"
)

func main() {
	// Interrupts cancel in-flight API calls and stop `serve` gracefully
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := commands.ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}
