// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/wisp/cmd"
	"github.com/xkilldash9x/wisp/internal/observability"
)

func main() {
	// Listen for interrupt signals (SIGINT, SIGTERM) for graceful shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()
	if err != nil {
		// A cancellation after the signal is a clean shutdown, not a failure.
		if errors.Is(err, context.Canceled) {
			return
		}
		os.Exit(1)
	}
}
