// File: cmd/marionette/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/marionette/cmd"
	"github.com/xkilldash9x/marionette/internal/observability"
)

func main() {
	// A first Ctrl+C cancels the context for a graceful shutdown; a second
	// one, after stop restores default handling, kills the process.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := cmd.Execute(ctx)

	stop()
	observability.Sync()

	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
