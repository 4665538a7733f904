// Command qf creates, inspects and publishes Q-Filter banks.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tsingmao/qfilter/cmd/qf/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.NewQFCommand().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
