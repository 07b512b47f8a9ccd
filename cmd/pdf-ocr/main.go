package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spherical/pdf-ocr/cmd/pdf-ocr/commands"
	"github.com/spherical/pdf-ocr/cmd/pdf-ocr/ui"
)

var version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, version); err != nil {
		ui.Error("%v", err)
		stop()
		os.Exit(1)
	}
}
