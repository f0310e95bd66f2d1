package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bulwark-server/bulwark/internal"
	"github.com/bulwark-server/bulwark/internal/core"
)

// ServerCommand starts the server and blocks until it receives an interrupt
// or termination signal, at which point the components are shut down in order.
func ServerCommand(cmd *cobra.Command, args []string) {
	config := core.LoadConfig(ConfigFlag)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	controller := &internal.Controller{Config: config}
	if err := controller.Start(ctx); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
