// IoT Manager - device registry and command dispatcher.
//
// The binary serves a REST API for registering IoT devices by serial number
// and forwards commands to them over MQTT:
//
//	iotmanager                  # same as "iotmanager serve"
//	iotmanager serve --config configs/config.yaml
//	iotmanager migrate status
//	iotmanager version
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/nerrad567/iotmanager/migrations"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		cancel()
		os.Exit(1) //nolint:gocritic // cancel called explicitly above
	}
}
