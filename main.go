// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"apm/cmd"
	"apm/internal/log"
	"apm/pkg/build"
)

func main() {
	if err := build.Initialize(); err != nil {
		// Development build without linker flags.
		build.Fallback()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	_ = log.Sync()
	if err != nil {
		log.Fatalf("%v", err)
	}
}
