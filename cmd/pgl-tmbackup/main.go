package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/paulschiretz/pgl-tmbackup/cmd"
	"github.com/paulschiretz/pgl-tmbackup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-tmbackup/pkg/plog"
)

func main() {
	// Canceled on SIGINT or SIGTERM. The rsync child is killed with the context
	// and the in-progress lock is left for the next run to resume.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := cmd.NewRootCmd().ExecuteContext(ctx); err != nil {
		plog.Error(buildinfo.Name+" exited with error", "error", err)
		cancel()
		os.Exit(1)
	}
}
