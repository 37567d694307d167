package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// withSignalCancel returns a context cancelled on SIGINT or SIGTERM.
//
// # Description
//
// The first signal cancels the context so the running pipeline can
// stop at a stage boundary, leaving service state in place for
// inspection. A second signal exits immediately for operators who
// really mean it.
//
// The returned stop function releases the signal handler.
func withSignalCancel(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(os.Stderr, "\nreceived %s, shutting down (repeat to force)\n", sig)
			cancel()
		case <-ctx.Done():
			return
		}

		// Second signal: just go.
		<-sigCh
		fmt.Fprintln(os.Stderr, "forced exit")
		os.Exit(1)
	}()

	stop := func() {
		signal.Stop(sigCh)
		cancel()
	}
	return ctx, stop
}
