//go:build linux

package main

import (
	"os"
	"os/signal"
	"syscall"
)

// trapForceExit mirrors cmd/dockerd/trap's escalation behavior: the
// first SIGTERM/SIGINT is left to the dispatcher's own drain-then-exit
// handling (internal/dispatcher/signals.go), but a second SIGTERM or
// SIGINT (either one) means whatever is draining is stuck, so this forces
// an immediate exit with the conventional 128+signal code instead of
// waiting indefinitely.
func trapForceExit() {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGTERM, os.Interrupt)
	go func() {
		<-ch
		sig := <-ch
		if s, ok := sig.(syscall.Signal); ok {
			os.Exit(128 + int(s))
		}
		os.Exit(1)
	}()
}
