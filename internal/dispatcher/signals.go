//go:build linux

package dispatcher

import (
	"os"
	"os/signal"
	"syscall"
)

// sigrtmin1 is SIGRTMIN+1; Go's syscall package has no portable
// constant for real-time signals, so it is computed the way
// os/signal's own documentation recommends for RT signal numbers on
// Linux (SIGRTMIN is 34 on glibc/Go's runtime-reserved numbering).
const sigrtmin1 = syscall.Signal(35)

// installSignals wires the dispatcher's signal handling (spec.md
// §4.3's "Signals" list): SIGUSR1 flush, SIGUSR2 rotate+vacuum,
// SIGRTMIN+1 sync+touch, SIGTERM/SIGINT drain-then-exit. Go's select
// picks at random among ready cases, so Run gives sigTerm no priority
// over the inbox; queued records are still handled because Run answers
// sigTerm with drainAndExit, which processes everything already in the
// inbox before closing.
func installSignals() (sigUSR1, sigUSR2, sigSync, sigTerm chan os.Signal) {
	sigUSR1 = make(chan os.Signal, 1)
	sigUSR2 = make(chan os.Signal, 1)
	sigSync = make(chan os.Signal, 1)
	sigTerm = make(chan os.Signal, 1)

	signal.Notify(sigUSR1, syscall.SIGUSR1)
	signal.Notify(sigUSR2, syscall.SIGUSR2)
	signal.Notify(sigSync, sigrtmin1)
	signal.Notify(sigTerm, syscall.SIGTERM, os.Interrupt)

	return
}

func stopSignals(chs ...chan os.Signal) {
	for _, ch := range chs {
		signal.Stop(ch)
	}
}
