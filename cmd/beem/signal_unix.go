//go:build unix

package main

import (
	"os"
	"syscall"
)

func shutdownSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM}
}

func isTerminate(sig os.Signal) bool {
	return sig == syscall.SIGTERM
}
