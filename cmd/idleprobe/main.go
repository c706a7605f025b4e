// Command idleprobe is a simulated browser client for the circuit server.
// It connects, answers the activity listener registration, optionally
// reports user activity on an interval, and prints inactivity alerts.
//
// Usage:
//
//	idleprobe --url ws://localhost:8080/ws/circuit --activity 10s --duration 2m
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
