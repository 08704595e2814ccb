// Package utils holds small scheduling helpers. Every drives the
// Coordinator's 10ms task-queue timer; After has no caller in this tree.
package utils

import "time"

// Every triggers f every t until the returned Ticker is stopped. Calls
// of f run one after another on a single goroutine, so an f that runs
// longer than t delays the next call; ticks missed meanwhile are dropped.
func Every(t time.Duration, f func()) *time.Ticker {
	ticker := time.NewTicker(t)

	go func() {
		for range ticker.C {
			f()
		}
	}()

	return ticker
}

// After triggers f once, after t.
func After(t time.Duration, f func()) {
	time.AfterFunc(t, f)
}
