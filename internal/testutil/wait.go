// Package testutil provides polling helpers and a scriptable fake worker for tests.
package testutil

import (
	"testing"
	"time"
)

type poll struct {
	timeout  time.Duration
	interval time.Duration
	what     string
}

// WaitOption adjusts how WaitFor polls.
type WaitOption func(*poll)

// WithTimeout bounds the wait (default: 10s).
func WithTimeout(d time.Duration) WaitOption {
	return func(p *poll) { p.timeout = d }
}

// WithInterval sets the gap between checks (default: 10ms).
func WithInterval(d time.Duration) WaitOption {
	return func(p *poll) { p.interval = d }
}

// Describe names the condition in the failure message of MustWaitFor.
func Describe(what string) WaitOption {
	return func(p *poll) { p.what = what }
}

func newPoll(opts []WaitOption) poll {
	p := poll{timeout: 10 * time.Second, interval: 10 * time.Millisecond, what: "condition"}
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// WaitFor checks condition immediately and then on every interval until it
// holds or the timeout passes. It reports whether the condition held.
func WaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) bool {
	tb.Helper()
	p := newPoll(opts)
	return p.run(condition)
}

func (p poll) run(condition func() bool) bool {
	if condition() {
		return true
	}

	deadline := time.NewTimer(p.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline.C:
			// One last look so a condition met right at the deadline counts
			return condition()
		case <-ticker.C:
			if condition() {
				return true
			}
		}
	}
}

// MustWaitFor is WaitFor that fails the test on timeout.
func MustWaitFor(tb testing.TB, condition func() bool, opts ...WaitOption) {
	tb.Helper()
	p := newPoll(opts)
	if !p.run(condition) {
		tb.Fatalf("timed out after %v waiting for %s", p.timeout, p.what)
	}
}
