// Package dispatcher delivers job lifecycle CloudEvents to callback URLs in
// the background.
//
// Events that share a subject (one job) are delivered in the order they were
// dispatched. Different jobs are delivered concurrently.
package dispatcher

import (
	"context"
	"errors"
	"warpjobs/pkg/cloudevent"
)

var (
	// ErrBufferFull is returned when the event's lane has no room left.
	ErrBufferFull = errors.New("dispatcher buffer full, event dropped")
	// ErrClosed is returned by Dispatch after Close.
	ErrClosed = errors.New("dispatcher is closed")
)

// Dispatcher queues events for delivery without blocking the caller.
type Dispatcher interface {
	// Dispatch queues an event. It never waits on the network.
	Dispatch(event *Event) error

	Stats() Stats

	// Close stops intake and delivers what is already queued until ctx ends.
	Close(ctx context.Context) error
}

// Event is a CloudEvent bound for one callback URL.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string
	SigningKey  string // HMAC key, empty disables signing
}

// orderingKey picks the lane. The subject carries the job key.
func (e *Event) orderingKey() string {
	if e.Payload != nil && e.Payload.Subject != "" {
		return e.Payload.Subject
	}
	return e.Destination
}

// Stats is a snapshot of dispatcher counters.
type Stats struct {
	Pending       int   // events waiting in lanes
	Queued        int64 // accepted by Dispatch
	Delivered     int64
	Failed        int64 // gave up after retries or on a 4xx
	Dropped       int64 // lane full, or circuit stayed open
	Held          int64 // cooldowns sat out while a circuit was open
	RetriesTotal  int64
	BreakersTotal int
	BreakersOpen  int
}
