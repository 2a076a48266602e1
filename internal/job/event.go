package job

import (
	"warpjobs/pkg/cloudevent"

	"github.com/google/uuid"
)

// Event types for job lifecycle callbacks
const (
	EventTypeStart = "warpjobs.job.start"
	EventTypeExit  = "warpjobs.job.exit"
)

const eventSource = "warpjobs/jobs"

// EventBuilder builds CloudEvents for job lifecycle events.
type EventBuilder struct {
	source  string
	subject string
}

// NewEventBuilder creates a new EventBuilder for the job identified by key.
func NewEventBuilder(key string) *EventBuilder {
	return &EventBuilder{
		source:  eventSource,
		subject: key,
	}
}

// Build creates a new CloudEvent with the given type and data.
func (b *EventBuilder) Build(eventType string, data map[string]any) *cloudevent.CloudEvent {
	return cloudevent.New(eventType, b.source, b.subject, uuid.NewString(), data)
}

// BuildStartEvent creates a job start event.
func (b *EventBuilder) BuildStartEvent(req *Request) *cloudevent.CloudEvent {
	data := map[string]any{
		"key":       b.subject,
		"extension": req.Extension,
		"args":      req.Args,
	}
	return b.Build(EventTypeStart, data)
}

// BuildExitEvent creates a job exit event from the outcome.
func (b *EventBuilder) BuildExitEvent(out *Outcome) *cloudevent.CloudEvent {
	data := map[string]any{
		"key":    b.subject,
		"status": out.Status,
		"stage":  out.Stage,
	}
	if out.Metadata != nil {
		data["metadataResult"] = out.Metadata.Raw()
	}
	if out.Artifact != nil {
		data["videoResult"] = out.Artifact
	}
	if out.Error != "" {
		data["error"] = out.Error
		data["failedAt"] = out.FailedAt
	}
	return b.Build(EventTypeExit, data)
}
