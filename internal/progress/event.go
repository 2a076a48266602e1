package progress

import (
	"context"
	"encoding/json"
	"warpjobs/pkg/cloudevent"

	"github.com/google/uuid"
)

// EventTypeProgress is the CloudEvent type used for progress over HTTP.
const EventTypeProgress = "warpjobs.job.progress"

const eventSource = "warpjobs/progress"

// eventTransport posts each frame as a CloudEvent. Requests are issued one at
// a time from the relay writer, so the listener sees them in order.
type eventTransport struct {
	sender   *cloudevent.Sender
	endpoint string
	key      string
	opts     cloudevent.SendOptions
}

func newEventTransport(sender *cloudevent.Sender, endpoint, key, signingKey string) *eventTransport {
	return &eventTransport{
		sender:   sender,
		endpoint: endpoint,
		key:      key,
		opts:     cloudevent.SendOptions{SigningKey: signingKey},
	}
}

func (t *eventTransport) Write(ctx context.Context, frame []byte) error {
	event := cloudevent.New(EventTypeProgress, eventSource, t.key, uuid.NewString(), json.RawMessage(frame))
	return t.sender.Send(ctx, t.endpoint, event, t.opts)
}

func (t *eventTransport) Close(ctx context.Context) error {
	return nil
}
