package job

import (
	"log/slog"
	"net/url"
	"strings"
	"warpjobs/internal/dispatcher"
	"warpjobs/pkg/cloudevent"
)

// lifecycleEvents sends start and exit CloudEvents to an HTTP callback
// endpoint. Websocket listeners receive progress only.
type lifecycleEvents struct {
	dispatcher  dispatcher.Dispatcher
	destination string
	signingKey  string
	builder     *EventBuilder
}

func (s *Service) lifecycle(req *Request) *lifecycleEvents {
	if s.events == nil || req.CallbackEndpoint == "" {
		return nil
	}
	u, err := url.Parse(req.CallbackEndpoint)
	if err != nil {
		return nil
	}
	if scheme := strings.ToLower(u.Scheme); scheme != "http" && scheme != "https" {
		return nil
	}
	return &lifecycleEvents{
		dispatcher:  s.events,
		destination: req.CallbackEndpoint,
		signingKey:  s.cfg.SigningKey,
		builder:     NewEventBuilder(req.Key),
	}
}

func (e *lifecycleEvents) start(logger *slog.Logger, req *Request) {
	if e == nil {
		return
	}
	e.dispatch(logger, e.builder.BuildStartEvent(req))
}

func (e *lifecycleEvents) exit(logger *slog.Logger, out *Outcome) {
	if e == nil {
		return
	}
	e.dispatch(logger, e.builder.BuildExitEvent(out))
}

func (e *lifecycleEvents) dispatch(logger *slog.Logger, payload *cloudevent.CloudEvent) {
	event := &dispatcher.Event{Payload: payload, Destination: e.destination, SigningKey: e.signingKey}
	if err := e.dispatcher.Dispatch(event); err != nil {
		logger.Warn("Failed to queue lifecycle event", "type", payload.Type, "error", err)
	}
}
