package worker

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Message types emitted by the worker on stdout.
const (
	TypeProgress      = "PROGRESS"
	TypeProgressStage = "PROGRESS_STAGE"
	TypeError         = "ERROR"
)

// ErrNotObject is returned for lines that are valid JSON but not an object.
var ErrNotObject = errors.New("message is not a JSON object")

// Message is one decoded line of worker output.
// The concrete type is one of *ProgressMessage, *ProgressStageMessage,
// *ErrorMessage or *ResultMessage.
type Message interface {
	// Raw returns the line exactly as the worker emitted it.
	Raw() json.RawMessage
	// Terminal reports whether the message competes for the result slot.
	Terminal() bool
}

// ProgressMessage is a free-form status update.
type ProgressMessage struct {
	Text string `json:"message"`
	raw  json.RawMessage
}

// ProgressStageMessage announces the stage the worker has entered.
type ProgressStageMessage struct {
	Stage string `json:"stage"`
	raw   json.RawMessage
}

// ErrorMessage is a failure reported by the worker itself.
type ErrorMessage struct {
	Error string `json:"error"`
	raw   json.RawMessage
}

// LatLng is a single GPS coordinate.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// ResultMessage summarizes a finished reconstruction.
type ResultMessage struct {
	Frames         int      `json:"frames"`
	Distance       float64  `json:"distance"`
	AverageError   float64  `json:"averageError"`
	GPSPoints      []LatLng `json:"gpsPoints"`
	OriginalPoints []LatLng `json:"originalPoints"`
	raw            json.RawMessage
}

func (m *ProgressMessage) Raw() json.RawMessage      { return m.raw }
func (m *ProgressStageMessage) Raw() json.RawMessage { return m.raw }
func (m *ErrorMessage) Raw() json.RawMessage         { return m.raw }
func (m *ResultMessage) Raw() json.RawMessage        { return m.raw }

func (m *ProgressMessage) Terminal() bool      { return false }
func (m *ProgressStageMessage) Terminal() bool { return false }
func (m *ErrorMessage) Terminal() bool         { return true }
func (m *ResultMessage) Terminal() bool        { return true }

// IsProgress reports whether msg should be relayed rather than kept as a result.
func IsProgress(msg Message) bool {
	return msg != nil && !msg.Terminal()
}

// envelope is used for initial JSON unmarshaling to determine the message type.
type envelope struct {
	Type string `json:"type"`
}

// Decode parses one line of worker output.
// Any JSON object without a recognized progress or error tag is a result;
// only syntactically invalid JSON or a non-object is rejected.
func Decode(line []byte) (Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		if !json.Valid(line) {
			return nil, fmt.Errorf("invalid JSON")
		}
		return nil, ErrNotObject
	}

	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		// A non-string "type" still leaves a valid object; treat it as untagged.
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		env.Type = ""
	}

	raw := json.RawMessage(bytes.Clone(line))
	var (
		msg    Message
		target any
	)
	switch env.Type {
	case TypeProgress:
		m := &ProgressMessage{raw: raw}
		msg, target = m, m
	case TypeProgressStage:
		m := &ProgressStageMessage{raw: raw}
		msg, target = m, m
	case TypeError:
		m := &ErrorMessage{raw: raw}
		msg, target = m, m
	default:
		m := &ResultMessage{raw: raw}
		msg, target = m, m
	}

	// Field type mismatches leave the zero value rather than rejecting the line.
	if err := json.Unmarshal(line, target); err != nil {
		var typeErr *json.UnmarshalTypeError
		if !errors.As(err, &typeErr) {
			return nil, fmt.Errorf("failed to decode %s message: %w", typeName(env.Type), err)
		}
	}
	return msg, nil
}

func typeName(t string) string {
	if t == "" {
		return "result"
	}
	return t
}
