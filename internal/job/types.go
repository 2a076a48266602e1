package job

import (
	"encoding/json"
	"net/http"
	"warpjobs/internal/artifact"
	"warpjobs/internal/worker"
)

// Request is one reconstruction job as received at the invocation boundary.
type Request struct {
	Key              string   `json:"key"`
	Args             []string `json:"args"`
	Contents         string   `json:"contents"`
	Extension        string   `json:"extension"`
	CallbackEndpoint string   `json:"callbackEndpoint,omitempty"`
	UseOptimizer     bool     `json:"useOptimizer,omitempty"`
	TimeoutSeconds   int      `json:"timeoutSeconds,omitempty"`
}

// Status values
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Stage is the furthest point a job reached.
type Stage string

// Stages in order. StageFailed is absorbing.
const (
	StageStart      Stage = "start"
	StagePreparing  Stage = "preparing"
	StageInvoking   Stage = "invoking"
	StagePublishing Stage = "publishing"
	StageDone       Stage = "done"
	StageFailed     Stage = "failed"
)

// Outcome is the terminal result of a job.
// A success outcome always carries Metadata.
type Outcome struct {
	Key      string                `json:"key"`
	Status   string                `json:"status"`
	Stage    Stage                 `json:"stage"`
	Metadata *worker.ResultMessage `json:"-"`
	Artifact *artifact.Location    `json:"artifact,omitempty"`
	Error    string                `json:"error,omitempty"`

	// FailedAt is the stage that was running when the job failed.
	FailedAt Stage `json:"failedAt,omitempty"`
	Err      error `json:"-"`
}

// Succeeded reports whether the job produced a result.
func (o *Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Body is the response payload.
type Body struct {
	MetadataResult json.RawMessage    `json:"metadataResult,omitempty"`
	VideoResult    *artifact.Location `json:"videoResult,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Body builds the response payload. The metadata is the worker's result line verbatim.
func (o *Outcome) Body() Body {
	if !o.Succeeded() {
		return Body{Error: o.Error}
	}
	return Body{MetadataResult: o.Metadata.Raw(), VideoResult: o.Artifact}
}

// Response is the Lambda-style envelope: a status code and a JSON string body.
type Response struct {
	StatusCode int    `json:"statusCode"`
	Body       string `json:"body"`
}

// Response renders the outcome. Successful jobs answer 200, all failures 500.
func (o *Outcome) Response() Response {
	status := http.StatusOK
	if !o.Succeeded() {
		status = http.StatusInternalServerError
	}
	body, err := json.Marshal(o.Body())
	if err != nil {
		body, _ = json.Marshal(Body{Error: err.Error()})
		status = http.StatusInternalServerError
	}
	return Response{StatusCode: status, Body: string(body)}
}
