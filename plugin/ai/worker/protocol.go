// Package worker hosts the embedding model off the caller's path and talks to it
// through a correlated request/response protocol.
//
// The wire format is newline-delimited JSON and stays compatible with workers
// that speak the same envelope:
//
//	request:  {"id": "...", "type": "init|generate_embedding|batch_generate|change_model|terminate", "data": {...}}
//	response: {"id": "...", "type": "init_complete|embedding_complete|batch_complete|model_changed|error|progress", ...}
package worker

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// RequestType identifies the operation carried by a Request.
type RequestType string

const (
	RequestInit              RequestType = "init"
	RequestGenerateEmbedding RequestType = "generate_embedding"
	RequestBatchGenerate     RequestType = "batch_generate"
	RequestChangeModel       RequestType = "change_model"
	RequestTerminate         RequestType = "terminate"
)

// ResponseType identifies the kind of a Response.
type ResponseType string

const (
	ResponseInitComplete      ResponseType = "init_complete"
	ResponseEmbeddingComplete ResponseType = "embedding_complete"
	ResponseBatchComplete     ResponseType = "batch_complete"
	ResponseModelChanged      ResponseType = "model_changed"
	ResponseError             ResponseType = "error"
	ResponseProgress          ResponseType = "progress"
)

// Request is the envelope sent to the model host.
type Request struct {
	ID   string          `json:"id"`
	Type RequestType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// InitData is the payload of init and change_model requests.
type InitData struct {
	Model string `json:"model"`
}

// EmbedData is the payload of generate_embedding requests.
type EmbedData struct {
	Text string `json:"text"`
}

// BatchData is the payload of batch_generate requests.
type BatchData struct {
	Texts []string `json:"texts"`
	IDs   []string `json:"ids,omitempty"`
}

// Response is the envelope returned by the model host.
// Progress responses are broadcast and may carry no ID.
type Response struct {
	ID        string             `json:"id,omitempty"`
	Type      ResponseType       `json:"type"`
	Success   bool               `json:"success,omitempty"`
	Embedding []float32          `json:"embedding,omitempty"`
	Results   []EmbeddingOutcome `json:"results,omitempty"`
	Error     string             `json:"error,omitempty"`
	Status    *Status            `json:"status,omitempty"`
}

// EmbeddingOutcome is the per-item result of a batch request.
// One failed item never fails its siblings.
type EmbeddingOutcome struct {
	ID        string    `json:"id,omitempty"`
	Index     int       `json:"index"`
	Success   bool      `json:"success"`
	Embedding []float32 `json:"embedding,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Status is the body of a progress notification.
type Status struct {
	Stage    string  `json:"stage"`
	Model    string  `json:"model,omitempty"`
	Progress float64 `json:"progress"`
	Message  string  `json:"message,omitempty"`
}

// Progress stages reported while a model loads.
const (
	StageLoading = "loading"
	StageReady   = "ready"
)

// ProgressFunc observes out-of-band progress notifications.
type ProgressFunc func(Status)

// NewRequest builds a request with the payload encoded into Data.
func NewRequest(id string, typ RequestType, data any) (*Request, error) {
	req := &Request{ID: id, Type: typ}
	if data == nil {
		return req, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode %s payload", typ)
	}
	req.Data = raw
	return req, nil
}

// Decode unmarshals the request payload into v.
func (r *Request) Decode(v any) error {
	if len(r.Data) == 0 {
		return errors.Errorf("%s request has no data", r.Type)
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return errors.Wrapf(err, "failed to decode %s payload", r.Type)
	}
	return nil
}

func errorResponse(id string, err error) *Response {
	return &Response{ID: id, Type: ResponseError, Error: err.Error()}
}
