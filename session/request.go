package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/google/uuid"
)

// Request is an immutable description of an API call. The pipeline never
// mutates a Request; a replay after token refresh is a new value carrying
// the retried marker.
type Request struct {
	ID     string
	Method string
	Path   string
	Header http.Header
	Body   []byte

	// SkipRefresh keeps a 401 out of the refresh cycle. Set it on calls
	// whose 401 means bad credentials rather than an expired token.
	SkipRefresh bool

	retried bool
}

// NewRequest builds a Request with a fresh ID. body may be nil.
func NewRequest(method, path string, body []byte) *Request {
	return &Request{
		ID:     uuid.NewString(),
		Method: method,
		Path:   path,
		Header: make(http.Header),
		Body:   body,
	}
}

// NewJSONRequest encodes v as the request body and sets Content-Type.
func NewJSONRequest(method, path string, v any) (*Request, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("session: encoding %s %s body: %w", method, path, err)
	}

	req := NewRequest(method, path, body)
	req.Header.Set("Content-Type", "application/json")

	return req, nil
}

// Retried reports whether the request already went through one
// refresh-and-replay cycle.
func (r *Request) Retried() bool {
	return r.retried
}

// withRetried returns a copy marked as retried. Header and Body are copied
// so the replay shares no mutable state with the original.
func (r *Request) withRetried() *Request {
	cp := *r
	cp.Header = r.Header.Clone()
	if r.Body != nil {
		cp.Body = bytes.Clone(r.Body)
	}
	cp.retried = true

	return &cp
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= http.StatusOK && r.StatusCode < http.StatusMultipleChoices
}

// JSON decodes the body into v.
func (r *Response) JSON(v any) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("session: decoding response: %w", err)
	}

	return nil
}
