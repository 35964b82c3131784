package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// Doer sends a single HTTP request. *retry.Client from go-httpretry
// satisfies it.
type Doer interface {
	DoWithContext(ctx context.Context, req *http.Request) (*http.Response, error)
}

// RequestIDHeader carries Request.ID to the server.
const RequestIDHeader = "X-Request-ID"

// Pipeline sends every API call: it attaches the stored access token,
// and on 401 routes the call through the Coordinator and replays it once
// with the refreshed token.
type Pipeline struct {
	baseURL string
	doer    Doer
	store   TokenStore
	coord   *Coordinator
	logger  *slog.Logger
}

// NewPipeline creates a Pipeline for the API at baseURL.
func NewPipeline(baseURL string, doer Doer, store TokenStore, coord *Coordinator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}

	return &Pipeline{
		baseURL: baseURL,
		doer:    doer,
		store:   store,
		coord:   coord,
		logger:  logger,
	}
}

// Execute sends req and returns the response unchanged for any status
// other than 401. Errors:
//   - *NetworkError when no response was received
//   - *StatusError wrapping ErrAuthExpiredAfterRetry when the replay after
//     a successful refresh is rejected again
//   - *SessionError when the session could not be refreshed
//
// Requests with SkipRefresh set return a 401 response unchanged.
func (p *Pipeline) Execute(ctx context.Context, req *Request) (*Response, error) {
	return p.execute(ctx, req, p.accessToken(ctx))
}

func (p *Pipeline) execute(ctx context.Context, req *Request, token string) (*Response, error) {
	resp, err := p.send(ctx, req, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusUnauthorized || req.SkipRefresh {
		return resp, nil
	}

	if req.Retried() {
		p.logger.Warn("request rejected after token refresh",
			slog.String("request_id", req.ID),
			slog.String("method", req.Method),
			slog.String("path", req.Path),
		)

		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			RequestID:  req.ID,
			Body:       resp.Body,
			Err:        ErrAuthExpiredAfterRetry,
		}
	}

	p.logger.Debug("access token rejected",
		slog.String("request_id", req.ID),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
	)

	fresh, err := p.coord.HandleUnauthorized(ctx, req, token)
	if err != nil {
		return nil, err
	}

	return p.execute(ctx, req.withRetried(), fresh)
}

// accessToken returns the stored access token, or "" so the call goes out
// unauthenticated.
func (p *Pipeline) accessToken(ctx context.Context) string {
	pair, ok, err := p.store.Get(ctx)
	if err != nil {
		p.logger.Warn("reading stored tokens failed, sending unauthenticated",
			slog.String("error", err.Error()),
		)

		return ""
	}
	if !ok {
		return ""
	}

	return pair.AccessToken
}

// send performs one round trip with no refresh handling.
func (p *Pipeline) send(ctx context.Context, req *Request, token string) (*Response, error) {
	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, p.baseURL+req.Path, body)
	if err != nil {
		return nil, fmt.Errorf("session: creating %s %s request: %w", req.Method, req.Path, err)
	}

	for k, v := range req.Header {
		httpReq.Header[k] = append([]string(nil), v...)
	}
	if httpReq.Header.Get("Accept") == "" {
		httpReq.Header.Set("Accept", "application/json")
	}
	httpReq.Header.Set(RequestIDHeader, req.ID)
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := p.doer.DoWithContext(ctx, httpReq)
	if err != nil {
		return nil, &NetworkError{Method: req.Method, Path: req.Path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &NetworkError{Method: req.Method, Path: req.Path, Err: fmt.Errorf("reading response: %w", err)}
	}

	p.logger.Debug("request completed",
		slog.String("request_id", req.ID),
		slog.String("method", req.Method),
		slog.String("path", req.Path),
		slog.Int("status", resp.StatusCode),
		slog.Bool("retried", req.Retried()),
	)

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

// Get sends a GET for path.
func (p *Pipeline) Get(ctx context.Context, path string) (*Response, error) {
	return p.Execute(ctx, NewRequest(http.MethodGet, path, nil))
}

// Post sends v as a JSON body to path.
func (p *Pipeline) Post(ctx context.Context, path string, v any) (*Response, error) {
	req, err := NewJSONRequest(http.MethodPost, path, v)
	if err != nil {
		return nil, err
	}

	return p.Execute(ctx, req)
}

// Delete sends a DELETE for path.
func (p *Pipeline) Delete(ctx context.Context, path string) (*Response, error) {
	return p.Execute(ctx, NewRequest(http.MethodDelete, path, nil))
}

// DoJSON sends in (when non-nil) as a JSON body and decodes a 2xx response
// into out (when non-nil). Non-2xx responses become a *StatusError.
func (p *Pipeline) DoJSON(ctx context.Context, method, path string, in, out any) error {
	req := NewRequest(method, path, nil)
	if in != nil {
		var err error
		if req, err = NewJSONRequest(method, path, in); err != nil {
			return err
		}
	}

	return p.ExecuteJSON(ctx, req, out)
}

// ExecuteJSON is DoJSON for a prepared Request.
func (p *Pipeline) ExecuteJSON(ctx context.Context, req *Request, out any) error {
	resp, err := p.Execute(ctx, req)
	if err != nil {
		return err
	}

	if !resp.OK() {
		return &StatusError{
			StatusCode: resp.StatusCode,
			RequestID:  req.ID,
			Body:       resp.Body,
			Err:        classifyStatus(resp.StatusCode),
		}
	}

	if out == nil || len(resp.Body) == 0 {
		return nil
	}

	return resp.JSON(out)
}
