package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"golang.org/x/oauth2"
)

// RefreshPath is the refresh endpoint, relative to the API base URL.
const RefreshPath = "/auth/refresh-token"

// maxResponseBody caps how much of a response body is read into memory.
const maxResponseBody = 10 << 20

// Refresher exchanges a refresh token for a new TokenPair.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)
}

// RefreshFunc adapts a function to Refresher.
type RefreshFunc func(ctx context.Context, refreshToken string) (TokenPair, error)

func (f RefreshFunc) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	return f(ctx, refreshToken)
}

// envelope is the API's standard response wrapper.
type envelope[T any] struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    T      `json:"data"`
}

// HTTPRefresher calls POST /auth/refresh-token.
type HTTPRefresher struct {
	url  string
	doer Doer
}

// NewHTTPRefresher returns a Refresher for the API at baseURL. The refresh
// call goes straight to doer and never through the Pipeline, so it cannot
// recurse into the coordinator.
func NewHTTPRefresher(baseURL string, doer Doer) *HTTPRefresher {
	return &HTTPRefresher{url: baseURL + RefreshPath, doer: doer}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return TokenPair{}, fmt.Errorf("encoding refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return TokenPair{}, fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.doer.DoWithContext(ctx, req)
	if err != nil {
		return TokenPair{}, fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return TokenPair{}, fmt.Errorf("reading refresh response: %w", err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return TokenPair{}, &oauth2.RetrieveError{Response: resp, Body: body}
	}

	var env envelope[TokenPair]
	if err := json.Unmarshal(body, &env); err != nil {
		return TokenPair{}, fmt.Errorf("parsing refresh response: %w", err)
	}

	if !env.Success {
		return TokenPair{}, &oauth2.RetrieveError{
			Response:         resp,
			Body:             body,
			ErrorDescription: env.Message,
		}
	}

	if env.Data.AccessToken == "" {
		return TokenPair{}, errors.New("refresh response has empty accessToken")
	}

	return env.Data, nil
}
