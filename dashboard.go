package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/sync/errgroup"
)

// dashboardPaths are loaded together when the CLI starts. With an expired
// access token they all get a 401 at roughly the same time, which is what
// the refresh coordinator exists for.
var dashboardPaths = []string{
	"/admin/orders",
	"/admin/customers",
	"/admin/coupons",
	"/products",
}

type dashboardResult struct {
	Path  string
	Count int
}

type listResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// fetchDashboard requests every dashboard resource concurrently. Each
// result is reported as it arrives; the first error is returned after all
// requests finished.
func (a *app) fetchDashboard(ctx context.Context) ([]dashboardResult, error) {
	results := make([]dashboardResult, len(dashboardPaths))

	var g errgroup.Group
	for i, path := range dashboardPaths {
		g.Go(func() error {
			a.d.Fetching(path)

			count, err := a.fetchCount(ctx, path)
			if err != nil {
				a.d.FetchFailed(path, err)
				return fmt.Errorf("%s: %w", path, err)
			}

			results[i] = dashboardResult{Path: path, Count: count}
			a.d.FetchOK(path, count)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	return results, nil
}

func (a *app) fetchCount(ctx context.Context, path string) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	var resp listResponse
	if err := a.pipeline.DoJSON(reqCtx, http.MethodGet, path, nil, &resp); err != nil {
		return 0, err
	}
	if !resp.Success && resp.Message != "" {
		return 0, fmt.Errorf("request rejected: %s", resp.Message)
	}

	return countItems(resp.Data), nil
}

// countItems returns the length of a JSON array, 0 for null or absent
// data and 1 for a single object.
func countItems(data json.RawMessage) int {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return 0
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return 1
	}

	return len(items)
}
