package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func neverRefresh(t *testing.T) Refresher {
	return RefreshFunc(func(context.Context, string) (TokenPair, error) {
		t.Error("refresh must not be called")

		return TokenPair{}, nil
	})
}

func TestExecute_AttachesBearerToken(t *testing.T) {
	var gotAuth, gotID, gotAccept atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		gotID.Store(r.Header.Get(RequestIDHeader))
		gotAccept.Store(r.Header.Get("Accept"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, newRetryClient(t), neverRefresh(t), CoordinatorConfig{})
	require.NoError(t, h.store.Set(context.Background(), oldPair))

	req := NewRequest(http.MethodGet, "/admin/orders", nil)
	resp, err := h.pipe.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "Bearer access-old", gotAuth.Load())
	assert.Equal(t, req.ID, gotID.Load())
	assert.Equal(t, "application/json", gotAccept.Load())
	assert.False(t, req.Retried())
}

func TestExecute_NoTokenSendsUnauthenticated(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"success":true,"data":[]}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, newRetryClient(t), neverRefresh(t), CoordinatorConfig{})

	resp, err := h.pipe.Get(context.Background(), "/products")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "", gotAuth.Load())
}

func TestExecute_NetworkErrorSkipsRefresh(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:0", failingDoer{}, neverRefresh(t), CoordinatorConfig{})
	require.NoError(t, h.store.Set(context.Background(), oldPair))

	_, err := h.pipe.Get(context.Background(), "/admin/orders")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNetwork)
	assert.NotErrorIs(t, err, ErrSessionInvalid)

	var ne *NetworkError
	require.ErrorAs(t, err, &ne)
	assert.Equal(t, "/admin/orders", ne.Path)
	assert.Zero(t, h.coord.Attempts())
	assert.Zero(t, h.sink.calls.Load())
}

func TestExecute_OtherStatusesUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"success":false,"message":"admin only"}`))
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, newRetryClient(t), neverRefresh(t), CoordinatorConfig{})
	require.NoError(t, h.store.Set(context.Background(), oldPair))

	resp, err := h.pipe.Get(context.Background(), "/admin/customers")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.JSONEq(t, `{"success":false,"message":"admin only"}`, string(resp.Body))
}

func TestExecute_SkipRefreshReturns401(t *testing.T) {
	api := newAPIServer(t, "nobody")
	h := newHarness(t, api.URL, newRetryClient(t), neverRefresh(t), CoordinatorConfig{})

	req := NewRequest(http.MethodPost, "/auth/login", []byte(`{}`))
	req.SkipRefresh = true

	resp, err := h.pipe.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Zero(t, h.sink.calls.Load())
}

func TestExecute_ReplayCarriesBodyAndRetriedMarker(t *testing.T) {
	var (
		mu     sync.Mutex
		bodies []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		_ = json.NewDecoder(r.Body).Decode(&in)
		mu.Lock()
		bodies = append(bodies, in["code"])
		mu.Unlock()
		if r.Header.Get("Authorization") != "Bearer access-new" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, newRetryClient(t),
		RefreshFunc(func(context.Context, string) (TokenPair, error) { return freshPair, nil }),
		CoordinatorConfig{})
	require.NoError(t, h.store.Set(context.Background(), oldPair))

	req, err := NewJSONRequest(http.MethodPost, "/admin/coupons", map[string]string{"code": "SPRING10"})
	require.NoError(t, err)

	resp, err := h.pipe.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	mu.Lock()
	assert.Equal(t, []string{"SPRING10", "SPRING10"}, bodies)
	mu.Unlock()
	assert.False(t, req.Retried(), "original request is not mutated")
}

func TestDoJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/products":
			_, _ = w.Write([]byte(`{"success":true,"data":[{"id":"p1"},{"id":"p2"}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"success":false}`))
		}
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, newRetryClient(t), neverRefresh(t), CoordinatorConfig{})

	var out struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	require.NoError(t, h.pipe.DoJSON(context.Background(), http.MethodGet, "/products", nil, &out))
	assert.Len(t, out.Data, 2)

	err := h.pipe.DoJSON(context.Background(), http.MethodGet, "/admin/orders/missing", nil, &out)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusNotFound, se.StatusCode)
	assert.NotEmpty(t, se.RequestID)
}

func TestWithRetriedCopiesRequest(t *testing.T) {
	req := NewRequest(http.MethodPut, "/admin/orders/1", []byte(`{"status":"shipped"}`))
	req.Header.Set("X-Store", "main")

	replay := req.withRetried()
	replay.Header.Set("X-Store", "other")
	replay.Body[0] = '['

	assert.True(t, replay.Retried())
	assert.False(t, req.Retried())
	assert.Equal(t, req.ID, replay.ID)
	assert.Equal(t, "main", req.Header.Get("X-Store"))
	assert.Equal(t, byte('{'), req.Body[0])
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusOK, nil},
		{http.StatusBadRequest, ErrBadRequest},
		{http.StatusUnauthorized, ErrAuthExpired},
		{http.StatusForbidden, ErrForbidden},
		{http.StatusNotFound, ErrNotFound},
		{http.StatusConflict, ErrConflict},
		{http.StatusBadGateway, ErrServerError},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, classifyStatus(tt.code), "status %d", tt.code)
	}

	assert.Error(t, classifyStatus(http.StatusTeapot))
}

func TestPostAndDelete(t *testing.T) {
	var methods sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		methods.Store(r.Method, r.URL.Path+" "+r.Header.Get("Content-Type")+" "+body["code"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	h := newHarness(t, srv.URL, newRetryClient(t), neverRefresh(t), CoordinatorConfig{})

	resp, err := h.pipe.Post(context.Background(), "/admin/coupons", map[string]string{"code": "SPRING10"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, err = h.pipe.Delete(context.Background(), "/admin/coupons/SPRING10")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	post, _ := methods.Load(http.MethodPost)
	assert.Equal(t, "/admin/coupons application/json SPRING10", post)
	del, _ := methods.Load(http.MethodDelete)
	assert.Equal(t, "/admin/coupons/SPRING10  ", del)
}
