package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeClock is a settable clock for cooldown tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// countingSink records session invalidations.
type countingSink struct {
	calls atomic.Int32
	mu    sync.Mutex
	errs  []error
}

func (s *countingSink) OnSessionInvalid(_ context.Context, err error) {
	s.calls.Add(1)
	s.mu.Lock()
	s.errs = append(s.errs, err)
	s.mu.Unlock()
}

// failingDoer never reaches a server.
type failingDoer struct{}

func (failingDoer) DoWithContext(context.Context, *http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

// blockingRefresher returns result once release is closed and counts calls.
type blockingRefresher struct {
	release chan struct{}
	calls   atomic.Int32
	pair    TokenPair
	err     error
}

func newBlockingRefresher(pair TokenPair, err error) *blockingRefresher {
	return &blockingRefresher{release: make(chan struct{}), pair: pair, err: err}
}

func (r *blockingRefresher) Refresh(ctx context.Context, _ string) (TokenPair, error) {
	r.calls.Add(1)
	select {
	case <-r.release:
	case <-ctx.Done():
		return TokenPair{}, ctx.Err()
	}

	return r.pair, r.err
}

// apiServer accepts requests carrying the bearer token in valid and answers
// 401 otherwise. Authorization headers seen are recorded.
type apiServer struct {
	*httptest.Server

	valid        atomic.Value // string
	unauthorized atomic.Int32
	authorized   atomic.Int32
}

func newAPIServer(t *testing.T, validToken string) *apiServer {
	t.Helper()

	s := &apiServer{}
	s.valid.Store(validToken)
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer "+s.valid.Load().(string) {
			s.unauthorized.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "message": "jwt expired"})

			return
		}

		s.authorized.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]string{"path": r.URL.Path}})
	}))
	t.Cleanup(s.Close)

	return s
}

func newRetryClient(t *testing.T) *retry.Client {
	t.Helper()

	c, err := retry.NewClient()
	require.NoError(t, err)

	return c
}

// harness wires a Pipeline and Coordinator against an apiServer.
type harness struct {
	store *MemoryStore
	coord *Coordinator
	pipe  *Pipeline
	sink  *countingSink
	clock *fakeClock
}

func newHarness(t *testing.T, baseURL string, doer Doer, refresher Refresher, cfg CoordinatorConfig) *harness {
	t.Helper()

	h := &harness{
		store: NewMemoryStore(),
		sink:  &countingSink{},
		clock: newFakeClock(),
	}

	cfg.Store = h.store
	cfg.Refresher = refresher
	cfg.Sink = h.sink
	cfg.Logger = discardLogger()
	h.coord = NewCoordinator(cfg)
	h.coord.now = h.clock.Now
	h.pipe = NewPipeline(baseURL, doer, h.store, h.coord, discardLogger())

	return h
}

// waitForWaiters blocks until n followers are queued on c.
func waitForWaiters(t *testing.T, c *Coordinator, n int) {
	t.Helper()

	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()

		return len(c.waiters) == n
	}, 5*time.Second, time.Millisecond)
}

// flakyStore fails the next failures reads with a transport error.
type flakyStore struct {
	*MemoryStore
	failures atomic.Int32
}

func (s *flakyStore) Get(ctx context.Context) (TokenPair, bool, error) {
	if s.failures.Add(-1) >= 0 {
		return TokenPair{}, false, errors.New("redis: i/o timeout")
	}

	return s.MemoryStore.Get(ctx)
}

// gatedStore holds its first read open until release is closed. The value
// returned is the one stored when the read started.
type gatedStore struct {
	*MemoryStore
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func newGatedStore() *gatedStore {
	return &gatedStore{
		MemoryStore: NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
}

func (s *gatedStore) Get(ctx context.Context) (TokenPair, bool, error) {
	pair, ok, err := s.MemoryStore.Get(ctx)

	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}

	return pair, ok, err
}
