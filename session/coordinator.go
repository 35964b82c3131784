package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Timeout defaults.
const (
	DefaultRefreshTimeout = 10 * time.Second
	DefaultWaitTimeout    = 30 * time.Second
)

// State is the coordinator's refresh state.
type State int

const (
	StateIdle State = iota
	StateRefreshing
	StateCooldownBlocked
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRefreshing:
		return "refreshing"
	case StateCooldownBlocked:
		return "cooldown-blocked"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// CoordinatorConfig configures a Coordinator. Store and Refresher are required.
type CoordinatorConfig struct {
	Store     TokenStore
	Refresher Refresher
	Sink      Sink
	Policy    Policy

	// RefreshTimeout bounds the refresh call. The call is detached from the
	// triggering caller's context so one canceled caller cannot fail the
	// whole cycle.
	RefreshTimeout time.Duration
	// WaitTimeout bounds how long a follower waits for the leader.
	WaitTimeout time.Duration

	Logger *slog.Logger

	// OnRefreshStart and OnRefreshDone are called by the leader around the
	// refresh call. Optional.
	OnRefreshStart func()
	OnRefreshDone  func(err error)
}

type outcome struct {
	token string
	err   error
}

// waiter is a follower blocked on the in-flight refresh.
type waiter struct {
	requestID string
	method    string
	path      string
	done      chan outcome
}

// Coordinator serializes token refresh. The first caller to report a 401
// while no refresh is running becomes the leader and calls the refresh
// endpoint; callers arriving while that call is outstanding queue behind it
// and are released in arrival order with its result.
type Coordinator struct {
	store          TokenStore
	refresher      Refresher
	sink           Sink
	policy         Policy
	refreshTimeout time.Duration
	waitTimeout    time.Duration
	logger         *slog.Logger
	onRefreshStart func()
	onRefreshDone  func(err error)

	// now is replaced in tests.
	now func() time.Time
	// released, when set, observes each waiter as it is released.
	released func(requestID string)

	mu            sync.Mutex
	inProgress    bool
	attempts      int
	lastAttemptAt time.Time
	waiters       []*waiter

	// gen counts settled cycles.
	gen uint64
	// blockedErr is the error handed to callers blocked in the current
	// cooldown window; nil until the first one is.
	blockedErr *SessionError
}

// NewCoordinator creates a Coordinator in the idle state.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	if cfg.Sink == nil {
		cfg.Sink = NopSink{}
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Coordinator{
		store:          cfg.Store,
		refresher:      cfg.Refresher,
		sink:           cfg.Sink,
		policy:         cfg.Policy.withDefaults(),
		refreshTimeout: cfg.RefreshTimeout,
		waitTimeout:    cfg.WaitTimeout,
		logger:         cfg.Logger,
		onRefreshStart: cfg.OnRefreshStart,
		onRefreshDone:  cfg.OnRefreshDone,
		now:            time.Now,
	}
}

// State reports the current refresh state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.inProgress:
		return StateRefreshing
	case c.policy.attemptsExhausted(c.attempts) && c.policy.withinCooldown(c.lastAttemptAt, c.now()):
		return StateCooldownBlocked
	default:
		return StateIdle
	}
}

// Attempts returns the number of refresh calls since the last success or
// cooldown reset.
func (c *Coordinator) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.attempts
}

// HandleUnauthorized is called when req was answered with 401 while
// carrying staleToken ("" when it was sent without one). It returns the
// access token to replay req with, or a *SessionError when the session
// cannot be recovered. A *NetworkError is returned, and the session left
// alone, if the store cannot be read or the in-flight refresh does not
// settle within the wait timeout.
func (c *Coordinator) HandleUnauthorized(ctx context.Context, req *Request, staleToken string) (string, error) {
	for {
		c.mu.Lock()
		if c.inProgress {
			return c.follow(ctx, req)
		}
		gen := c.gen
		c.mu.Unlock()

		// The store may be remote, so it is read without holding c.mu.
		current, ok, err := c.store.Get(ctx)
		if err != nil {
			c.logger.Warn("reading stored tokens failed",
				slog.String("request_id", req.ID),
				slog.String("error", err.Error()),
			)

			return "", &NetworkError{Method: req.Method, Path: req.Path, Err: fmt.Errorf("reading stored tokens: %w", err)}
		}

		c.mu.Lock()
		if c.inProgress || c.gen != gen {
			// A cycle started or settled during the read.
			c.mu.Unlock()

			continue
		}

		return c.decide(ctx, req, staleToken, current, ok)
	}
}

// follow queues req behind the in-flight refresh. Called with c.mu held;
// it releases it.
func (c *Coordinator) follow(ctx context.Context, req *Request) (string, error) {
	w := &waiter{
		requestID: req.ID,
		method:    req.Method,
		path:      req.Path,
		done:      make(chan outcome, 1),
	}
	c.waiters = append(c.waiters, w)
	queued := len(c.waiters)
	c.mu.Unlock()

	c.logger.Debug("waiting for token refresh",
		slog.String("request_id", req.ID),
		slog.Int("position", queued),
	)

	return c.wait(ctx, w)
}

// decide picks between the stored token, a terminal failure and a new
// refresh cycle. Called with c.mu held; it releases it.
func (c *Coordinator) decide(ctx context.Context, req *Request, staleToken string, current TokenPair, ok bool) (string, error) {
	if ok && current.AccessToken != "" && current.AccessToken != staleToken {
		// A refresh completed after req was sent.
		c.mu.Unlock()

		return current.AccessToken, nil
	}

	now := c.now()
	if c.policy.attemptsExhausted(c.attempts) {
		if c.policy.withinCooldown(c.lastAttemptAt, now) {
			return c.block(ctx, req, now)
		}

		c.attempts = 0
		c.blockedErr = nil
	}

	if !ok || current.RefreshToken == "" {
		c.mu.Unlock()

		return "", c.terminate(ctx, &SessionError{Reason: ErrRefreshRejected, Err: ErrNoRefreshToken})
	}

	c.inProgress = true
	c.attempts++
	c.lastAttemptAt = now
	attempt := c.attempts
	c.mu.Unlock()

	return c.lead(ctx, req, current.RefreshToken, attempt)
}

// block fails req without a network call. Only the first blocked caller in
// a cooldown window clears the store and notifies the sink; later ones get
// the same error. Called with c.mu held; it releases it.
func (c *Coordinator) block(ctx context.Context, req *Request, now time.Time) (string, error) {
	attempts, last := c.attempts, c.lastAttemptAt
	termErr := c.blockedErr
	first := termErr == nil
	if first {
		termErr = &SessionError{Reason: ErrCooldownBlocked}
		c.blockedErr = termErr
	}
	c.mu.Unlock()

	c.logger.Warn("token refresh blocked by cooldown",
		slog.String("request_id", req.ID),
		slog.Int("attempts", attempts),
		slog.Duration("retry_after", c.policy.Cooldown-now.Sub(last)),
	)

	if !first {
		return "", termErr
	}

	return "", c.terminate(ctx, termErr)
}

// lead performs the refresh call and settles the cycle.
func (c *Coordinator) lead(ctx context.Context, req *Request, refreshToken string, attempt int) (string, error) {
	c.logger.Info("refreshing access token",
		slog.String("request_id", req.ID),
		slog.Int("attempt", attempt),
	)

	if c.onRefreshStart != nil {
		c.onRefreshStart()
	}

	pair, err := c.refresh(ctx, refreshToken)

	if c.onRefreshDone != nil {
		c.onRefreshDone(err)
	}

	if err != nil {
		c.logger.Warn("token refresh failed",
			slog.String("request_id", req.ID),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)

		return "", c.fail(ctx, &SessionError{Reason: ErrRefreshRejected, Err: err})
	}

	c.mu.Lock()
	c.attempts = 0
	c.lastAttemptAt = c.now()
	waiters := c.settle()
	c.mu.Unlock()

	c.logger.Info("access token refreshed",
		slog.String("request_id", req.ID),
		slog.Int("waiters", len(waiters)),
	)

	c.release(waiters, outcome{token: pair.AccessToken})

	return pair.AccessToken, nil
}

func (c *Coordinator) refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.refreshTimeout)
	defer cancel()

	pair, err := c.refresher.Refresh(ctx, refreshToken)
	if err != nil {
		return TokenPair{}, err
	}

	// The server may keep the refresh token fixed and omit it.
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}

	if err := c.store.Set(ctx, pair); err != nil {
		return TokenPair{}, fmt.Errorf("storing refreshed tokens: %w", err)
	}

	return pair, nil
}

// fail settles a failed cycle: the store is cleared before the cycle ends
// so no caller can pick up the rejected tokens.
func (c *Coordinator) fail(ctx context.Context, termErr *SessionError) error {
	ctx = context.WithoutCancel(ctx)
	c.clearStore(ctx)

	c.mu.Lock()
	waiters := c.settle()
	c.mu.Unlock()

	c.release(waiters, outcome{err: termErr})
	c.sink.OnSessionInvalid(ctx, termErr)

	return termErr
}

// settle ends the current cycle and returns its waiters. Callers hold c.mu.
func (c *Coordinator) settle() []*waiter {
	waiters := c.waiters
	c.waiters = nil
	c.inProgress = false
	c.blockedErr = nil
	c.gen++

	return waiters
}

// terminate handles a terminal failure outside of a refresh cycle.
func (c *Coordinator) terminate(ctx context.Context, termErr *SessionError) error {
	ctx = context.WithoutCancel(ctx)
	c.clearStore(ctx)
	c.sink.OnSessionInvalid(ctx, termErr)

	return termErr
}

func (c *Coordinator) clearStore(ctx context.Context) {
	if err := c.store.Clear(ctx); err != nil {
		c.logger.Error("clearing stored tokens failed", slog.String("error", err.Error()))
	}
}

// release hands out to waiters in queue order. done is buffered, so a
// waiter that already gave up does not block the loop.
func (c *Coordinator) release(waiters []*waiter, out outcome) {
	for _, w := range waiters {
		if c.released != nil {
			c.released(w.requestID)
		}
		w.done <- out
	}
}

func (c *Coordinator) wait(ctx context.Context, w *waiter) (string, error) {
	timer := time.NewTimer(c.waitTimeout)
	defer timer.Stop()

	select {
	case out := <-w.done:
		return out.token, out.err
	case <-ctx.Done():
		return "", &NetworkError{Method: w.method, Path: w.path, Err: ctx.Err()}
	case <-timer.C:
		c.logger.Warn("gave up waiting for token refresh",
			slog.String("request_id", w.requestID),
			slog.Duration("timeout", c.waitTimeout),
		)

		return "", &NetworkError{Method: w.method, Path: w.path, Err: ErrWaitTimeout}
	}
}
