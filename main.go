package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/redis/go-redis/v9"

	tea "charm.land/bubbletea/v2"
	"github.com/go-authgate/storefront-cli/session"
	"github.com/go-authgate/storefront-cli/tokenstore"
	"github.com/go-authgate/storefront-cli/tui"
)

const redisPingTimeout = 5 * time.Second

// app wires the session stack to the CLI flows.
type app struct {
	cfg      *Config
	d        tui.Displayer
	logger   *slog.Logger
	store    sessionStore
	sink     *cliSink
	coord    *session.Coordinator
	pipeline *session.Pipeline
}

// newApp builds the coordinator and pipeline around store. doer carries
// API requests; refreshDoer carries only the refresh call.
func newApp(cfg *Config, d tui.Displayer, logger *slog.Logger, doer, refreshDoer session.Doer, store sessionStore) *app {
	sink := newCLISink(d, logger)

	coord := session.NewCoordinator(session.CoordinatorConfig{
		Store:       store,
		Refresher:   session.NewHTTPRefresher(cfg.ServerURL, refreshDoer),
		Sink:        sink,
		Policy:      cfg.policy(),
		WaitTimeout: cfg.WaitTimeout,
		Logger:      logger,
		OnRefreshStart: func() {
			d.Refreshing()
		},
		OnRefreshDone: func(err error) {
			if err != nil {
				d.RefreshFailed(err)
				return
			}
			d.RefreshOK()
		},
	})

	return &app{
		cfg:      cfg,
		d:        d,
		logger:   logger,
		store:    store,
		sink:     sink,
		coord:    coord,
		pipeline: session.NewPipeline(cfg.ServerURL, doer, store, coord, logger),
	}
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// newLogger returns a text logger on w at the configured level.
func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := parseLogLevel(level)
	if err != nil {
		lvl = slog.LevelWarn
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// httpClients holds the API client and the refresh client. Both share one
// transport and log through the app logger.
type httpClients struct {
	api     *retry.Client
	refresh *retry.Client
}

// newHTTPClients builds the retrying API client and the refresh client.
// The refresh client never retries, so each counted refresh is one request
// on the wire.
func newHTTPClients(logger *slog.Logger) (*httpClients, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			DisableKeepAlives:   false,
		},
	}
	retryLogger := retry.WithLogger(retry.NewSlogAdapter(logger))

	// Wrap with retry logic using go-httpretry
	api, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
		retryLogger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	refresh, err := retry.NewClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(0),
		retry.WithRetryableChecker(func(error, *http.Response) bool { return false }),
		retryLogger,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create refresh client: %w", err)
	}

	return &httpClients{api: api, refresh: refresh}, nil
}

// openStore returns the Redis store when REDIS_ADDR is set and the token
// file otherwise. Sessions are keyed by server URL so one file or Redis
// instance can hold several storefronts.
func openStore(ctx context.Context, cfg *Config) (sessionStore, func() error, error) {
	if cfg.RedisAddr == "" {
		return tokenstore.NewFileStore(cfg.TokenFile, cfg.ServerURL), func() error { return nil }, nil
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})

	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("connecting to redis at %s: %w", cfg.RedisAddr, err)
	}

	return tokenstore.NewRedisStore(rdb, cfg.ServerURL, cfg.RedisSessionTTL), rdb.Close, nil
}

func main() {
	cfg, err := loadConfig(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	cfg.warnInsecure(os.Stderr)

	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		// stderr belongs to the TUI; log lines would tear the frame.
		logger := newLogger(io.Discard, cfg.LogLevel)

		d := tui.NewProgramDisplayer(p)
		d.Banner(cfg.ServerURL)
		runErr := run(cfg, d, logger)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
		if runErr != nil {
			os.Exit(1)
		}
	} else {
		logger := newLogger(os.Stderr, cfg.LogLevel)

		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner(cfg.ServerURL)
		if err := run(cfg, d, logger); err != nil {
			os.Exit(1)
		}
	}
}

func run(cfg *Config, d tui.Displayer, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := newHTTPClients(logger)
	if err != nil {
		d.Fatal(err)
		return err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			logger.Warn("closing session store failed", slog.String("error", err.Error()))
		}
	}()

	a := newApp(cfg, d, logger, clients.api, clients.refresh, store)
	if err := a.run(ctx); err != nil {
		d.Fatal(err)
		return err
	}

	return nil
}

// run logs in when needed, loads the dashboard and, if the session turns
// out to be unrecoverable mid-way, logs in once more and retries.
func (a *app) run(ctx context.Context) error {
	if a.cfg.Logout {
		return a.logout(ctx)
	}

	pair, ok, err := a.store.Get(ctx)
	if err != nil {
		a.logger.Warn("reading stored session failed", slog.String("error", err.Error()))
	}

	if ok && pair.AccessToken != "" {
		a.d.TokensFound()
	} else {
		a.d.TokensNotFound()
		if err := a.login(ctx); err != nil {
			a.d.LoginFailed(err)
			return err
		}
	}

	_, err = a.fetchDashboard(ctx)
	if errors.Is(err, session.ErrSessionInvalid) && a.sink.takeRelogin() {
		if err := a.login(ctx); err != nil {
			a.d.LoginFailed(err)
			return err
		}
		_, err = a.fetchDashboard(ctx)
	}
	if err != nil {
		return err
	}

	a.done(ctx)
	return nil
}

// done reports the session the run finished with.
func (a *app) done(ctx context.Context) {
	pair, ok, err := a.store.Get(ctx)
	if err != nil || !ok {
		return
	}

	tokenPreview := pair.AccessToken
	if len(tokenPreview) > 50 {
		tokenPreview = tokenPreview[:50]
	}

	var expiresIn time.Duration
	if exp, ok := pair.Expiry(); ok {
		expiresIn = time.Until(exp).Round(time.Second)
	}

	a.d.Done(tokenPreview, expiresIn)
}
