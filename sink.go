package main

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/go-authgate/storefront-cli/tui"
)

// cliSink turns an invalid session into a re-login. The coordinator has
// already cleared the store by the time it is called; the sink reports the
// event once and raises the flag the run loop consumes.
type cliSink struct {
	d       tui.Displayer
	logger  *slog.Logger
	relogin atomic.Bool
}

func newCLISink(d tui.Displayer, logger *slog.Logger) *cliSink {
	return &cliSink{d: d, logger: logger}
}

func (s *cliSink) OnSessionInvalid(_ context.Context, err error) {
	s.logger.Info("session invalidated", slog.String("reason", err.Error()))

	// Several concurrent requests can fail in one cycle; tell the user once.
	if s.relogin.CompareAndSwap(false, true) {
		s.d.ReAuthRequired(err)
	}
}

// takeRelogin reports whether a re-login was requested and resets the flag.
func (s *cliSink) takeRelogin() bool {
	return s.relogin.Swap(false)
}
