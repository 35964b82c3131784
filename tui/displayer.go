package tui

import (
	"fmt"
	"io"
	"sync"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Displayer abstracts all output from the session flow. Implementations
// must be safe for concurrent use: dashboard fetches and refresh hooks
// report from several goroutines.
type Displayer interface {
	Banner(serverURL string)
	TokensFound()
	TokensNotFound()
	LoggingIn(email string)
	LoginOK(user string)
	LoginFailed(err error)
	Fetching(path string)
	FetchOK(path string, count int)
	FetchFailed(path string, err error)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	ReAuthRequired(err error)
	LoggedOut()
	Done(preview string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *PlainDisplayer) Banner(serverURL string) {
	p.printf("=== Storefront Admin CLI (%s) ===\n\n", serverURL)
}

func (p *PlainDisplayer) TokensFound() {
	p.printf("Found existing session!\n")
}

func (p *PlainDisplayer) TokensNotFound() {
	p.printf("No existing session found, logging in...\n")
}

func (p *PlainDisplayer) LoggingIn(email string) {
	p.printf("Logging in as %s...\n", email)
}

func (p *PlainDisplayer) LoginOK(user string) {
	if user != "" {
		p.printf("Login successful! User: %s\n", user)
		return
	}
	p.printf("Login successful!\n")
}

func (p *PlainDisplayer) LoginFailed(err error) {
	p.printf("Login failed: %v\n", err)
}

func (p *PlainDisplayer) Fetching(path string) {
	p.printf("Fetching %s...\n", path)
}

func (p *PlainDisplayer) FetchOK(path string, count int) {
	p.printf("%s: %d item(s)\n", path, count)
}

func (p *PlainDisplayer) FetchFailed(path string, err error) {
	p.printf("%s failed: %v\n", path, err)
}

func (p *PlainDisplayer) Refreshing() {
	p.printf("Access token rejected (401), refreshing...\n")
}

func (p *PlainDisplayer) RefreshOK() {
	p.printf("Token refreshed successfully!\n")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	p.printf("Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) ReAuthRequired(err error) {
	p.printf("Session expired (%v), please log in again...\n", err)
}

func (p *PlainDisplayer) LoggedOut() {
	p.printf("Logged out.\n")
}

func (p *PlainDisplayer) Done(preview string, expiresIn time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintln(p.w, "Current Session:")
	fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	if expiresIn > 0 {
		fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	} else {
		fmt.Fprintln(p.w, "Expires In: unknown")
	}
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	p.printf("Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                {}
func (NoopDisplayer) TokensFound()                   {}
func (NoopDisplayer) TokensNotFound()                {}
func (NoopDisplayer) LoggingIn(_ string)             {}
func (NoopDisplayer) LoginOK(_ string)               {}
func (NoopDisplayer) LoginFailed(_ error)            {}
func (NoopDisplayer) Fetching(_ string)              {}
func (NoopDisplayer) FetchOK(_ string, _ int)        {}
func (NoopDisplayer) FetchFailed(_ string, _ error)  {}
func (NoopDisplayer) Refreshing()                    {}
func (NoopDisplayer) RefreshOK()                     {}
func (NoopDisplayer) RefreshFailed(_ error)          {}
func (NoopDisplayer) ReAuthRequired(_ error)         {}
func (NoopDisplayer) LoggedOut()                     {}
func (NoopDisplayer) Done(_ string, _ time.Duration) {}
func (NoopDisplayer) Fatal(_ error)                  {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(serverURL string) {
	t.p.Send(MsgBanner{ServerURL: serverURL})
}

func (t *ProgramDisplayer) TokensFound() {
	t.p.Send(MsgTokensFound{})
}

func (t *ProgramDisplayer) TokensNotFound() {
	t.p.Send(MsgTokensNotFound{})
}

func (t *ProgramDisplayer) LoggingIn(email string) {
	t.p.Send(MsgLoggingIn{Email: email})
}

func (t *ProgramDisplayer) LoginOK(user string) {
	t.p.Send(MsgLoginOK{User: user})
}

func (t *ProgramDisplayer) LoginFailed(err error) {
	t.p.Send(MsgLoginFailed{Err: err})
}

func (t *ProgramDisplayer) Fetching(path string) {
	t.p.Send(MsgFetching{Path: path})
}

func (t *ProgramDisplayer) FetchOK(path string, count int) {
	t.p.Send(MsgFetchOK{Path: path, Count: count})
}

func (t *ProgramDisplayer) FetchFailed(path string, err error) {
	t.p.Send(MsgFetchFailed{Path: path, Err: err})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) ReAuthRequired(err error) {
	t.p.Send(MsgReAuthRequired{Err: err})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) Done(preview string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
