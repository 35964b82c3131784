package tui

import (
	"time"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{ ServerURL string }

// MsgTokensFound signals that a stored session was found.
type MsgTokensFound struct{}

// MsgTokensNotFound signals that no session is stored and a login is needed.
type MsgTokensNotFound struct{}

// MsgLoggingIn signals that a login request is in flight.
type MsgLoggingIn struct{ Email string }

// MsgLoginOK signals a successful login.
type MsgLoginOK struct{ User string }

// MsgLoginFailed signals that the login request failed.
type MsgLoginFailed struct{ Err error }

// MsgFetching signals that a dashboard resource is being requested.
type MsgFetching struct{ Path string }

// MsgFetchOK signals that a dashboard resource was loaded.
type MsgFetchOK struct {
	Path  string
	Count int
}

// MsgFetchFailed signals that a dashboard resource could not be loaded.
type MsgFetchFailed struct {
	Path string
	Err  error
}

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshOK signals that the token was refreshed successfully.
type MsgRefreshOK struct{}

// MsgRefreshFailed signals that token refresh failed.
type MsgRefreshFailed struct{ Err error }

// MsgReAuthRequired signals that the session is invalid and the user must log in again.
type MsgReAuthRequired struct{ Err error }

// MsgLoggedOut signals that the session was ended.
type MsgLoggedOut struct{}

// MsgDone signals that the run finished with a usable session.
type MsgDone struct {
	Preview   string
	ExpiresIn time.Duration
}

// MsgFatal signals a fatal error that should terminate the flow.
type MsgFatal struct{ Err error }
