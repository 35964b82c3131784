package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-authgate/storefront-cli/session"
)

const (
	loginPath  = "/auth/login"
	logoutPath = "/auth/logout"
)

var (
	// ErrMissingCredentials means no email or password was configured.
	ErrMissingCredentials = errors.New("EMAIL and PASSWORD must be set to log in")
	// ErrInvalidCredentials means the server refused the email/password pair.
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// sessionStore is a TokenStore that also keeps the logged-in user.
type sessionStore interface {
	session.TokenStore
	SetUser(ctx context.Context, user json.RawMessage) error
	User(ctx context.Context) (json.RawMessage, error)
}

type loginResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Data    struct {
		AccessToken  string          `json:"accessToken"`
		RefreshToken string          `json:"refreshToken"`
		User         json.RawMessage `json:"user"`
	} `json:"data"`
}

// userSummary picks a display name out of the stored user.
func userSummary(raw json.RawMessage) string {
	var u struct {
		Name  string `json:"name"`
		Email string `json:"email"`
		Role  string `json:"role"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &u) != nil {
		return ""
	}

	name := u.Name
	if name == "" {
		name = u.Email
	}
	if u.Role != "" && name != "" {
		name += " [" + u.Role + "]"
	}

	return name
}

// login exchanges credentials for a token pair and stores it with the user.
// A 401 here means bad credentials, so the request never enters the
// refresh cycle.
func (a *app) login(ctx context.Context) error {
	if a.cfg.Email == "" || a.cfg.Password == "" {
		return ErrMissingCredentials
	}

	a.d.LoggingIn(a.cfg.Email)

	req, err := session.NewJSONRequest(http.MethodPost, loginPath, map[string]string{
		"email":    a.cfg.Email,
		"password": a.cfg.Password,
	})
	if err != nil {
		return err
	}
	req.SkipRefresh = true

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	var resp loginResponse
	if err := a.pipeline.ExecuteJSON(reqCtx, req, &resp); err != nil {
		if errors.Is(err, session.ErrAuthExpired) {
			return fmt.Errorf("%w: %w", ErrInvalidCredentials, err)
		}
		return fmt.Errorf("login request failed: %w", err)
	}
	if !resp.Success {
		return fmt.Errorf("login rejected: %s", resp.Message)
	}
	if resp.Data.AccessToken == "" {
		return errors.New("login response has empty accessToken")
	}

	pair := session.TokenPair{
		AccessToken:  resp.Data.AccessToken,
		RefreshToken: resp.Data.RefreshToken,
	}
	if err := a.store.Set(ctx, pair); err != nil {
		return fmt.Errorf("saving session: %w", err)
	}
	if len(resp.Data.User) > 0 {
		if err := a.store.SetUser(ctx, resp.Data.User); err != nil {
			a.logger.Warn("saving user failed", slog.String("error", err.Error()))
		}
	}

	a.d.LoginOK(userSummary(resp.Data.User))
	return nil
}

// logout tells the server the session ended and clears it locally. The
// server call is best effort; the local session is cleared either way.
func (a *app) logout(ctx context.Context) error {
	req := session.NewRequest(http.MethodPost, logoutPath, nil)
	req.SkipRefresh = true

	reqCtx, cancel := context.WithTimeout(ctx, a.cfg.RequestTimeout)
	defer cancel()

	if err := a.pipeline.ExecuteJSON(reqCtx, req, nil); err != nil {
		a.logger.Warn("server logout failed", slog.String("error", err.Error()))
	}

	if err := a.store.Clear(ctx); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}

	a.d.LoggedOut()
	return nil
}
