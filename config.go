package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/go-authgate/storefront-cli/session"
)

// Config is the CLI configuration. Priority: flag > env > default.
type Config struct {
	ServerURL string `env:"SERVER_URL" envDefault:"http://localhost:8080"`
	TokenFile string `env:"TOKEN_FILE" envDefault:".storefront-tokens.json"`
	Email     string `env:"EMAIL"`
	Password  string `env:"PASSWORD"`

	// RedisAddr switches session storage from the token file to Redis.
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisSessionTTL time.Duration `env:"REDIS_SESSION_TTL" envDefault:"168h"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"warn"`

	MaxRefreshAttempts int           `env:"MAX_REFRESH_ATTEMPTS" envDefault:"3"`
	RefreshCooldown    time.Duration `env:"REFRESH_COOLDOWN" envDefault:"60s"`
	WaitTimeout        time.Duration `env:"WAIT_TIMEOUT" envDefault:"30s"`
	RequestTimeout     time.Duration `env:"REQUEST_TIMEOUT" envDefault:"15s"`

	// Logout ends the stored session instead of loading the dashboard.
	Logout bool
}

// loadConfig reads .env (if present), the environment and then args.
// Flags default to the environment values, so a flag only wins when given.
func loadConfig(args []string, stderr io.Writer) (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	fs := flag.NewFlagSet("storefront", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "Storefront API URL (or SERVER_URL env)")
	fs.StringVar(&cfg.TokenFile, "token-file", cfg.TokenFile, "Session storage file (or TOKEN_FILE env)")
	fs.StringVar(&cfg.Email, "email", cfg.Email, "Admin email used to log in (or EMAIL env)")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Store the session in Redis at this address (or REDIS_ADDR env)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (or LOG_LEVEL env)")
	fs.IntVar(&cfg.MaxRefreshAttempts, "max-refresh-attempts", cfg.MaxRefreshAttempts, "Refresh attempts allowed per cooldown window")
	fs.DurationVar(&cfg.RefreshCooldown, "refresh-cooldown", cfg.RefreshCooldown, "Cooldown window after the last refresh attempt")
	fs.DurationVar(&cfg.WaitTimeout, "wait-timeout", cfg.WaitTimeout, "How long a request waits for an in-flight refresh")
	fs.DurationVar(&cfg.RequestTimeout, "request-timeout", cfg.RequestTimeout, "Timeout for a single API request")
	fs.BoolVar(&cfg.Logout, "logout", false, "Log out and clear the stored session")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// warnInsecure prints the plaintext warning for http:// servers.
func (c *Config) warnInsecure(w io.Writer) {
	if !strings.HasPrefix(strings.ToLower(c.ServerURL), "http://") {
		return
	}
	fmt.Fprintln(
		w,
		"⚠️  WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
	)
	fmt.Fprintln(
		w,
		"⚠️  This is only safe for local development. Use HTTPS in production.",
	)
	fmt.Fprintln(w)
}

// policy returns the refresh policy; zero values fall back to the defaults.
func (c *Config) policy() session.Policy {
	return session.Policy{
		MaxAttempts: c.MaxRefreshAttempts,
		Cooldown:    c.RefreshCooldown,
	}
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

func parseLogLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid LOG_LEVEL %q: %w", s, err)
	}

	return level, nil
}
