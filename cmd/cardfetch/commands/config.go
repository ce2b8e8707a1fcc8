package commands

import (
	"time"

	"cardfetch/internal/cards"
	"cardfetch/internal/fetcher"
	"cardfetch/internal/session"
	"cardfetch/internal/sitehttp"
)

type Config struct {
	BaseUrl     string            `json:"base_url"`
	Credentials cards.Credentials `json:"credentials"`

	Workers      int `json:"workers"`
	FastAttempts int `json:"fast_attempts"`

	SessionTtlMinutes   int `json:"session_ttl_minutes"`
	LoginAttempts       int `json:"login_attempts"`
	LoginBackoffSeconds int `json:"login_backoff_seconds"`

	RequestTimeoutSeconds int     `json:"request_timeout_seconds"`
	BrowserTimeoutSeconds int     `json:"browser_timeout_seconds"`
	RateLimit             float64 `json:"rate_limit"`

	// ShowBrowser runs chromium with a visible window.
	ShowBrowser    bool `json:"show_browser"`
	InstallBrowser bool `json:"install_browser"`

	Database string `json:"database"`
	// DumpHttp is a directory that receives every request and response
	// when debug logging is on.
	DumpHttp string `json:"dump_http"`
	Debug    bool   `json:"debug"`
}

var defaultConfig = Config{
	Workers:               fetcher.DefaultWorkers,
	FastAttempts:          fetcher.DefaultFastAttempts,
	SessionTtlMinutes:     int(session.DefaultTTL / time.Minute),
	LoginAttempts:         session.DefaultLoginAttempts,
	LoginBackoffSeconds:   int(session.DefaultBackoff / time.Second),
	RequestTimeoutSeconds: int(sitehttp.DefaultTimeout / time.Second),
	BrowserTimeoutSeconds: 60,
	RateLimit:             sitehttp.DefaultRateLimit,
	Database:              "results.db",
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
