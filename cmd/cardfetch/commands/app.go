package commands

import (
	"fmt"
	"time"

	"cardfetch/internal/browser"
	"cardfetch/internal/components/chrono"
	"cardfetch/internal/components/telemetry"
	"cardfetch/internal/discovery"
	"cardfetch/internal/engine"
	"cardfetch/internal/fetcher"
	"cardfetch/internal/session"
	"cardfetch/internal/sitehttp"
	"cardfetch/lib/restyutil"
)

type app struct {
	engine  engine.Engine
	browser *browser.Exclusive
}

func newApp(cfg Config, limit int) (app, error) {
	if cfg.BaseUrl == "" {
		return app{}, fmt.Errorf("base_url is not configured")
	}
	if cfg.Credentials.Username == "" {
		return app{}, fmt.Errorf("credentials are not configured")
	}

	tel := telemetry.SlogAPI{}
	clock := chrono.NewStandardImpl()

	var dump restyutil.InstrumentOutput
	if cfg.DumpHttp != "" {
		out, err := restyutil.NewFilesystemOutput(cfg.DumpHttp)
		if err != nil {
			return app{}, fmt.Errorf("http dump output: %w", err)
		}
		dump = out
	}

	site, err := sitehttp.New(sitehttp.Options{
		BaseUrl:    cfg.BaseUrl,
		Timeout:    seconds(cfg.RequestTimeoutSeconds),
		RateLimit:  cfg.RateLimit,
		DumpOutput: dump,
	}, tel)
	if err != nil {
		return app{}, err
	}

	pw, err := browser.NewPlaywright(browser.PlaywrightOptions{
		BaseUrl:  cfg.BaseUrl,
		Headless: !cfg.ShowBrowser,
		Timeout:  seconds(cfg.BrowserTimeoutSeconds),
		Install:  cfg.InstallBrowser,
	}, tel)
	if err != nil {
		return app{}, err
	}
	exclusive := browser.NewExclusive(pw, seconds(cfg.BrowserTimeoutSeconds), tel)

	sessions := session.NewManager(exclusive, clock, tel, session.Options{
		Credentials:   cfg.Credentials,
		TTL:           time.Duration(cfg.SessionTtlMinutes) * time.Minute,
		LoginAttempts: cfg.LoginAttempts,
		Backoff:       seconds(cfg.LoginBackoffSeconds),
	})
	fetch := fetcher.New(site, sessions, exclusive, clock, tel, fetcher.Options{
		Workers:      cfg.Workers,
		FastAttempts: cfg.FastAttempts,
	})

	return app{
		engine: engine.New(
			sessions,
			discovery.NewClient(site, sessions, tel),
			fetch,
			exclusive,
			clock,
			tel,
			engine.Options{BaseUrl: site.BaseUrl, Limit: limit},
		),
		browser: exclusive,
	}, nil
}

func (a app) Close() error {
	return a.browser.Close()
}
