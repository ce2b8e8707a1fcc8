// Package session owns the authenticated session shared by every worker of a
// scrape and refreshes it when it expires.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cardfetch/internal/browser"
	"cardfetch/internal/cards"
	"cardfetch/internal/components/assert"
	"cardfetch/internal/components/chrono"
	"cardfetch/internal/components/telemetry"

	"golang.org/x/sync/singleflight"
)

const (
	report_session_login   = "session.login"
	report_session_refresh = "session.refresh"
	report_session_discard = "session.discard"
)

const (
	DefaultTTL           = 30 * time.Minute
	DefaultLoginAttempts = 3
	DefaultBackoff       = 2 * time.Second
	DefaultLoginTimeout  = 2 * time.Minute
)

type Options struct {
	Credentials   cards.Credentials
	TTL           time.Duration
	LoginAttempts int
	// Backoff is multiplied by the attempt number before each retry, zero
	// retries immediately.
	Backoff time.Duration
	// LoginTimeout bounds a whole refresh including retries. The refresh is
	// not tied to the caller that started it.
	LoginTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.TTL <= 0 {
		o.TTL = DefaultTTL
	}
	if o.LoginAttempts <= 0 {
		o.LoginAttempts = DefaultLoginAttempts
	}
	if o.Backoff < 0 {
		o.Backoff = 0
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = DefaultLoginTimeout
	}
	return o
}

type Manager struct {
	auth  browser.Authenticator
	clock chrono.API
	tel   telemetry.API
	opts  Options

	mu         sync.RWMutex
	current    cards.Session
	generation uint64

	flight    singleflight.Group
	refreshes atomic.Int64
}

func NewManager(auth browser.Authenticator, clock chrono.API, tel telemetry.API, opts Options) *Manager {
	assert.NotNil(auth)
	assert.NotNil(clock)
	assert.NotNil(tel)

	return &Manager{
		auth:  auth,
		clock: clock,
		tel:   telemetry.NewScopedAPI("session", tel),
		opts:  opts.withDefaults(),
	}
}

func (m *Manager) snapshot() cards.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Clone()
}

// Current returns a copy of the session as it is now, fresh or not.
func (m *Manager) Current() cards.Session {
	return m.snapshot()
}

// EnsureFresh returns the current session if it is still fresh, otherwise it
// logs in again. Concurrent callers share a single login. A caller whose ctx
// ends stops waiting, the login itself carries on for the others.
func (m *Manager) EnsureFresh(ctx context.Context) (cards.Session, error) {
	sess := m.snapshot()
	if !sess.Stale(m.clock.Now()) {
		return sess, nil
	}

	ch := m.flight.DoChan("refresh", func() (any, error) {
		// another flight may have finished between the check above and here
		sess := m.snapshot()
		if !sess.Stale(m.clock.Now()) {
			return sess, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.LoginTimeout)
		defer cancel()
		return m.login(loginCtx)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return cards.Session{}, res.Err
		}
		if res.Shared {
			m.tel.ReportDebug("shared refresh result")
		}
		return res.Val.(cards.Session).Clone(), nil
	case <-ctx.Done():
		return cards.Session{}, ctx.Err()
	}
}

func (m *Manager) login(ctx context.Context) (cards.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= m.opts.LoginAttempts; attempt++ {
		if attempt > 1 {
			wait := m.opts.Backoff * time.Duration(attempt-1)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				lastErr = ctx.Err()
				return cards.Session{}, &cards.AuthError{Attempts: attempt - 1, Err: lastErr}
			}
		}

		res, err := m.auth.Login(ctx, m.opts.Credentials)
		if err == nil && len(res.Cookies) == 0 {
			err = fmt.Errorf("login returned no cookies: %w", cards.ErrLoginFailed)
		}
		if err != nil {
			lastErr = err
			m.tel.ReportWarning(report_session_login, fmt.Errorf("attempt %d: %w", attempt, err))
			if ctx.Err() != nil {
				return cards.Session{}, &cards.AuthError{Attempts: attempt, Err: err}
			}
			continue
		}

		m.mu.Lock()
		m.generation++
		m.current = cards.Session{
			Authenticated: true,
			Cookies:       res.Cookies,
			EstablishedAt: m.clock.Now(),
			TTL:           m.opts.TTL,
			Generation:    m.generation,
		}
		sess := m.current.Clone()
		m.mu.Unlock()

		m.tel.ReportCount(report_session_refresh, m.refreshes.Add(1))
		m.tel.ReportDebug("established session", sess.Generation, attempt)
		return sess, nil
	}

	err := &cards.AuthError{Attempts: m.opts.LoginAttempts, Err: lastErr}
	m.tel.ReportBroken(report_session_login, err)
	return cards.Session{}, err
}

// MarkInvalid forces the next EnsureFresh to log in again.
func (m *Manager) MarkInvalid() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current.Authenticated = false
}

// MarkInvalidFor invalidates the session only if observed is still the
// current one. It reports whether it did.
func (m *Manager) MarkInvalidFor(observed cards.Session) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.current.Authenticated || observed.Generation != m.current.Generation {
		return false
	}
	m.current.Authenticated = false
	return true
}

// Discard drops the session and its cookies entirely.
func (m *Manager) Discard() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = cards.Session{}
	m.tel.ReportDebug(report_session_discard, m.generation)
}

// Refreshes is the number of successful logins so far.
func (m *Manager) Refreshes() int64 {
	return m.refreshes.Load()
}

func IsAuthError(err error) bool {
	var authErr *cards.AuthError
	return errors.As(err, &authErr)
}
