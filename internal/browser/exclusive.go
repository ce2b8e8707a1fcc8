package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"cardfetch/internal/cards"
	"cardfetch/internal/components/assert"
	"cardfetch/internal/components/telemetry"
)

const (
	report_exclusive_timeout = "exclusive.timeout"
	report_exclusive_reset   = "exclusive.reset"
)

// Exclusive serializes every operation on an Authenticator through a single
// slot and bounds each one by a timeout. An operation that overruns closes the
// underlying browser so the next one starts from a fresh instance.
type Exclusive struct {
	inner   Authenticator
	slot    chan struct{}
	timeout time.Duration
	tel     telemetry.API

	logins  atomic.Int64
	renders atomic.Int64
	resets  atomic.Int64
}

var _ Authenticator = (*Exclusive)(nil)

func NewExclusive(inner Authenticator, timeout time.Duration, tel telemetry.API) *Exclusive {
	assert.NotNil(inner)
	assert.NotNil(tel)
	assert.Positive(timeout)

	return &Exclusive{
		inner:   inner,
		slot:    make(chan struct{}, 1),
		timeout: timeout,
		tel:     telemetry.NewScopedAPI("browser", tel),
	}
}

func (e *Exclusive) acquire(ctx context.Context) error {
	select {
	case e.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Exclusive) release() {
	<-e.slot
}

type outcome[T any] struct {
	value T
	err   error
}

func bounded[T any](e *Exclusive, ctx context.Context, op string, fn func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		v, err := fn(opCtx)
		done <- outcome[T]{value: v, err: err}
	}()

	var zero T
	select {
	case o := <-done:
		return o.value, o.err
	case <-opCtx.Done():
		e.reset()
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		err := fmt.Errorf("%s exceeded %s: %w", op, e.timeout, ErrTimeout)
		e.tel.ReportWarning(report_exclusive_timeout, err)
		return zero, err
	}
}

// reset closes the browser, an operation stuck on it fails once it is gone.
func (e *Exclusive) reset() {
	e.resets.Add(1)
	err := e.inner.Close()
	if err != nil {
		e.tel.ReportWarning(report_exclusive_reset, err)
	}
}

func (e *Exclusive) Login(ctx context.Context, creds cards.Credentials) (LoginResult, error) {
	err := e.acquire(ctx)
	if err != nil {
		return LoginResult{}, err
	}
	defer e.release()

	e.logins.Add(1)
	return bounded(e, ctx, "login", func(ctx context.Context) (LoginResult, error) {
		return e.inner.Login(ctx, creds)
	})
}

func (e *Exclusive) Render(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error) {
	err := e.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer e.release()

	e.renders.Add(1)
	return bounded(e, ctx, fmt.Sprintf("render %s", id), func(ctx context.Context) (string, error) {
		return e.inner.Render(ctx, id, cookies)
	})
}

func (e *Exclusive) Close() error {
	return e.inner.Close()
}

func (e *Exclusive) Logins() int64 {
	return e.logins.Load()
}

func (e *Exclusive) Renders() int64 {
	return e.renders.Load()
}

func (e *Exclusive) Resets() int64 {
	return e.resets.Load()
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
