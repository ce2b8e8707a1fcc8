// Package fetcher pulls cards through the http fast path with a pool of
// workers, refreshing the session when it expires and falling back to a
// browser render when the fast path cannot produce usable content.
package fetcher

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"cardfetch/internal/cards"
	"cardfetch/internal/components/assert"
	"cardfetch/internal/components/chrono"
	"cardfetch/internal/components/telemetry"
	"cardfetch/internal/sitehttp"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var tracer = otel.Tracer("cardfetch.fetcher")
var meter = otel.Meter("cardfetch.fetcher")
var resultCounter, _ = meter.Int64Counter(
	"cardfetch.fetcher.results",
	metric.WithDescription("final fetch results by status and source"),
)

const (
	report_fetcher_fetch_all = "fetcher.fetch-all"
	report_fetcher_fastpath  = "fetcher.fastpath"
	report_fetcher_slowpath  = "fetcher.slowpath"
	report_fetcher_terminal  = "fetcher.terminal"
	report_fetcher_abort     = "fetcher.abort"
)

const (
	DefaultWorkers      = 10
	MaxWorkers          = 20
	DefaultFastAttempts = 2
)

type Sessions interface {
	EnsureFresh(ctx context.Context) (cards.Session, error)
	MarkInvalidFor(observed cards.Session) bool
}

// Renderer produces the DOM of a card page as a browser shows it.
type Renderer interface {
	Render(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error)
}

type Options struct {
	// Workers is clamped to 1..MaxWorkers, zero means DefaultWorkers.
	Workers int
	// FastAttempts is the fast path budget of an item, an auth retry does
	// not count against it.
	FastAttempts int
	Classifier   Classifier
	// OnAttempt sees the result of every single attempt, it is called from
	// worker goroutines.
	OnAttempt func(cards.FetchResult)
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.Workers > MaxWorkers {
		o.Workers = MaxWorkers
	}
	if o.FastAttempts <= 0 {
		o.FastAttempts = DefaultFastAttempts
	}
	if o.Classifier == nil {
		o.Classifier = DefaultClassifier
	}
	return o
}

type Fetcher struct {
	site     sitehttp.Client
	sessions Sessions
	renderer Renderer
	clock    chrono.API
	tel      telemetry.API
	opts     Options
}

func New(site sitehttp.Client, sessions Sessions, renderer Renderer, clock chrono.API, tel telemetry.API, opts Options) *Fetcher {
	assert.NotNil(site.Http)
	assert.NotNil(sessions)
	assert.NotNil(renderer)
	assert.NotNil(clock)
	assert.NotNil(tel)

	return &Fetcher{
		site:     site,
		sessions: sessions,
		renderer: renderer,
		clock:    clock,
		tel:      telemetry.NewScopedAPI("fetcher", tel),
		opts:     opts.withDefaults(),
	}
}

func (f *Fetcher) Workers() int {
	return f.opts.Workers
}

// worker keeps the session it last saw, it only goes back to the session
// manager when that session is stale or was rejected by the site.
type worker struct {
	f       *Fetcher
	current cards.Session
}

func (w *worker) session(ctx context.Context) (cards.Session, error) {
	if !w.current.Stale(w.f.clock.Now()) {
		return w.current, nil
	}
	sess, err := w.f.sessions.EnsureFresh(ctx)
	if err != nil {
		return cards.Session{}, err
	}
	w.current = sess
	return sess, nil
}

func (w *worker) refresh(ctx context.Context, observed cards.Session) error {
	w.f.sessions.MarkInvalidFor(observed)
	sess, err := w.f.sessions.EnsureFresh(ctx)
	if err != nil {
		return err
	}
	w.current = sess
	return nil
}

// FetchAll fetches every id and returns exactly one final result per id.
// Per-item failures are results, the returned error is only set when the run
// was aborted (the session could not be re-established, or ctx ended), in
// which case every item that did not finish carries cards.ErrAborted.
func (f *Fetcher) FetchAll(ctx context.Context, ids []cards.ItemId, sess cards.Session) ([]cards.FetchResult, error) {
	ctx, span := tracer.Start(ctx, "FetchAll")
	defer span.End()
	span.SetAttributes(attribute.Int("items", len(ids)))

	results := make([]cards.FetchResult, len(ids))
	if len(ids) == 0 {
		return results, nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		abortOnce sync.Once
		abortErr  error
		aborted   atomic.Bool
	)
	abort := func(err error) {
		abortOnce.Do(func() {
			abortErr = err
			aborted.Store(true)
			cancel()
			f.tel.ReportBroken(report_fetcher_abort, err)
		})
	}

	workers := f.opts.Workers
	if workers > len(ids) {
		workers = len(ids)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := &worker{f: f, current: sess.Clone()}
			for idx := range jobs {
				id := ids[idx]
				if aborted.Load() {
					results[idx] = abortedResult(id, abortErr)
					continue
				}
				res, err := f.fetchOne(runCtx, w, id)
				if err != nil {
					if ctx.Err() != nil {
						err = ctx.Err()
					}
					abort(err)
					results[idx] = abortedResult(id, abortErr)
					continue
				}
				results[idx] = res
			}
		}()
	}

	for idx := range ids {
		jobs <- idx
	}
	close(jobs)
	wg.Wait()

	counts := map[cards.FetchStatus]int64{}
	for _, res := range results {
		counts[res.Status]++
		resultCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("status", res.Status.String()),
			attribute.String("source", res.Source.String()),
		))
	}
	f.tel.ReportCount(report_fetcher_fetch_all, counts[cards.StatusOk])

	if abortErr != nil {
		span.RecordError(abortErr)
		return results, abortErr
	}
	return results, nil
}

func abortedResult(id cards.ItemId, cause error) cards.FetchResult {
	return cards.FetchResult{
		ItemId: id,
		Status: cards.StatusFetchError,
		Err: &cards.FetchError{
			ItemId: id,
			Status: cards.StatusFetchError,
			Err:    fmt.Errorf("%w: %w", cards.ErrAborted, cause),
		},
	}
}

func (f *Fetcher) observe(res cards.FetchResult) {
	if f.opts.OnAttempt != nil {
		f.opts.OnAttempt(res)
	}
}
