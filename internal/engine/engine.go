// Package engine ties the components together: it authenticates, discovers
// the cards of a deck or collection, fetches them and merges the results
// into records.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"cardfetch/internal/cards"
	"cardfetch/internal/components/assert"
	"cardfetch/internal/components/chrono"
	"cardfetch/internal/components/telemetry"
	"cardfetch/internal/discovery"
	"cardfetch/internal/merger"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("cardfetch.engine")

const (
	report_engine_run_deck       = "engine.run-deck"
	report_engine_run_collection = "engine.run-collection"
	report_engine_deck_details   = "engine.deck-details"
	report_engine_missing_items  = "engine.missing-items"
	report_engine_failures       = "engine.failures"
)

type Sessions interface {
	EnsureFresh(ctx context.Context) (cards.Session, error)
	Discard()
	Refreshes() int64
}

type Discovery interface {
	ListItems(ctx context.Context, container cards.Container) ([]cards.ItemId, error)
	Collection(ctx context.Context, id string) (cards.Collection, error)
	DeckDetails(ctx context.Context, container cards.Container) (discovery.DeckDetails, error)
}

type Fetcher interface {
	FetchAll(ctx context.Context, ids []cards.ItemId, sess cards.Session) ([]cards.FetchResult, error)
}

// RenderCounter is implemented by browser.Exclusive.
type RenderCounter interface {
	Renders() int64
}

type Failure struct {
	ItemId cards.ItemId
	Status cards.FetchStatus
	Err    error
}

type Report struct {
	// Target names what was run, "deck 55 (bag 7)" or "collection 9".
	Target   string
	Records  []cards.NormalizedRecord
	Failures []Failure
	// Expected is the card count the site advertised, summed over decks.
	Expected int
	// Refreshes and Renders count the logins and browser renders that
	// happened during the run.
	Refreshes int64
	Renders   int64

	StartedAt  time.Time
	FinishedAt time.Time
}

type Options struct {
	BaseUrl *url.URL
	// Limit caps the number of cards fetched in a run, zero means no limit.
	Limit          int
	MatchThreshold float64
}

type Engine struct {
	sessions  Sessions
	discovery Discovery
	fetcher   Fetcher
	renders   RenderCounter
	clock     chrono.API
	tel       telemetry.API
	opts      Options
}

func New(
	sessions Sessions,
	disc Discovery,
	fetcher Fetcher,
	renders RenderCounter,
	clock chrono.API,
	tel telemetry.API,
	opts Options,
) Engine {
	assert.NotNil(sessions)
	assert.NotNil(disc)
	assert.NotNil(fetcher)
	assert.NotNil(renders)
	assert.NotNil(clock)
	assert.NotNil(tel)

	return Engine{
		sessions:  sessions,
		discovery: disc,
		fetcher:   fetcher,
		renders:   renders,
		clock:     clock,
		tel:       telemetry.NewScopedAPI("engine", tel),
		opts:      opts,
	}
}

type run struct {
	report          Report
	refreshesBefore int64
	rendersBefore   int64
	remaining       int
}

func (e Engine) begin(target string) *run {
	remaining := -1
	if e.opts.Limit > 0 {
		remaining = e.opts.Limit
	}
	return &run{
		report: Report{
			Target:    target,
			Records:   []cards.NormalizedRecord{},
			StartedAt: e.clock.Now(),
		},
		refreshesBefore: e.sessions.Refreshes(),
		rendersBefore:   e.renders.Renders(),
		remaining:       remaining,
	}
}

func (e Engine) finish(r *run, err error) (Report, error) {
	r.report.FinishedAt = e.clock.Now()
	r.report.Refreshes = e.sessions.Refreshes() - r.refreshesBefore
	r.report.Renders = e.renders.Renders() - r.rendersBefore
	if len(r.report.Failures) > 0 {
		e.tel.ReportWarning(report_engine_failures, fmt.Errorf("%d item(s) failed", len(r.report.Failures)), r.report.Target)
	}

	var authErr *cards.AuthError
	if errors.As(err, &authErr) {
		e.sessions.Discard()
	}
	return r.report, err
}

// RunDeck fetches every card of a deck. On error the returned report holds
// whatever was completed before the run stopped.
func (e Engine) RunDeck(ctx context.Context, deck cards.Deck) (Report, error) {
	ctx, span := tracer.Start(ctx, "RunDeck")
	defer span.End()
	span.SetAttributes(
		attribute.String("deck_id", deck.DeckId),
		attribute.String("bag_id", deck.BagId),
	)

	r := e.begin(deck.Container.String())
	err := e.runDeck(ctx, r, deck, "")
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run deck")
		e.tel.ReportBroken(report_engine_run_deck, err, deck.Container)
	}
	return e.finish(r, err)
}

// RunCollection runs every deck of a collection in turn, records are tagged
// with both the deck and the collection title.
func (e Engine) RunCollection(ctx context.Context, id string) (Report, error) {
	ctx, span := tracer.Start(ctx, "RunCollection")
	defer span.End()
	span.SetAttributes(attribute.String("collection_id", id))

	r := e.begin(fmt.Sprintf("collection %s", id))
	err := e.runCollection(ctx, r, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "run collection")
		e.tel.ReportBroken(report_engine_run_collection, err, id)
	}
	return e.finish(r, err)
}

func (e Engine) runCollection(ctx context.Context, r *run, id string) error {
	if _, err := e.sessions.EnsureFresh(ctx); err != nil {
		return err
	}
	collection, err := e.discovery.Collection(ctx, id)
	if err != nil {
		return err
	}
	e.tel.ReportDebug("collection", "id", id, "title", collection.Title, "decks", len(collection.Decks))

	for _, deck := range collection.Decks {
		if r.remaining == 0 {
			break
		}
		if err := e.runDeck(ctx, r, deck, collection.Title); err != nil {
			return fmt.Errorf("%s: %w", deck.Container, err)
		}
	}
	return nil
}

func (e Engine) runDeck(ctx context.Context, r *run, deck cards.Deck, collectionTitle string) error {
	if _, err := e.sessions.EnsureFresh(ctx); err != nil {
		return err
	}

	details, err := e.discovery.DeckDetails(ctx, deck.Container)
	if err != nil {
		// details only add patient names and the expected count
		e.tel.ReportWarning(report_engine_deck_details, err, deck.Container)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	title := deck.Title
	if title == "" {
		title = details.Title
	}

	ids, err := e.discovery.ListItems(ctx, deck.Container)
	if err != nil {
		return err
	}
	r.report.Expected += details.Total
	if details.Total > 0 && len(ids) < details.Total {
		e.tel.ReportWarning(
			report_engine_missing_items,
			fmt.Errorf("discovered %d of %d advertised cards", len(ids), details.Total),
			deck.Container,
		)
	}
	if r.remaining >= 0 {
		if len(ids) > r.remaining {
			ids = ids[:r.remaining]
		}
		r.remaining -= len(ids)
	}
	if len(ids) == 0 {
		return nil
	}

	sess, err := e.sessions.EnsureFresh(ctx)
	if err != nil {
		return err
	}
	results, fetchErr := e.fetcher.FetchAll(ctx, ids, sess)

	m := merger.New(merger.Options{
		BaseUrl:        e.opts.BaseUrl,
		Patients:       details.Patients,
		MatchThreshold: e.opts.MatchThreshold,
	})
	for _, res := range results {
		if res.Status != cards.StatusOk {
			r.report.Failures = append(r.report.Failures, Failure{
				ItemId: res.ItemId,
				Status: failureStatus(res),
				Err:    res.Err,
			})
			continue
		}
		rec := m.Merge(res)
		rec.Container = deck.Container
		rec.DeckTitle = title
		rec.CollectionTitle = collectionTitle
		r.report.Records = append(r.report.Records, rec)
	}
	e.tel.ReportCount(report_engine_run_deck, int64(len(r.report.Records)))

	return fetchErr
}

// failureStatus is the status that caused an item to fail, terminal results
// carry it inside their FetchError.
func failureStatus(res cards.FetchResult) cards.FetchStatus {
	var fetchErr *cards.FetchError
	if errors.As(res.Err, &fetchErr) {
		return fetchErr.Status
	}
	return res.Status
}
