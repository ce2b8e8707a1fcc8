package fetcher

import (
	"context"
	"fmt"

	"cardfetch/internal/cards"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// fetchOne runs the state machine of a single item:
//
//	pending -> fast_attempted -> {done | auth_retry | escalate_slow}
//	        -> slow_attempted -> {done | terminal}
//
// The error return is reserved for conditions that abort the whole run.
func (f *Fetcher) fetchOne(ctx context.Context, w *worker, id cards.ItemId) (cards.FetchResult, error) {
	ctx, span := tracer.Start(ctx, "fetch-item", trace.WithAttributes(
		attribute.Int64("item_id", int64(id)),
	))
	defer span.End()

	res, err := f.runItem(ctx, w, id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "aborted")
		return res, err
	}

	span.SetAttributes(
		attribute.String("status", res.Status.String()),
		attribute.String("source", res.Source.String()),
		attribute.Int("attempts", res.Attempt),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "terminal")
	}
	return res, nil
}

func (f *Fetcher) runItem(ctx context.Context, w *worker, id cards.ItemId) (cards.FetchResult, error) {
	attempt := 0
	fastLeft := f.opts.FastAttempts
	authRetried := false

	var partial *cards.Payload
	var last fastOutcome

	for fastLeft > 0 {
		if err := ctx.Err(); err != nil {
			return cards.FetchResult{}, err
		}
		sess, err := w.session(ctx)
		if err != nil {
			return cards.FetchResult{}, err
		}

		attempt++
		out := f.fastAttempt(ctx, id, sess)
		if out.partial != nil {
			partial = out.partial
		}
		last = out
		f.observe(cards.FetchResult{
			ItemId:  id,
			Status:  out.status,
			Source:  cards.SourceApi,
			Payload: out.payload,
			Partial: out.partial,
			Attempt: attempt,
			Err:     out.err,
		})

		switch out.status {
		case cards.StatusOk:
			return cards.FetchResult{
				ItemId:  id,
				Status:  cards.StatusOk,
				Source:  cards.SourceApi,
				Payload: out.payload,
				Attempt: attempt,
			}, nil
		case cards.StatusNotFound:
			return f.terminal(id, cards.SourceApi, cards.StatusNotFound, attempt, partial, fmt.Errorf("%s: %w", out.reason, cards.ErrNotFound)), nil
		case cards.StatusAuthExpired:
			if authRetried {
				f.tel.ReportWarning(report_fetcher_fastpath, fmt.Errorf("session rejected again after refresh"), id)
				fastLeft = 0
				continue
			}
			authRetried = true
			err := w.refresh(ctx, sess)
			if err != nil {
				return cards.FetchResult{}, err
			}
		default:
			fastLeft--
		}
	}

	if ctx.Err() != nil {
		return cards.FetchResult{}, ctx.Err()
	}
	f.tel.ReportWarning(report_fetcher_slowpath, fmt.Errorf("escalating after %s: %s", last.status, last.reason), id)
	return f.slowAttempt(ctx, w, id, attempt+1, partial)
}

func (f *Fetcher) terminal(id cards.ItemId, source cards.Source, lastStatus cards.FetchStatus, attempts int, partial *cards.Payload, cause error) cards.FetchResult {
	err := &cards.FetchError{
		ItemId:   id,
		Status:   lastStatus,
		Attempts: attempts,
		Err:      cause,
	}
	f.tel.ReportWarning(report_fetcher_terminal, err)
	return cards.FetchResult{
		ItemId:  id,
		Status:  cards.StatusFetchError,
		Source:  source,
		Partial: partial,
		Attempt: attempts,
		Err:     err,
	}
}
