package fetcher

import (
	"context"
	"fmt"

	"cardfetch/internal/cards"
)

// slowAttempt renders the card in the browser, it runs at most once per item
// and always after the fast path gave up.
func (f *Fetcher) slowAttempt(ctx context.Context, w *worker, id cards.ItemId, attempt int, partial *cards.Payload) (cards.FetchResult, error) {
	sess, err := w.session(ctx)
	if err != nil {
		return cards.FetchResult{}, err
	}

	page, err := f.renderer.Render(ctx, id, sess.Cookies)
	if err != nil {
		if ctx.Err() != nil {
			return cards.FetchResult{}, ctx.Err()
		}
		f.tel.ReportBroken(report_fetcher_slowpath, fmt.Errorf("render: %w", err), id)
		res := f.terminal(id, cards.SourceBrowser, cards.StatusFetchError, attempt, partial, fmt.Errorf("render: %w", err))
		f.observe(res)
		return res, nil
	}

	status, reason := f.opts.Classifier(StageRendered, Response{StatusCode: 200, Body: []byte(page)})
	var res cards.FetchResult
	switch status {
	case cards.StatusOk:
		res = cards.FetchResult{
			ItemId:  id,
			Status:  cards.StatusOk,
			Source:  cards.SourceBrowser,
			Payload: &cards.Payload{Page: page},
			Partial: partial,
			Attempt: attempt,
		}
	case cards.StatusAuthExpired:
		res = f.terminal(id, cards.SourceBrowser, status, attempt, partial, fmt.Errorf("rendered %s: %w", reason, cards.ErrAuthExpired))
	default:
		res = f.terminal(id, cards.SourceBrowser, status, attempt, partial, &cards.MalformedContentError{ItemId: id, Reason: "rendered page: " + reason})
	}
	f.observe(res)
	return res, nil
}
