package fetcher

import (
	"context"
	"fmt"

	"cardfetch/internal/cards"
)

type fastOutcome struct {
	status  cards.FetchStatus
	reason  string
	payload *cards.Payload
	// partial is whatever was usable from an attempt that did not succeed
	partial *cards.Payload
	err     error
}

func (f *Fetcher) get(ctx context.Context, stage Stage, sess cards.Session, method, path string, form map[string]string) (Response, cards.FetchStatus, string) {
	req := f.site.Http.R().
		SetContext(ctx).
		SetCookies(sess.Cookies)
	if form != nil {
		req.SetFormData(form)
	}

	res, err := req.Execute(method, path)
	out := Response{Err: err}
	if err == nil {
		out.StatusCode = res.StatusCode()
		out.Body = res.Body()
	}
	status, reason := f.opts.Classifier(stage, out)
	return out, status, reason
}

// fastAttempt is one GET of the card page followed by one POST to the
// solution endpoint.
func (f *Fetcher) fastAttempt(ctx context.Context, id cards.ItemId, sess cards.Session) fastOutcome {
	cardRes, status, reason := f.get(ctx, StageCard, sess, "GET", fmt.Sprintf("/card/%d", id), nil)
	switch status {
	case cards.StatusOk:
	case cards.StatusMalformed:
		return fastOutcome{
			status:  status,
			reason:  reason,
			partial: &cards.Payload{Page: string(cardRes.Body)},
			err:     &cards.MalformedContentError{ItemId: id, Reason: reason},
		}
	default:
		f.tel.ReportDebug(report_fetcher_fastpath, id, "card", status.String(), reason)
		return fastOutcome{status: status, reason: reason, err: fmt.Errorf("card page: %s", reason)}
	}

	page := &cards.Payload{Page: string(cardRes.Body)}

	solRes, status, reason := f.get(ctx, StageSolution, sess, "POST", fmt.Sprintf("/solution/%d/", id), map[string]string{
		"timer": "1",
	})
	switch status {
	case cards.StatusOk:
	case cards.StatusAuthExpired:
		return fastOutcome{status: status, reason: reason, partial: page, err: fmt.Errorf("solution: %s", reason)}
	case cards.StatusNotFound, cards.StatusMalformed:
		// the card exists, so a missing or unreadable solution is a shape problem
		return fastOutcome{
			status:  cards.StatusMalformed,
			reason:  reason,
			partial: page,
			err:     &cards.MalformedContentError{ItemId: id, Reason: "solution: " + reason},
		}
	default:
		return fastOutcome{status: status, reason: reason, partial: page, err: fmt.Errorf("solution: %s", reason)}
	}

	solution, err := parseSolution(solRes.Body)
	if err != nil {
		return fastOutcome{
			status:  cards.StatusMalformed,
			reason:  err.Error(),
			partial: page,
			err:     &cards.MalformedContentError{ItemId: id, Reason: err.Error()},
		}
	}

	page.Solution = solution
	return fastOutcome{status: cards.StatusOk, payload: page}
}
