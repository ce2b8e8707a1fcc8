package fetcher

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"cardfetch/internal/cards"
	"cardfetch/internal/sitehttp"

	"github.com/PuerkitoBio/goquery"
)

// Stage is the kind of content a response was expected to hold.
type Stage int

const (
	StageCard Stage = iota
	StageSolution
	StageRendered
)

func (s Stage) String() string {
	switch s {
	case StageCard:
		return "card"
	case StageSolution:
		return "solution"
	case StageRendered:
		return "rendered"
	}
	return fmt.Sprintf("stage(%d)", int(s))
}

type Response struct {
	StatusCode int
	Body       []byte
	// Err is a transport level failure, StatusCode and Body are meaningless
	// when it is set.
	Err error
}

// Classifier decides the status of a response, reason explains anything
// that is not ok.
type Classifier func(stage Stage, res Response) (status cards.FetchStatus, reason string)

// DefaultClassifier treats an authenticated endpoint answering with the login
// form as an expired session. A solution body that is html without the login
// form is malformed, not expired.
func DefaultClassifier(stage Stage, res Response) (cards.FetchStatus, string) {
	if res.Err != nil {
		return cards.StatusFetchError, res.Err.Error()
	}
	switch {
	case res.StatusCode == http.StatusNotFound:
		return cards.StatusNotFound, "404 not found"
	case res.StatusCode == http.StatusTooManyRequests:
		return cards.StatusFetchError, "rate limited"
	case res.StatusCode >= 400:
		return cards.StatusFetchError, fmt.Sprintf("unexpected status %d", res.StatusCode)
	}

	if stage == StageSolution {
		if json.Valid(bytes.TrimSpace(res.Body)) {
			return cards.StatusOk, ""
		}
		if sitehttp.LooksLikeLoginPage(res.Body) {
			return cards.StatusAuthExpired, "login page instead of solution"
		}
		return cards.StatusMalformed, "solution body is not json"
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body))
	if err != nil {
		return cards.StatusMalformed, fmt.Sprintf("parse html: %s", err.Error())
	}
	if sitehttp.IsLoginPage(doc) {
		return cards.StatusAuthExpired, "login page instead of card"
	}
	if doc.Find("#workspace form").Length() == 0 && doc.Find("div.container.card").Length() == 0 {
		return cards.StatusMalformed, "missing card form and card container"
	}
	return cards.StatusOk, ""
}
