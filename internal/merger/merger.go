// Package merger turns fetch results into normalized records, folding the
// content of every source an item was fetched from into one record without
// duplicating fragments.
package merger

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"slices"

	"cardfetch/internal/cards"
	"cardfetch/lib/htmlutil"
	"cardfetch/lib/textutil"
)

const DefaultMatchThreshold = 0.85

type Options struct {
	// BaseUrl resolves relative image sources, it may be nil.
	BaseUrl *url.URL
	// Patients are the canonical patient names of the deck, grouping keys
	// found on card pages are snapped to the closest one.
	Patients       []string
	MatchThreshold float64
}

// Merger is stateless, Merge and Combine depend only on their arguments and
// the options the Merger was built with.
type Merger struct {
	opts Options
}

func New(opts Options) Merger {
	if opts.MatchThreshold <= 0 {
		opts.MatchThreshold = DefaultMatchThreshold
	}
	return Merger{opts: opts}
}

// Merge normalizes a single result.
func (m Merger) Merge(res cards.FetchResult) cards.NormalizedRecord {
	return m.Combine(cards.NormalizedRecord{
		ItemId: res.ItemId,
		Source: res.Source,
	}, res)
}

// Combine folds res into rec. Fields already set on rec win, fragments are
// appended unless a fragment with the same hash is already present. Combining
// the same result twice leaves the record unchanged.
func (m Merger) Combine(rec cards.NormalizedRecord, res cards.FetchResult) cards.NormalizedRecord {
	out := rec
	out.Fragments = slices.Clone(rec.Fragments)
	out.Answers = slices.Clone(rec.Answers)
	out.IncorrectAnswers = slices.Clone(rec.IncorrectAnswers)

	empty := out.PrimaryText == "" && len(out.Fragments) == 0
	if out.ItemId == 0 {
		out.ItemId = res.ItemId
	}

	var parts []extracted
	switch res.Source {
	case cards.SourceBrowser:
		if res.Payload != nil {
			parts = append(parts, m.extract(res.Payload, modeBrowser))
		}
		if res.Partial != nil {
			parts = append(parts, m.extract(res.Partial, modeApi))
		}
	default:
		if res.Payload != nil {
			parts = append(parts, m.extract(res.Payload, modeApi))
		} else if res.Partial != nil {
			parts = append(parts, m.extract(res.Partial, modeApi))
		}
	}

	for _, part := range parts {
		out = fold(out, part)
	}
	if empty && (out.PrimaryText != "" || len(out.Fragments) > 0) {
		out.Source = res.Source
	}
	out.GroupingKey = m.canonicalPatient(out.GroupingKey)
	out.Incomplete = out.PrimaryText == "" && len(out.Fragments) == 0
	return out
}

func fold(rec cards.NormalizedRecord, part extracted) cards.NormalizedRecord {
	if rec.PrimaryText == "" {
		rec.PrimaryText = part.primaryText
	}
	if rec.GroupingKey == "" {
		rec.GroupingKey = part.patient
	}
	if len(rec.Answers) == 0 && len(part.answers) > 0 {
		rec.Answers = part.answers
		rec.IncorrectAnswers = part.incorrect
	}
	if rec.Explanation == "" {
		rec.Explanation = part.explanation
	}
	if rec.ScoreText == "" {
		rec.ScoreText = part.scoreText
	}
	rec.Multi = rec.Multi || part.multi

	seen := map[string]bool{}
	for _, f := range rec.Fragments {
		seen[f.Hash] = true
	}
	for _, f := range part.fragments {
		if seen[f.Hash] {
			continue
		}
		seen[f.Hash] = true
		rec.Fragments = append(rec.Fragments, f)
	}
	return rec
}

func (m Merger) canonicalPatient(name string) string {
	if name == "" || len(m.opts.Patients) == 0 {
		return name
	}
	match, _, ok := textutil.ClosestMatch(name, m.opts.Patients, m.opts.MatchThreshold)
	if !ok {
		return name
	}
	return match
}

// Hash is the identity of a fragment, images are identified by their
// resolved source and everything else by its tag-stripped text.
func Hash(kind cards.FragmentKind, content string) string {
	normalized := content
	if kind != cards.FragmentImage {
		normalized = htmlutil.StripTags(content)
	}
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

func newFragment(kind cards.FragmentKind, content string) cards.Fragment {
	return cards.Fragment{Kind: kind, Content: content, Hash: Hash(kind, content)}
}
