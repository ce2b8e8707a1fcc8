// Package cards holds the data model shared by every stage of a scrape:
// sessions, containers, per-attempt fetch results and normalized records.
package cards

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Session is the authenticated state of the site. Values handed out by the
// session manager are copies, mutating one has no effect on the manager.
type Session struct {
	Authenticated bool
	Cookies       []*http.Cookie
	EstablishedAt time.Time
	TTL           time.Duration
	// Generation increases by one on every successful login, it is what
	// invalidation compares against.
	Generation uint64
}

// Stale is true once the TTL has elapsed since login, or when the session
// was never authenticated.
func (s Session) Stale(now time.Time) bool {
	if !s.Authenticated {
		return true
	}
	return now.Sub(s.EstablishedAt) >= s.TTL
}

func (s Session) Clone() Session {
	out := s
	out.Cookies = make([]*http.Cookie, len(s.Cookies))
	for i, c := range s.Cookies {
		copied := *c
		out.Cookies[i] = &copied
	}
	return out
}

type ItemId int64

func ParseItemId(s string) (ItemId, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse item id %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("item id must be positive, got %d", n)
	}
	return ItemId(n), nil
}

func (id ItemId) String() string {
	return strconv.FormatInt(int64(id), 10)
}

// Container identifies a deck within a bag (the site's name for the
// collection a deck is being studied from).
type Container struct {
	DeckId string
	BagId  string
}

func (c Container) String() string {
	return fmt.Sprintf("deck %s (bag %s)", c.DeckId, c.BagId)
}

type Deck struct {
	Container
	Title string
}

type Collection struct {
	Id    string
	Title string
	Decks []Deck
}

type FetchStatus int

const (
	StatusOk FetchStatus = iota
	StatusAuthExpired
	StatusNotFound
	StatusMalformed
	StatusFetchError
)

func (s FetchStatus) String() string {
	switch s {
	case StatusOk:
		return "ok"
	case StatusAuthExpired:
		return "auth_expired"
	case StatusNotFound:
		return "not_found"
	case StatusMalformed:
		return "malformed"
	case StatusFetchError:
		return "fetch_error"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type Source int

const (
	SourceApi Source = iota
	SourceBrowser
)

func (s Source) String() string {
	switch s {
	case SourceApi:
		return "api"
	case SourceBrowser:
		return "browser"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

func ParseSource(s string) (Source, error) {
	switch s {
	case "api":
		return SourceApi, nil
	case "browser":
		return SourceBrowser, nil
	default:
		return 0, fmt.Errorf("unknown source %q", s)
	}
}

// Solution is the decoded body of the solution endpoint. Answers holds the
// option values that are correct.
type Solution struct {
	Answers   []string
	Feedback  string
	ScoreText string
	Score     float64
}

type Payload struct {
	Page     string
	Solution *Solution
}

func (p *Payload) Empty() bool {
	return p == nil || (strings.TrimSpace(p.Page) == "" && p.Solution == nil)
}

// FetchResult is the outcome of one attempt on one item.
type FetchResult struct {
	ItemId  ItemId
	Status  FetchStatus
	Source  Source
	Payload *Payload
	// Partial holds what the fast path managed to get before a browser
	// render replaced it.
	Partial *Payload
	Attempt int
	Err     error
}

type FragmentKind int

const (
	FragmentTable FragmentKind = iota
	FragmentImage
	FragmentList
	FragmentRichText
)

func (k FragmentKind) String() string {
	switch k {
	case FragmentTable:
		return "table"
	case FragmentImage:
		return "image"
	case FragmentList:
		return "list"
	case FragmentRichText:
		return "rich_text"
	default:
		return fmt.Sprintf("fragment(%d)", int(k))
	}
}

func ParseFragmentKind(s string) (FragmentKind, error) {
	switch s {
	case "table":
		return FragmentTable, nil
	case "image":
		return FragmentImage, nil
	case "list":
		return FragmentList, nil
	case "rich_text":
		return FragmentRichText, nil
	}
	return 0, fmt.Errorf("unknown fragment kind %q", s)
}

type Fragment struct {
	Kind    FragmentKind
	Content string
	// Hash is the hex sha256 of the normalized content.
	Hash string
}

type NormalizedRecord struct {
	ItemId          ItemId
	Container       Container
	DeckTitle       string
	CollectionTitle string
	PrimaryText     string
	Fragments       []Fragment
	GroupingKey     string

	Answers          []string
	IncorrectAnswers []string
	Explanation      string
	ScoreText        string
	Multi            bool

	Source     Source
	Incomplete bool
}
