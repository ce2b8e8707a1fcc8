// Package sitetest serves a fake card site over httptest so that discovery,
// the fetcher and the engine can be exercised end to end.
package sitetest

import (
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cardfetch/internal/cards"
)

const SessionCookieName = "sessionid"

// Behavior is how the site answers a single request for a card page.
type Behavior int

const (
	Normal Behavior = iota
	LoginPage
	Malformed
	NotFound
	ServerError
)

type Option struct {
	Value string
	Label string
}

type Vitals struct {
	HeartRate   string
	SpO2        string
	RespRate    string
	Temperature string
	BloodPress  string
}

type Card struct {
	Id       cards.ItemId
	Patient  string
	Question string
	Options  []Option
	// Correct holds option values.
	Correct []string
	Multi   bool
	// Background is raw html placed inside the card container.
	Background string
	Vitals     *Vitals
	Feedback   string
	ScoreText  string
	Score      float64
}

type DeckPage struct {
	Title    string
	Patients []string
	Ids      []cards.ItemId
	// Advertised is the "of M" count on the details page, zero means len(Ids).
	Advertised int
}

type CollectionPage struct {
	Title string
	Decks []cards.Deck
}

type Site struct {
	Server *httptest.Server

	mu          sync.Mutex
	cards       map[cards.ItemId]Card
	decks       map[string]DeckPage
	collections map[string]CollectionPage
	scripts     map[cards.ItemId][]Behavior
	solution    map[cards.ItemId][]Behavior
	expired     map[string]bool
	hits        map[string]int
}

func New(t testing.TB) *Site {
	s := &Site{
		cards:       map[cards.ItemId]Card{},
		decks:       map[string]DeckPage{},
		collections: map[string]CollectionPage{},
		scripts:     map[cards.ItemId][]Behavior{},
		solution:    map[cards.ItemId][]Behavior{},
		expired:     map[string]bool{},
		hits:        map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /login", s.handleLogin)
	mux.HandleFunc("GET /printdeck/{deck}", s.authed(s.handlePrintdeck))
	mux.HandleFunc("GET /details/{deck}", s.authed(s.handleDetails))
	mux.HandleFunc("GET /collection/{id}", s.authed(s.handleCollection))
	mux.HandleFunc("GET /card/{id}", s.authed(s.handleCard))
	mux.HandleFunc("POST /solution/{id}/", s.authed(s.handleSolution))

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Server.Close)
	return s
}

func (s *Site) URL() string {
	return s.Server.URL
}

func (s *Site) AddCard(c Card) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cards[c.Id] = c
}

func (s *Site) AddDeck(deckId string, page DeckPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decks[deckId] = page
}

func (s *Site) AddCollection(id string, page CollectionPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collections[id] = page
}

// Script queues behaviors for successive card page requests of id, once the
// queue is drained the card is served normally.
func (s *Site) Script(id cards.ItemId, behaviors ...Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[id] = append(s.scripts[id], behaviors...)
}

// ScriptSolution is Script for the solution endpoint.
func (s *Site) ScriptSolution(id cards.ItemId, behaviors ...Behavior) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.solution[id] = append(s.solution[id], behaviors...)
}

// Expire makes the site reject a session cookie value from now on.
func (s *Site) Expire(sessionValue string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired[sessionValue] = true
}

func (s *Site) Hits(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[path]
}

func (s *Site) next(queue map[cards.ItemId][]Behavior, id cards.ItemId) Behavior {
	pending := queue[id]
	if len(pending) == 0 {
		return Normal
	}
	queue[id] = pending[1:]
	return pending[0]
}

func (s *Site) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.hits[r.URL.Path]++
		cookie, err := r.Cookie(SessionCookieName)
		valid := err == nil && cookie.Value != "" && !s.expired[cookie.Value]
		s.mu.Unlock()

		if !valid {
			writeHtml(w, http.StatusOK, LoginPageHtml)
			return
		}
		next(w, r)
	}
}

func (s *Site) handleLogin(w http.ResponseWriter, r *http.Request) {
	writeHtml(w, http.StatusOK, LoginPageHtml)
}

func (s *Site) handlePrintdeck(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	page, ok := s.decks[r.PathValue("deck")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	var b strings.Builder
	b.WriteString(`<html><body><div class="wrap">`)
	for _, id := range page.Ids {
		fmt.Fprintf(&b, `<div class="card"><div class="submit"><button rel="/solution/%d/">Check</button></div></div>`, id)
	}
	if len(page.Ids) > 0 {
		// the first card is also linked directly, discovery must not count it twice
		fmt.Fprintf(&b, `<a href="/card/%d">first card</a>`, page.Ids[0])
	}
	b.WriteString(`</div></body></html>`)
	writeHtml(w, http.StatusOK, b.String())
}

func (s *Site) handleDetails(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	page, ok := s.decks[r.PathValue("deck")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	advertised := page.Advertised
	if advertised == 0 {
		advertised = len(page.Ids)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><div class="wrap"><div class="container"><h2>%s</h2>`, html.EscapeString(page.Title))
	fmt.Fprintf(&b, `<div class="details"><div><span>Correct: 0 of %d</span></div></div>`, advertised)
	b.WriteString(`<div class="patients">`)
	for _, p := range page.Patients {
		fmt.Fprintf(&b, `<div><h3>%s</h3></div>`, html.EscapeString(p))
	}
	b.WriteString(`</div></div></div></body></html>`)
	writeHtml(w, http.StatusOK, b.String())
}

func (s *Site) handleCollection(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	page, ok := s.collections[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><h3 class="bag-name"> %s </h3><ul>`, html.EscapeString(page.Title))
	for _, d := range page.Decks {
		href := fmt.Sprintf("/details/%s", d.DeckId)
		if d.BagId != "" {
			href += "?bag_id=" + d.BagId
		}
		fmt.Fprintf(&b, `<li><a href="%s">%s</a></li>`, href, html.EscapeString(d.Title))
	}
	b.WriteString(`</ul></body></html>`)
	writeHtml(w, http.StatusOK, b.String())
}

func (s *Site) handleCard(w http.ResponseWriter, r *http.Request) {
	id, err := cards.ParseItemId(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	card, ok := s.cards[id]
	behavior := s.next(s.scripts, id)
	s.mu.Unlock()

	if !ok {
		behavior = NotFound
	}
	switch behavior {
	case LoginPage:
		writeHtml(w, http.StatusOK, LoginPageHtml)
	case Malformed:
		writeHtml(w, http.StatusOK, MalformedPageHtml)
	case NotFound:
		http.NotFound(w, r)
	case ServerError:
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	default:
		writeHtml(w, http.StatusOK, CardPage(card, false))
	}
}

func (s *Site) handleSolution(w http.ResponseWriter, r *http.Request) {
	id, err := cards.ParseItemId(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	card, ok := s.cards[id]
	behavior := s.next(s.solution, id)
	s.mu.Unlock()

	if !ok {
		behavior = NotFound
	}
	switch behavior {
	case LoginPage:
		writeHtml(w, http.StatusOK, LoginPageHtml)
		return
	case Malformed:
		writeHtml(w, http.StatusOK, "<html><body>Something went wrong</body></html>")
		return
	case NotFound:
		http.NotFound(w, r)
		return
	case ServerError:
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
		return
	}

	w.Header().Set("content-type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"answers":   card.Correct,
		"feedback":  card.Feedback,
		"scoreText": card.ScoreText,
		"score":     card.Score,
	})
}

func writeHtml(w http.ResponseWriter, status int, body string) {
	w.Header().Set("content-type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	fmt.Fprint(w, body)
}
