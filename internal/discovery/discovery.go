// Package discovery finds out what there is to fetch: the cards of a deck,
// the decks of a collection and the metadata of a deck.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"cardfetch/internal/cards"
	"cardfetch/internal/components/assert"
	"cardfetch/internal/components/telemetry"
	"cardfetch/internal/sitehttp"
	"cardfetch/lib/htmlutil"

	"github.com/PuerkitoBio/goquery"
)

const (
	report_discovery_get_page    = "discovery.get-page"
	report_discovery_list_items  = "discovery.list-items"
	report_discovery_collection  = "discovery.collection"
	report_discovery_deck_detail = "discovery.deck-details"
)

// Sessions is the part of the session manager discovery depends on.
type Sessions interface {
	EnsureFresh(ctx context.Context) (cards.Session, error)
	MarkInvalidFor(observed cards.Session) bool
}

type Client struct {
	http     sitehttp.Client
	sessions Sessions
	tel      telemetry.API
}

func NewClient(site sitehttp.Client, sessions Sessions, tel telemetry.API) Client {
	assert.NotNil(site.Http)
	assert.NotNil(sessions)
	assert.NotNil(tel)

	return Client{
		http:     site,
		sessions: sessions,
		tel:      telemetry.NewScopedAPI("discovery", tel),
	}
}

// getPage fetches an authenticated page, when the site answers with its
// login form the session is refreshed and the request retried once.
func (c Client) getPage(ctx context.Context, path string, query map[string]string) (*goquery.Document, error) {
	for attempt := 1; ; attempt++ {
		sess, err := c.sessions.EnsureFresh(ctx)
		if err != nil {
			return nil, err
		}

		res, err := c.http.Http.R().
			SetContext(ctx).
			SetCookies(sess.Cookies).
			SetQueryParams(query).
			Get(path)
		if err != nil {
			c.tel.ReportBroken(report_discovery_get_page, fmt.Errorf("fetch: %w", err), path)
			return nil, fmt.Errorf("fetch %s: %w", path, err)
		}
		if res.StatusCode() == http.StatusNotFound {
			return nil, fmt.Errorf("fetch %s: %w", path, cards.ErrNotFound)
		}
		if res.IsError() {
			c.tel.ReportBroken(report_discovery_get_page, fmt.Errorf("unexpected status %s", res.Status()), path)
			return nil, fmt.Errorf("fetch %s: unexpected status %s", path, res.Status())
		}

		doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(res.Body()))
		if err != nil {
			c.tel.ReportBroken(report_discovery_get_page, fmt.Errorf("parse: %w", err), path)
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if !sitehttp.IsLoginPage(doc) {
			return doc, nil
		}
		if attempt > 1 {
			c.tel.ReportWarning(report_discovery_get_page, fmt.Errorf("login page after refresh"), path)
			return nil, fmt.Errorf("fetch %s: %w", path, cards.ErrAuthExpired)
		}
		c.sessions.MarkInvalidFor(sess)
	}
}

var (
	solutionIdRegex = regexp.MustCompile(`/solution/(\d+)/`)
	cardIdRegex     = regexp.MustCompile(`/card/(\d+)`)
)

// ListItems returns the card ids of a deck in page order without
// duplicates. A deck without cards is not an error.
func (c Client) ListItems(ctx context.Context, container cards.Container) ([]cards.ItemId, error) {
	c.tel.ReportDebug(report_discovery_list_items, container.DeckId, container.BagId)

	doc, err := c.getPage(
		ctx,
		fmt.Sprintf("/printdeck/%s", url.PathEscape(container.DeckId)),
		map[string]string{"bag_id": container.BagId},
	)
	if err != nil {
		return nil, &cards.DiscoveryError{Container: container, Err: err}
	}

	ids := []cards.ItemId{}
	seen := map[cards.ItemId]bool{}
	doc.Find("div.submit button[rel*='/solution/'], a[href*='/card/']").Each(func(_ int, sel *goquery.Selection) {
		var groups []string
		if rel, ok := sel.Attr("rel"); ok {
			groups = solutionIdRegex.FindStringSubmatch(rel)
		}
		if href, ok := sel.Attr("href"); ok && groups == nil {
			groups = cardIdRegex.FindStringSubmatch(href)
		}
		if len(groups) < 2 {
			return
		}
		id, err := cards.ParseItemId(groups[1])
		if err != nil {
			c.tel.ReportWarning(report_discovery_list_items, err, container.DeckId)
			return
		}
		if seen[id] {
			return
		}
		seen[id] = true
		ids = append(ids, id)
	})

	c.tel.ReportCount(report_discovery_list_items, int64(len(ids)))
	return ids, nil
}

// Collection lists the decks of a collection. Decks linked without a bag id
// are studied from the collection itself.
func (c Client) Collection(ctx context.Context, id string) (cards.Collection, error) {
	container := cards.Container{BagId: id}

	doc, err := c.getPage(ctx, fmt.Sprintf("/collection/%s", url.PathEscape(id)), nil)
	if err != nil {
		return cards.Collection{}, &cards.DiscoveryError{Container: container, Err: err}
	}

	title := htmlutil.SelectionText(doc.Find("h3.bag-name").First())
	if title == "" {
		title = fmt.Sprintf("Collection %s", id)
	}

	collection := cards.Collection{Id: id, Title: title}
	seen := map[string]bool{}
	for _, anchor := range htmlutil.GetAnchors(ctx, doc.Find("a[href*='/details/']")) {
		deck, ok := deckFromHref(anchor.Href, id)
		if !ok {
			c.tel.ReportWarning(report_discovery_collection, fmt.Errorf("unrecognized deck link"), anchor.Href)
			continue
		}
		if seen[deck.DeckId] {
			continue
		}
		seen[deck.DeckId] = true
		deck.Title = anchor.Name
		if deck.Title == "" {
			deck.Title = fmt.Sprintf("Deck %s", deck.DeckId)
		}
		collection.Decks = append(collection.Decks, deck)
	}

	return collection, nil
}

func deckFromHref(href, defaultBag string) (cards.Deck, bool) {
	parsed, err := url.Parse(href)
	if err != nil {
		return cards.Deck{}, false
	}
	segments := strings.Split(strings.Trim(parsed.Path, "/"), "/")
	for i, s := range segments {
		if s != "details" || i+1 >= len(segments) || segments[i+1] == "" {
			continue
		}
		bag := parsed.Query().Get("bag_id")
		if bag == "" {
			bag = defaultBag
		}
		return cards.Deck{Container: cards.Container{DeckId: segments[i+1], BagId: bag}}, true
	}
	return cards.Deck{}, false
}

type DeckDetails struct {
	Title    string
	Patients []string
	// Total is the number of cards the site says the deck has, zero when
	// it could not be determined.
	Total int
}

var patientFallbacks = []string{
	"div.patients h3",
	"div.patients h4",
	"div.patients .patient-name",
	".patient h3",
	".patient-title",
	"div[class*='patient'] h3",
}

var totalRegex = regexp.MustCompile(`(\d+)\s+of\s+(\d+)`)

func (c Client) DeckDetails(ctx context.Context, container cards.Container) (DeckDetails, error) {
	doc, err := c.getPage(
		ctx,
		fmt.Sprintf("/details/%s", url.PathEscape(container.DeckId)),
		map[string]string{"bag_id": container.BagId},
	)
	if err != nil {
		return DeckDetails{}, &cards.DiscoveryError{Container: container, Err: err}
	}

	details := DeckDetails{
		Title:    htmlutil.SelectionText(doc.Find("div.container h2, div.container h1").First()),
		Patients: patientNames(doc.Find("div.patients > div > h3")),
	}
	for _, selector := range patientFallbacks {
		if len(details.Patients) > 0 {
			break
		}
		details.Patients = patientNames(doc.Find(selector))
	}

	details.Total = totalFrom(htmlutil.SelectionText(doc.Find("div.details")))
	if details.Total == 0 {
		details.Total = totalFrom(htmlutil.SelectionText(doc.Find("body")))
	}
	if details.Total == 0 {
		c.tel.ReportWarning(report_discovery_deck_detail, fmt.Errorf("no card count on details page"), container.DeckId)
	}

	return details, nil
}

func patientNames(sel *goquery.Selection) []string {
	var names []string
	seen := map[string]bool{}
	sel.Each(func(_ int, s *goquery.Selection) {
		name := htmlutil.SelectionText(s)
		if len(name) <= 2 || seen[name] {
			return
		}
		seen[name] = true
		names = append(names, name)
	})
	return names
}

func totalFrom(text string) int {
	best := 0
	for _, groups := range totalRegex.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(groups[2])
		if err == nil && n > best {
			best = n
		}
	}
	return best
}
