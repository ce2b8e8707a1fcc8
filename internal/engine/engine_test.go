package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"testing"
	"time"

	"cardfetch/internal/browser"
	"cardfetch/internal/browser/browsertest"
	"cardfetch/internal/cards"
	"cardfetch/internal/components/chrono"
	"cardfetch/internal/components/telemetry"
	"cardfetch/internal/discovery"
	"cardfetch/internal/fetcher"
	"cardfetch/internal/session"
	"cardfetch/internal/sitehttp"
	"cardfetch/internal/sitetest"
	"cardfetch/lib/testutil"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	site      *sitetest.Site
	auth      *browsertest.Fake
	exclusive *browser.Exclusive
	sessions  *session.Manager
	rec       *telemetry.Recorder
	clock     *chrono.ManualImpl
}

func setup(t *testing.T) *fixture {
	t.Cleanup(testutil.SetupTest(t, "engine"))

	f := &fixture{
		site:  sitetest.New(t),
		rec:   &telemetry.Recorder{},
		clock: chrono.NewManualImpl(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)),
	}
	f.auth = &browsertest.Fake{
		RenderFunc: func(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error) {
			return f.site.Rendered(id, cookies)
		},
	}
	f.exclusive = browser.NewExclusive(f.auth, 5*time.Second, f.rec)
	f.sessions = session.NewManager(f.exclusive, f.clock, f.rec, session.Options{})
	return f
}

func (f *fixture) engine(t *testing.T, opts Options) Engine {
	site, err := sitehttp.New(sitehttp.Options{
		BaseUrl:                 f.site.URL(),
		RateLimit:               1000,
		DisableCloudflareBypass: true,
	}, f.rec)
	require.NoError(t, err)

	disc := discovery.NewClient(site, f.sessions, f.rec)
	fetch := fetcher.New(site, f.sessions, f.exclusive, f.clock, f.rec, fetcher.Options{Workers: 4})

	base, err := url.Parse(f.site.URL())
	require.NoError(t, err)
	opts.BaseUrl = base
	return New(f.sessions, disc, fetch, f.exclusive, f.clock, f.rec, opts)
}

func (f *fixture) addDeck(deckId, title string, patients []string, ids ...cards.ItemId) {
	for i, id := range ids {
		patient := ""
		if len(patients) > 0 {
			patient = patients[i%len(patients)]
		}
		f.site.AddCard(sitetest.Card{
			Id:         id,
			Patient:    patient,
			Question:   fmt.Sprintf("Question %d", id),
			Options:    []sitetest.Option{{Value: "1", Label: "Yes"}, {Value: "2", Label: "No"}},
			Correct:    []string{"1"},
			Background: fmt.Sprintf("<p>Background for card %d in deck %s.</p>", id, deckId),
			Feedback:   "Because.",
			ScoreText:  "1 / 1",
		})
	}
	f.site.AddDeck(deckId, sitetest.DeckPage{Title: title, Patients: patients, Ids: ids})
}

func ids(records []cards.NormalizedRecord) []cards.ItemId {
	var out []cards.ItemId
	for _, r := range records {
		out = append(out, r.ItemId)
	}
	return out
}

func TestRunDeckEndToEnd(t *testing.T) {
	f := setup(t)
	f.addDeck("55", "Cardiology", []string{"Mr. Smith"}, 101, 102, 103)
	f.site.Script(102, sitetest.LoginPage)
	f.site.Script(103, sitetest.Malformed, sitetest.Malformed)

	_, err := f.sessions.EnsureFresh(context.Background())
	require.NoError(t, err)

	e := f.engine(t, Options{})
	deck := cards.Deck{Container: cards.Container{DeckId: "55", BagId: "7"}}
	report, err := e.RunDeck(context.Background(), deck)
	require.NoError(t, err)

	require.Equal(t, "deck 55 (bag 7)", report.Target)
	require.Empty(t, report.Failures)
	require.Empty(t, cmp.Diff([]cards.ItemId{101, 102, 103}, ids(report.Records)))
	require.Equal(t, int64(1), report.Refreshes)
	require.Equal(t, int64(1), report.Renders)
	require.Equal(t, 3, report.Expected)

	for _, rec := range report.Records {
		require.Equal(t, deck.Container, rec.Container)
		require.Equal(t, "Cardiology", rec.DeckTitle)
		require.Equal(t, "Mr. Smith", rec.GroupingKey)
		require.Equal(t, fmt.Sprintf("Question %d", rec.ItemId), rec.PrimaryText)
		require.Equal(t, []string{"Yes"}, rec.Answers)
		require.False(t, rec.Incomplete)
	}
	require.Equal(t, cards.SourceApi, report.Records[0].Source)
	require.Equal(t, cards.SourceApi, report.Records[1].Source)
	require.Equal(t, cards.SourceBrowser, report.Records[2].Source)
}

func TestRunDeckReportsFailures(t *testing.T) {
	f := setup(t)
	f.addDeck("55", "Cardiology", nil, 1, 2)
	f.site.AddDeck("55", sitetest.DeckPage{Title: "Cardiology", Ids: []cards.ItemId{1, 2, 404}, Advertised: 5})

	report, err := f.engine(t, Options{}).RunDeck(context.Background(), cards.Deck{
		Container: cards.Container{DeckId: "55", BagId: "55"},
	})
	require.NoError(t, err)
	require.Empty(t, cmp.Diff([]cards.ItemId{1, 2}, ids(report.Records)))

	require.Len(t, report.Failures, 1)
	require.Equal(t, cards.ItemId(404), report.Failures[0].ItemId)
	require.Equal(t, cards.StatusNotFound, report.Failures[0].Status)
	require.ErrorIs(t, report.Failures[0].Err, cards.ErrNotFound)

	require.Equal(t, 5, report.Expected)
	require.Len(t, f.rec.Reports("warning", report_engine_missing_items), 1)
	require.Len(t, f.rec.Reports("warning", report_engine_failures), 1)
}

func TestRunDeckLimit(t *testing.T) {
	f := setup(t)
	f.addDeck("55", "Cardiology", nil, 1, 2, 3, 4)

	report, err := f.engine(t, Options{Limit: 2}).RunDeck(context.Background(), cards.Deck{
		Container: cards.Container{DeckId: "55", BagId: "55"},
	})
	require.NoError(t, err)
	require.Empty(t, cmp.Diff([]cards.ItemId{1, 2}, ids(report.Records)))
	require.Zero(t, f.site.Hits("/card/3"))
	require.Zero(t, f.site.Hits("/card/4"))
}

func TestRunCollection(t *testing.T) {
	f := setup(t)
	f.addDeck("55", "", nil, 1, 2)
	f.addDeck("56", "", nil, 3)
	f.site.AddCollection("9", sitetest.CollectionPage{
		Title: "Core Medicine",
		Decks: []cards.Deck{
			{Container: cards.Container{DeckId: "55"}, Title: "Cardiology"},
			{Container: cards.Container{DeckId: "56", BagId: "12"}, Title: "Renal"},
		},
	})

	report, err := f.engine(t, Options{}).RunCollection(context.Background(), "9")
	require.NoError(t, err)
	require.Equal(t, "collection 9", report.Target)
	require.Empty(t, cmp.Diff([]cards.ItemId{1, 2, 3}, ids(report.Records)))

	for _, rec := range report.Records {
		require.Equal(t, "Core Medicine", rec.CollectionTitle)
	}
	require.Equal(t, "Cardiology", report.Records[0].DeckTitle)
	require.Equal(t, cards.Container{DeckId: "55", BagId: "9"}, report.Records[0].Container)
	require.Equal(t, "Renal", report.Records[2].DeckTitle)
	require.Equal(t, cards.Container{DeckId: "56", BagId: "12"}, report.Records[2].Container)
	// a fresh engine logs in once
	require.Equal(t, int64(1), report.Refreshes)
}

func TestRunCollectionLimitSpansDecks(t *testing.T) {
	f := setup(t)
	f.addDeck("55", "", nil, 1, 2)
	f.addDeck("56", "", nil, 3, 4)
	f.addDeck("57", "", nil, 5)
	f.site.AddCollection("9", sitetest.CollectionPage{
		Title: "Core Medicine",
		Decks: []cards.Deck{
			{Container: cards.Container{DeckId: "55"}},
			{Container: cards.Container{DeckId: "56"}},
			{Container: cards.Container{DeckId: "57"}},
		},
	})

	report, err := f.engine(t, Options{Limit: 3}).RunCollection(context.Background(), "9")
	require.NoError(t, err)
	require.Empty(t, cmp.Diff([]cards.ItemId{1, 2, 3}, ids(report.Records)))
	require.Zero(t, f.site.Hits("/printdeck/57"))
}

func TestRunDeckAuthFailureDiscardsSession(t *testing.T) {
	f := setup(t)
	f.addDeck("55", "Cardiology", nil, 1)
	f.auth.LoginFunc = func(ctx context.Context, creds cards.Credentials, attempt int) (browser.LoginResult, error) {
		return browser.LoginResult{}, errors.New("bad credentials")
	}

	report, err := f.engine(t, Options{}).RunDeck(context.Background(), cards.Deck{
		Container: cards.Container{DeckId: "55", BagId: "55"},
	})
	var authErr *cards.AuthError
	require.True(t, errors.As(err, &authErr))
	require.Empty(t, report.Records)
	require.False(t, f.sessions.Current().Authenticated)
	require.Zero(t, f.site.Hits("/printdeck/55"))
	require.Len(t, f.rec.Reports("broken", report_engine_run_deck), 1)
}

func TestRunDeckUnknownDeck(t *testing.T) {
	f := setup(t)

	_, err := f.engine(t, Options{}).RunDeck(context.Background(), cards.Deck{
		Container: cards.Container{DeckId: "77", BagId: "77"},
	})
	var discErr *cards.DiscoveryError
	require.True(t, errors.As(err, &discErr))
	require.ErrorIs(t, err, cards.ErrNotFound)
	require.Len(t, f.rec.Reports("warning", report_engine_deck_details), 1)
}
