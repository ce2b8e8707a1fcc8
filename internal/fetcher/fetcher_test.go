package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cardfetch/internal/browser"
	"cardfetch/internal/browser/browsertest"
	"cardfetch/internal/cards"
	"cardfetch/internal/components/chrono"
	"cardfetch/internal/components/telemetry"
	"cardfetch/internal/session"
	"cardfetch/internal/sitehttp"
	"cardfetch/internal/sitetest"
	"cardfetch/lib/testutil"

	"github.com/stretchr/testify/require"
)

type fixture struct {
	site      *sitetest.Site
	auth      *browsertest.Fake
	exclusive *browser.Exclusive
	sessions  *session.Manager
	rec       *telemetry.Recorder

	mu       sync.Mutex
	attempts []cards.FetchResult
}

func setup(t *testing.T, browserTimeout time.Duration) *fixture {
	t.Cleanup(testutil.SetupTest(t, "fetcher"))

	f := &fixture{
		site: sitetest.New(t),
		rec:  &telemetry.Recorder{},
	}
	f.auth = &browsertest.Fake{
		RenderFunc: func(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error) {
			return f.site.Rendered(id, cookies)
		},
	}
	f.exclusive = browser.NewExclusive(f.auth, browserTimeout, f.rec)
	f.sessions = session.NewManager(f.exclusive, chrono.NewStandardImpl(), f.rec, session.Options{})
	return f
}

func (f *fixture) fetcher(t *testing.T, opts Options) *Fetcher {
	site, err := sitehttp.New(sitehttp.Options{
		BaseUrl:                 f.site.URL(),
		RateLimit:               1000,
		DisableCloudflareBypass: true,
	}, f.rec)
	require.NoError(t, err)

	opts.OnAttempt = func(res cards.FetchResult) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.attempts = append(f.attempts, res)
	}
	return New(site, f.sessions, f.exclusive, chrono.NewStandardImpl(), f.rec, opts)
}

func (f *fixture) attemptsOf(id cards.ItemId) []cards.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []cards.FetchResult
	for _, a := range f.attempts {
		if a.ItemId == id {
			out = append(out, a)
		}
	}
	return out
}

func (f *fixture) addCards(ids ...cards.ItemId) {
	for _, id := range ids {
		f.site.AddCard(sitetest.Card{
			Id:       id,
			Question: fmt.Sprintf("Question %d", id),
			Options:  []sitetest.Option{{Value: "1", Label: "Yes"}, {Value: "2", Label: "No"}},
			Correct:  []string{"1"},
			Feedback: "Because.",
		})
	}
}

func (f *fixture) login(t *testing.T) cards.Session {
	sess, err := f.sessions.EnsureFresh(context.Background())
	require.NoError(t, err)
	return sess
}

func byId(results []cards.FetchResult) map[cards.ItemId]cards.FetchResult {
	out := map[cards.ItemId]cards.FetchResult{}
	for _, r := range results {
		out[r.ItemId] = r
	}
	return out
}

func TestEndToEndScenario(t *testing.T) {
	f := setup(t, 5*time.Second)
	f.addCards(101, 102, 103)
	f.site.Script(102, sitetest.LoginPage)
	f.site.Script(103, sitetest.Malformed, sitetest.Malformed)

	sess := f.login(t)
	results, err := f.fetcher(t, Options{}).FetchAll(context.Background(), []cards.ItemId{101, 102, 103}, sess)
	require.NoError(t, err)
	require.Len(t, results, 3)

	got := byId(results)
	for _, id := range []cards.ItemId{101, 102, 103} {
		require.Equal(t, cards.StatusOk, got[id].Status, id)
		require.NotNil(t, got[id].Payload, id)
	}
	require.Equal(t, cards.SourceApi, got[101].Source)
	require.Equal(t, cards.SourceApi, got[102].Source)
	require.Equal(t, cards.SourceBrowser, got[103].Source)
	require.NotNil(t, got[101].Payload.Solution)
	require.Equal(t, []string{"1"}, got[101].Payload.Solution.Answers)

	// one initial login plus exactly one refresh
	require.Equal(t, int64(2), f.sessions.Refreshes())
	require.Equal(t, []cards.ItemId{103}, f.auth.Rendered())
	require.Equal(t, int64(1), f.exclusive.Renders())
}

func TestFetchAllReturnsOneResultPerItem(t *testing.T) {
	f := setup(t, 5*time.Second)

	var ids []cards.ItemId
	for id := cards.ItemId(1); id <= 40; id++ {
		ids = append(ids, id)
		switch {
		case id%10 == 0:
			// never added, the site answers 404
		case id%7 == 0:
			f.addCards(id)
			f.site.Script(id, sitetest.ServerError, sitetest.ServerError)
		default:
			f.addCards(id)
		}
	}

	results, err := f.fetcher(t, Options{Workers: 8}).FetchAll(context.Background(), ids, f.login(t))
	require.NoError(t, err)
	require.Len(t, results, len(ids))

	got := byId(results)
	require.Len(t, got, len(ids))
	for _, id := range ids {
		res := got[id]
		switch {
		case id%10 == 0:
			require.Equal(t, cards.StatusFetchError, res.Status, id)
			var fetchErr *cards.FetchError
			require.True(t, errors.As(res.Err, &fetchErr))
			require.Equal(t, cards.StatusNotFound, fetchErr.Status)
			require.ErrorIs(t, res.Err, cards.ErrNotFound)
		case id%7 == 0:
			require.Equal(t, cards.StatusOk, res.Status, id)
			require.Equal(t, cards.SourceBrowser, res.Source, id)
		default:
			require.Equal(t, cards.StatusOk, res.Status, id)
			require.Equal(t, cards.SourceApi, res.Source, id)
		}
	}
}

func TestNotFoundIsTerminalWithoutRender(t *testing.T) {
	f := setup(t, 5*time.Second)

	results, err := f.fetcher(t, Options{}).FetchAll(context.Background(), []cards.ItemId{404}, f.login(t))
	require.NoError(t, err)
	require.Equal(t, cards.StatusFetchError, results[0].Status)
	require.ErrorIs(t, results[0].Err, cards.ErrNotFound)
	require.Empty(t, f.auth.Rendered())
	require.Len(t, f.attemptsOf(404), 1)
}

func TestMalformedEscalatesAfterFastAttempts(t *testing.T) {
	f := setup(t, 5*time.Second)
	f.addCards(5)
	f.site.Script(5, sitetest.Malformed, sitetest.Malformed)

	results, err := f.fetcher(t, Options{Workers: 1}).FetchAll(context.Background(), []cards.ItemId{5}, f.login(t))
	require.NoError(t, err)
	require.Equal(t, cards.StatusOk, results[0].Status)
	require.Equal(t, cards.SourceBrowser, results[0].Source)
	require.Equal(t, 3, results[0].Attempt)
	require.NotNil(t, results[0].Partial)

	attempts := f.attemptsOf(5)
	require.Len(t, attempts, 3)
	require.Equal(t, cards.StatusMalformed, attempts[0].Status)
	require.Equal(t, cards.SourceApi, attempts[0].Source)
	require.Equal(t, cards.StatusMalformed, attempts[1].Status)
	require.Equal(t, cards.SourceApi, attempts[1].Source)
	require.Equal(t, cards.SourceBrowser, attempts[2].Source)

	var malformed *cards.MalformedContentError
	require.True(t, errors.As(attempts[0].Err, &malformed))
}

func TestSolutionHtmlIsMalformedNotExpired(t *testing.T) {
	f := setup(t, 5*time.Second)
	f.addCards(7)
	f.site.ScriptSolution(7, sitetest.Malformed)

	results, err := f.fetcher(t, Options{}).FetchAll(context.Background(), []cards.ItemId{7}, f.login(t))
	require.NoError(t, err)
	require.Equal(t, cards.StatusOk, results[0].Status)
	require.Equal(t, cards.SourceApi, results[0].Source)
	require.Equal(t, 2, results[0].Attempt)
	require.Equal(t, int64(1), f.sessions.Refreshes())
}

func TestExpiredSessionCausesOneRefresh(t *testing.T) {
	f := setup(t, 5*time.Second)

	var ids []cards.ItemId
	for id := cards.ItemId(1); id <= 30; id++ {
		ids = append(ids, id)
	}
	f.addCards(ids...)

	sess := f.login(t)
	f.site.Expire(sess.Cookies[0].Value)

	results, err := f.fetcher(t, Options{Workers: 10}).FetchAll(context.Background(), ids, sess)
	require.NoError(t, err)
	for _, res := range results {
		require.Equal(t, cards.StatusOk, res.Status, res.ItemId)
		require.Equal(t, cards.SourceApi, res.Source, res.ItemId)
	}
	require.Equal(t, 2, f.auth.Logins())
	require.Empty(t, f.auth.Rendered())
}

func TestPersistentlyRejectedSessionRefreshesOnce(t *testing.T) {
	f := setup(t, 5*time.Second)
	f.addCards(9)
	f.site.Script(9, sitetest.LoginPage, sitetest.LoginPage, sitetest.LoginPage, sitetest.LoginPage)

	results, err := f.fetcher(t, Options{Workers: 1}).FetchAll(context.Background(), []cards.ItemId{9}, f.login(t))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, cards.StatusOk, results[0].Status)
	require.Equal(t, cards.SourceBrowser, results[0].Source)
	require.Equal(t, 3, results[0].Attempt)

	// the initial login and a single refresh, the second rejection goes
	// straight to the browser
	require.Equal(t, 2, f.auth.Logins())
	require.Equal(t, []cards.ItemId{9}, f.auth.Rendered())

	attempts := f.attemptsOf(9)
	require.Len(t, attempts, 3)
	require.Equal(t, cards.StatusAuthExpired, attempts[0].Status)
	require.Equal(t, cards.StatusAuthExpired, attempts[1].Status)
	require.Equal(t, cards.SourceBrowser, attempts[2].Source)
}

func TestAuthErrorAbortsRun(t *testing.T) {
	f := setup(t, 5*time.Second)
	f.auth.LoginFunc = func(ctx context.Context, _ cards.Credentials, attempt int) (browser.LoginResult, error) {
		if attempt == 1 {
			return browser.LoginResult{Cookies: []*http.Cookie{browsertest.SessionCookie(attempt)}}, nil
		}
		return browser.LoginResult{}, fmt.Errorf("account locked: %w", cards.ErrLoginFailed)
	}

	ids := []cards.ItemId{1, 2, 3, 4, 5, 6}
	f.addCards(ids...)
	sess := f.login(t)
	f.site.Expire(sess.Cookies[0].Value)

	results, err := f.fetcher(t, Options{Workers: 2}).FetchAll(context.Background(), ids, sess)
	require.Error(t, err)
	require.True(t, session.IsAuthError(err))
	require.Len(t, results, len(ids))

	for _, res := range results {
		require.Equal(t, cards.StatusFetchError, res.Status)
		require.ErrorIs(t, res.Err, cards.ErrAborted)
	}
	require.Len(t, f.rec.Reports("broken", report_fetcher_abort), 1)
}

func TestHungBrowserIsResetAndRunContinues(t *testing.T) {
	f := setup(t, 50*time.Millisecond)

	var renders atomic.Int32
	f.auth.RenderFunc = func(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error) {
		if renders.Add(1) == 1 {
			return browsertest.Hang(ctx, id, cookies)
		}
		return f.site.Rendered(id, cookies)
	}

	f.addCards(1, 2)
	f.site.Script(1, sitetest.Malformed, sitetest.Malformed)
	f.site.Script(2, sitetest.Malformed, sitetest.Malformed)

	results, err := f.fetcher(t, Options{}).FetchAll(context.Background(), []cards.ItemId{1, 2}, f.login(t))
	require.NoError(t, err)
	require.Len(t, results, 2)

	var ok, timedOut int
	for _, res := range results {
		switch {
		case res.Status == cards.StatusOk:
			ok++
			require.Equal(t, cards.SourceBrowser, res.Source)
		case browser.IsTimeout(res.Err):
			timedOut++
			require.Equal(t, cards.StatusFetchError, res.Status)
		}
	}
	require.Equal(t, 1, ok)
	require.Equal(t, 1, timedOut)
	require.Equal(t, 1, f.auth.Closes())
	require.Equal(t, int64(1), f.exclusive.Resets())
}

func TestCustomClassifier(t *testing.T) {
	f := setup(t, 5*time.Second)
	f.addCards(9)
	f.site.Script(9, sitetest.LoginPage)

	// a site where the login form also shows up on healthy pages would
	// want to never treat it as expiry
	classifier := func(stage Stage, res Response) (cards.FetchStatus, string) {
		status, reason := DefaultClassifier(stage, res)
		if status == cards.StatusAuthExpired {
			return cards.StatusMalformed, reason
		}
		return status, reason
	}

	results, err := f.fetcher(t, Options{Classifier: classifier}).FetchAll(context.Background(), []cards.ItemId{9}, f.login(t))
	require.NoError(t, err)
	require.Equal(t, cards.StatusOk, results[0].Status)
	require.Equal(t, 2, results[0].Attempt)
	require.Equal(t, 1, f.auth.Logins())
}

func TestCancelledContextAborts(t *testing.T) {
	f := setup(t, 5*time.Second)
	f.addCards(1, 2, 3)
	sess := f.login(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := f.fetcher(t, Options{}).FetchAll(ctx, []cards.ItemId{1, 2, 3}, sess)
	require.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 3)
	for _, res := range results {
		require.ErrorIs(t, res.Err, cards.ErrAborted)
	}
}

func TestWorkersClamped(t *testing.T) {
	f := setup(t, time.Second)
	require.Equal(t, DefaultWorkers, f.fetcher(t, Options{}).Workers())
	require.Equal(t, MaxWorkers, f.fetcher(t, Options{Workers: 64}).Workers())
	require.Equal(t, 3, f.fetcher(t, Options{Workers: 3}).Workers())
}

func TestFetchAllEmpty(t *testing.T) {
	f := setup(t, time.Second)
	results, err := f.fetcher(t, Options{}).FetchAll(context.Background(), nil, cards.Session{})
	require.NoError(t, err)
	require.Empty(t, results)
}
