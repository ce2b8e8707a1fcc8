package browser

import (
	"net/http"
	"net/url"
	"testing"
	"time"

	"cardfetch/internal/components/telemetry"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/require"
)

func TestCookieConversion(t *testing.T) {
	base, err := url.Parse("https://cards.example.com")
	require.NoError(t, err)

	expires := time.Unix(1_900_000_000, 0)
	in := []*http.Cookie{
		{Name: "sessionid", Value: "abc", Domain: "cards.example.com", Expires: expires, HttpOnly: true},
		{Name: "csrftoken", Value: "xyz"},
	}

	out := toPlaywrightCookies(base, in)
	require.Len(t, out, 2)
	require.Equal(t, "cards.example.com", *out[0].Domain)
	require.Equal(t, "/", *out[0].Path)
	require.Equal(t, float64(1_900_000_000), *out[0].Expires)
	require.Nil(t, out[1].Domain)
	require.Equal(t, "https://cards.example.com", *out[1].URL)

	back := fromPlaywrightCookies([]playwright.Cookie{
		{Name: "sessionid", Value: "abc", Domain: "cards.example.com", Path: "/", Expires: 1_900_000_000, HttpOnly: true},
		{Name: "csrftoken", Value: "xyz", Domain: "cards.example.com", Path: "/", Expires: -1},
	})
	require.Equal(t, expires, back[0].Expires)
	require.True(t, back[0].HttpOnly)
	require.True(t, back[1].Expires.IsZero())
}

func TestCloseDoesNotWaitForLaunch(t *testing.T) {
	p, err := NewPlaywright(PlaywrightOptions{BaseUrl: "https://cards.example.com"}, &telemetry.Recorder{})
	require.NoError(t, err)

	// a launch stuck installing or starting chromium
	p.launchMu.Lock()
	defer p.launchMu.Unlock()
	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()

	closed := make(chan error, 1)
	go func() {
		closed <- p.Close()
	}()
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Close blocked on a launch in progress")
	}

	// the launch finishing afterwards must not resurrect the browser
	require.False(t, p.adopt(epoch, nil, nil))
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Nil(t, p.browser)
	require.Nil(t, p.pw)
}

func TestAdoptKeepsLaunchWithoutClose(t *testing.T) {
	p, err := NewPlaywright(PlaywrightOptions{BaseUrl: "https://cards.example.com"}, &telemetry.Recorder{})
	require.NoError(t, err)

	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()
	require.True(t, p.adopt(epoch, nil, nil))
	require.NoError(t, p.Close())
	require.False(t, p.adopt(epoch, nil, nil))
}
