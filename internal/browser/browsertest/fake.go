// Package browsertest provides a scripted Authenticator for tests.
package browsertest

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"cardfetch/internal/browser"
	"cardfetch/internal/cards"
)

// Fake answers Login and Render from functions set by the test. A nil
// LoginFunc issues a fresh "sessionid" cookie per login, a nil RenderFunc
// returns an error.
type Fake struct {
	LoginFunc  func(ctx context.Context, creds cards.Credentials, attempt int) (browser.LoginResult, error)
	RenderFunc func(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error)

	mu       sync.Mutex
	logins   int
	rendered []cards.ItemId
	closes   int
}

var _ browser.Authenticator = (*Fake)(nil)

func (f *Fake) Login(ctx context.Context, creds cards.Credentials) (browser.LoginResult, error) {
	f.mu.Lock()
	f.logins++
	attempt := f.logins
	f.mu.Unlock()

	if f.LoginFunc != nil {
		return f.LoginFunc(ctx, creds, attempt)
	}
	return browser.LoginResult{
		Cookies: []*http.Cookie{SessionCookie(attempt)},
	}, nil
}

func (f *Fake) Render(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error) {
	f.mu.Lock()
	f.rendered = append(f.rendered, id)
	f.mu.Unlock()

	if f.RenderFunc == nil {
		return "", fmt.Errorf("no render scripted for %s", id)
	}
	return f.RenderFunc(ctx, id, cookies)
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *Fake) Logins() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func (f *Fake) Rendered() []cards.ItemId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cards.ItemId(nil), f.rendered...)
}

func (f *Fake) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// SessionCookie is the cookie the default LoginFunc issues on the n-th login.
func SessionCookie(n int) *http.Cookie {
	return &http.Cookie{Name: "sessionid", Value: fmt.Sprintf("session-%d", n), Path: "/"}
}

// Hang blocks until ctx is done, it simulates a browser that stopped
// responding.
func Hang(ctx context.Context, _ cards.ItemId, _ []*http.Cookie) (string, error) {
	<-ctx.Done()
	return "", ctx.Err()
}
