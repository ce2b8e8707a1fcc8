// Package browser drives a real browser for the two things plain http
// requests cannot do: logging in through the site's form, and rendering card
// pages whose content is produced by scripts.
package browser

import (
	"context"
	"errors"
	"net/http"

	"cardfetch/internal/cards"
)

var ErrTimeout = errors.New("browser operation timed out")

type LoginResult struct {
	Cookies []*http.Cookie
}

type Authenticator interface {
	// Login submits the login form and returns the cookies of the
	// authenticated browser context. A rejected login wraps
	// cards.ErrLoginFailed.
	Login(ctx context.Context, creds cards.Credentials) (LoginResult, error)
	// Render loads the card page with the given cookies, submits the card so
	// the solution is shown, and returns the rendered DOM.
	Render(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error)
	// Close releases the browser, the next Login or Render reopens it.
	Close() error
}
