package sitetest

import (
	"fmt"
	"html"
	"net/http"
	"slices"
	"strings"

	"cardfetch/internal/cards"
)

const LoginPageHtml = `<html><body>
<form action="/login" method="post">
	<input type="text" name="username">
	<input type="password" name="password">
	<button type="submit">Log in</button>
</form>
</body></html>`

const MalformedPageHtml = `<html><body><div class="loading">Loading card...</div></body></html>`

// CardPage renders a card the way the site serves it. When rendered is true
// the page looks like it does in a browser after the card was submitted: the
// feedback is shown and correct options are marked.
func CardPage(c Card, rendered bool) string {
	var b strings.Builder
	b.WriteString(`<html><body><div class="wrap">`)
	if c.Patient != "" {
		fmt.Fprintf(&b, `<h4 class="patient-info">%s</h4>`, html.EscapeString(c.Patient))
	}

	b.WriteString(`<div class="container card">`)
	if c.Vitals != nil && rendered {
		fmt.Fprintf(
			&b,
			`<div class="group box monitor"><div class="hr"><span>%s</span></div><div class="o2"><span>%s</span></div><div class="rr"><span>%s</span></div><div class="temp"><span>%s</span></div><div class="bp"><span>%s</span></div></div>`,
			c.Vitals.HeartRate, c.Vitals.SpO2, c.Vitals.RespRate, c.Vitals.Temperature, c.Vitals.BloodPress,
		)
	}
	b.WriteString(c.Background)
	b.WriteString(`</div>`)

	kind := "pickone"
	inputType := "radio"
	if c.Multi {
		kind = "pickmany"
		inputType = "checkbox"
	}
	fmt.Fprintf(&b, `<div id="workspace"><div class="solution container"><form rel="%s">`, kind)
	fmt.Fprintf(&b, `<h3>%s</h3><div class="options">`, html.EscapeString(c.Question))
	for i, o := range c.Options {
		class := "option"
		if rendered && slices.Contains(c.Correct, o.Value) {
			class += " correct"
		}
		fmt.Fprintf(
			&b,
			`<div class="%s"><input type="%s" id="opt-%d" value="%s"><label for="opt-%d">%s</label></div>`,
			class, inputType, i, html.EscapeString(o.Value), i, html.EscapeString(o.Label),
		)
	}
	b.WriteString(`</div>`)
	fmt.Fprintf(&b, `<div class="submit"><button rel="/solution/%d/">Check</button></div>`, c.Id)
	if rendered {
		fmt.Fprintf(&b, `<div class="feedback">%s</div>`, html.EscapeString(c.Feedback))
		fmt.Fprintf(&b, `<div class="score">%s</div>`, html.EscapeString(c.ScoreText))
	}
	b.WriteString(`</form></div></div></div></body></html>`)
	return b.String()
}

// Rendered returns what a browser would show for id, for use as the render
// function of a fake authenticator. Requests carrying an expired session get
// the login page, like the real site would.
func (s *Site) Rendered(id cards.ItemId, cookies []*http.Cookie) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	valid := false
	for _, c := range cookies {
		if c.Name == SessionCookieName && c.Value != "" && !s.expired[c.Value] {
			valid = true
		}
	}
	if !valid {
		return LoginPageHtml, nil
	}
	card, ok := s.cards[id]
	if !ok {
		return "<html><body><h1>Not Found</h1></body></html>", nil
	}
	return CardPage(card, true), nil
}
