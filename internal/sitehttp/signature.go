package sitehttp

import (
	"bytes"

	"github.com/PuerkitoBio/goquery"
)

// IsLoginPage reports whether doc is the site's login form, which is what
// every authenticated endpoint answers with once a session has expired.
func IsLoginPage(doc *goquery.Document) bool {
	return doc.Find("input[name=password], form[action*='login']").Length() > 0
}

// LooksLikeLoginPage is IsLoginPage on a raw body, anything that fails to
// parse is not a login page.
func LooksLikeLoginPage(body []byte) bool {
	doc, err := goquery.NewDocumentFromReader(bytes.NewBuffer(body))
	if err != nil {
		return false
	}
	return IsLoginPage(doc)
}
