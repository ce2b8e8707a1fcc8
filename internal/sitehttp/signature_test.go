package sitehttp

import (
	"testing"

	"cardfetch/internal/sitetest"

	"github.com/stretchr/testify/require"
)

func TestLooksLikeLoginPage(t *testing.T) {
	require.True(t, LooksLikeLoginPage([]byte(sitetest.LoginPageHtml)))
	require.True(t, LooksLikeLoginPage([]byte(`<form action="/accounts/login/"></form>`)))
	require.False(t, LooksLikeLoginPage([]byte(sitetest.MalformedPageHtml)))
	require.False(t, LooksLikeLoginPage([]byte(sitetest.CardPage(sitetest.Card{Id: 1, Question: "q"}, false))))
	require.False(t, LooksLikeLoginPage([]byte(`{"answers": []}`)))
}
