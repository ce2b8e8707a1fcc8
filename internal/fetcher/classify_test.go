package fetcher

import (
	"errors"
	"net/http"
	"testing"

	"cardfetch/internal/cards"
	"cardfetch/internal/sitetest"

	"github.com/stretchr/testify/require"
)

func TestDefaultClassifier(t *testing.T) {
	cardPage := []byte(sitetest.CardPage(sitetest.Card{Id: 1, Question: "Which?"}, false))

	cases := []struct {
		name   string
		stage  Stage
		res    Response
		status cards.FetchStatus
	}{
		{"transport error", StageCard, Response{Err: errors.New("connection reset")}, cards.StatusFetchError},
		{"not found", StageCard, Response{StatusCode: http.StatusNotFound}, cards.StatusNotFound},
		{"rate limited", StageCard, Response{StatusCode: http.StatusTooManyRequests}, cards.StatusFetchError},
		{"server error", StageSolution, Response{StatusCode: http.StatusBadGateway}, cards.StatusFetchError},
		{"card ok", StageCard, Response{StatusCode: 200, Body: cardPage}, cards.StatusOk},
		{"card login page", StageCard, Response{StatusCode: 200, Body: []byte(sitetest.LoginPageHtml)}, cards.StatusAuthExpired},
		{"card without markup", StageCard, Response{StatusCode: 200, Body: []byte(sitetest.MalformedPageHtml)}, cards.StatusMalformed},
		{"solution json", StageSolution, Response{StatusCode: 200, Body: []byte(`{"answers": ["1"]}`)}, cards.StatusOk},
		{"solution login page", StageSolution, Response{StatusCode: 200, Body: []byte(sitetest.LoginPageHtml)}, cards.StatusAuthExpired},
		{"solution html", StageSolution, Response{StatusCode: 200, Body: []byte("<p>oops</p>")}, cards.StatusMalformed},
		{"rendered login page", StageRendered, Response{StatusCode: 200, Body: []byte(sitetest.LoginPageHtml)}, cards.StatusAuthExpired},
		{"rendered ok", StageRendered, Response{StatusCode: 200, Body: []byte(sitetest.CardPage(sitetest.Card{Id: 1}, true))}, cards.StatusOk},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, reason := DefaultClassifier(tc.stage, tc.res)
			require.Equal(t, tc.status, status)
			if status != cards.StatusOk {
				require.NotEmpty(t, reason)
			}
		})
	}
}

func TestParseSolution(t *testing.T) {
	solution, err := parseSolution([]byte(`{
		"answers": [3, "5", null],
		"feedback": "  Aspirin inhibits COX. ",
		"scoreText": "1 of 1",
		"score": "100"
	}`))
	require.NoError(t, err)
	require.Equal(t, &cards.Solution{
		Answers:   []string{"3", "5"},
		Feedback:  "Aspirin inhibits COX.",
		ScoreText: "1 of 1",
		Score:     100,
	}, solution)

	solution, err = parseSolution([]byte(`{"answers": [], "score": 87.5}`))
	require.NoError(t, err)
	require.Equal(t, 87.5, solution.Score)
	require.Empty(t, solution.Answers)

	_, err = parseSolution([]byte(`["not", "an", "object"]`))
	require.Error(t, err)

	_, err = parseSolution([]byte(`{"score": "lots"}`))
	require.Error(t, err)
}
