package cards

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseItemId(t *testing.T) {
	id, err := ParseItemId(" 101 ")
	require.NoError(t, err)
	require.Equal(t, ItemId(101), id)
	require.Equal(t, "101", id.String())

	for _, bad := range []string{"0", "-3", "abc", ""} {
		_, err := ParseItemId(bad)
		require.Error(t, err, bad)
	}
}

func TestSessionStale(t *testing.T) {
	start := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sess := Session{
		Authenticated: true,
		EstablishedAt: start,
		TTL:           30 * time.Minute,
	}
	require.False(t, sess.Stale(start.Add(29*time.Minute)))
	require.True(t, sess.Stale(start.Add(30*time.Minute)))
	require.True(t, Session{}.Stale(start))
}

func TestSessionCloneIsolatesCookies(t *testing.T) {
	sess := Session{
		Authenticated: true,
		Cookies:       []*http.Cookie{{Name: "sessionid", Value: "a"}},
	}
	copied := sess.Clone()
	copied.Cookies[0].Value = "b"
	copied.Cookies = append(copied.Cookies, &http.Cookie{Name: "csrftoken"})

	require.Equal(t, "a", sess.Cookies[0].Value)
	require.Len(t, sess.Cookies, 1)
}

func TestErrorUnwrapping(t *testing.T) {
	authErr := &AuthError{Attempts: 3, Err: fmt.Errorf("no logout link: %w", ErrLoginFailed)}
	wrapped := fmt.Errorf("refresh: %w", authErr)

	var target *AuthError
	require.True(t, errors.As(wrapped, &target))
	require.Equal(t, 3, target.Attempts)
	require.ErrorIs(t, wrapped, ErrLoginFailed)

	malformed := &MalformedContentError{ItemId: 7, Reason: "missing card form"}
	fetchErr := &FetchError{ItemId: 7, Status: StatusMalformed, Attempts: 3, Err: malformed}
	var m *MalformedContentError
	require.True(t, errors.As(fetchErr, &m))
	require.Contains(t, fetchErr.Error(), "malformed after 3 attempt(s)")
}

func TestFragmentKindRoundTrip(t *testing.T) {
	for _, k := range []FragmentKind{FragmentTable, FragmentImage, FragmentList, FragmentRichText} {
		parsed, err := ParseFragmentKind(k.String())
		require.NoError(t, err)
		require.Equal(t, k, parsed)
	}
	_, err := ParseFragmentKind("video")
	require.Error(t, err)
}
