package restyutil

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func TestFormatHeadersRedactsCookies(t *testing.T) {
	headers := http.Header{}
	headers.Set("Cookie", "sessionid=secret")
	headers.Set("Accept", "text/html")

	out := formatHeaders(headers)
	require.Equal(t, "Accept: text/html\nCookie: <redacted>", out)
}

func TestFormatRequestBody(t *testing.T) {
	require.Equal(t, "", formatRequestBody(nil))

	get, err := http.NewRequest(http.MethodGet, "http://cards.test/card/101", nil)
	require.NoError(t, err)
	require.Equal(t, "", formatRequestBody(get))

	// resty sets GetBody even for requests without a body
	get.GetBody = func() (io.ReadCloser, error) { return nil, nil }
	require.Equal(t, "", formatRequestBody(get))
	get.GetBody = func() (io.ReadCloser, error) { return http.NoBody, nil }
	require.Equal(t, "", formatRequestBody(get))

	post, err := http.NewRequest(http.MethodPost, "http://cards.test/solution/101/", strings.NewReader("timer=1"))
	require.NoError(t, err)
	require.Equal(t, "timer=1", formatRequestBody(post))
}

func TestInstrumentClientDumpsMessages(t *testing.T) {
	previous := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	defer slog.SetDefault(previous)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "<h3>card</h3>")
	}))
	defer srv.Close()

	dir := filepath.Join(t.TempDir(), "dump")
	output, err := NewFilesystemOutput(dir)
	require.NoError(t, err)

	client := resty.New().SetBaseURL(srv.URL)
	InstrumentClient(client, nil, output)

	_, err = client.R().Get("/card/101")
	require.NoError(t, err)

	contents, err := os.ReadFile(filepath.Join(dir, "1.txt"))
	require.NoError(t, err)
	require.Contains(t, string(contents), "GET")
	require.Contains(t, string(contents), "<h3>card</h3>")

	_, err = client.R().SetFormData(map[string]string{"timer": "1"}).Post("/solution/101/")
	require.NoError(t, err)
	contents, err = os.ReadFile(filepath.Join(dir, "2.txt"))
	require.NoError(t, err)
	require.Contains(t, string(contents), "timer=1")
}
