// Package sitehttp builds the http client shared by discovery and the fast
// path of the fetcher.
package sitehttp

import (
	"fmt"
	"net/url"
	"time"

	"cardfetch/internal/components/assert"
	"cardfetch/internal/components/telemetry"
	"cardfetch/lib/restyutil"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultRateLimit = 10
)

type Options struct {
	BaseUrl string
	// Timeout bounds each individual request.
	Timeout time.Duration
	// RateLimit is the number of requests per second across every worker,
	// zero means DefaultRateLimit.
	RateLimit float64
	// DumpOutput receives full request/response dumps when debug logging is
	// on, it may be nil.
	DumpOutput restyutil.InstrumentOutput
	// DisableCloudflareBypass keeps the plain transport, the bypass picks
	// browser fingerprints that tests have no use for.
	DisableCloudflareBypass bool
}

type Client struct {
	BaseUrl *url.URL
	Http    *resty.Client
}

// New builds a client without a cookie jar, session cookies are attached per
// request so the session manager stays the only owner of auth state.
func New(opts Options, tel telemetry.API) (Client, error) {
	assert.NotNil(tel)

	parsedBaseUrl, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return Client{}, fmt.Errorf("parse base url: %w", err)
	}
	if parsedBaseUrl.Scheme == "" || parsedBaseUrl.Host == "" {
		return Client{}, fmt.Errorf("base url %q must be absolute", opts.BaseUrl)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = DefaultRateLimit
	}

	httpClient := resty.New()
	httpClient.SetBaseURL(opts.BaseUrl)
	if !opts.DisableCloudflareBypass {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}

	httpClient.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	httpClient.SetRedirectPolicy(resty.DomainCheckRedirectPolicy(parsedBaseUrl.Hostname()))
	httpClient.SetTimeout(opts.Timeout)

	// burst equal to the rate so that a full pool of workers can start at once
	burst := int(opts.RateLimit)
	if burst < 1 {
		burst = 1
	}
	rateLimiter := rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return rateLimiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, telemetry.NewScopedAPI("sitehttp", tel))
	restyutil.InstrumentClient(httpClient, otel.Tracer("cardfetch.sitehttp"), opts.DumpOutput)

	return Client{
		BaseUrl: parsedBaseUrl,
		Http:    httpClient,
	}, nil
}
