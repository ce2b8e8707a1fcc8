package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"cardfetch/internal/cards"
	"cardfetch/internal/components/assert"
	"cardfetch/internal/components/telemetry"

	"github.com/playwright-community/playwright-go"
)

const (
	report_playwright_launch = "playwright.launch"
	report_playwright_login  = "playwright.login"
	report_playwright_render = "playwright.render"
	report_playwright_close  = "playwright.close"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36"

type PlaywrightOptions struct {
	BaseUrl  string
	Headless bool
	// Timeout applies to every individual page action.
	Timeout time.Duration
	// Install downloads the browser binaries before the first launch.
	Install bool
}

// Playwright is an Authenticator backed by a lazily launched chromium.
type Playwright struct {
	opts    PlaywrightOptions
	baseUrl *url.URL
	tel     telemetry.API

	// launchMu serializes launches, mu guards the fields below and is never
	// held across a call into playwright
	launchMu sync.Mutex
	mu       sync.Mutex
	epoch    uint64
	pw       *playwright.Playwright
	browser  playwright.Browser
}

func NewPlaywright(opts PlaywrightOptions, tel telemetry.API) (*Playwright, error) {
	assert.NotNil(tel)

	parsed, err := url.Parse(opts.BaseUrl)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}

	return &Playwright{
		opts:    opts,
		baseUrl: parsed,
		tel:     telemetry.NewScopedAPI("playwright", tel),
	}, nil
}

func (p *Playwright) launched() (playwright.Browser, error) {
	p.launchMu.Lock()
	defer p.launchMu.Unlock()

	p.mu.Lock()
	pw, browser, epoch := p.pw, p.browser, p.epoch
	p.mu.Unlock()

	if browser != nil && browser.IsConnected() {
		return browser, nil
	}

	runOpts := &playwright.RunOptions{
		Browsers: []string{"chromium"},
		Verbose:  false,
		Stdout:   io.Discard,
		Stderr:   io.Discard,
	}
	if pw == nil {
		if p.opts.Install {
			err := playwright.Install(runOpts)
			if err != nil {
				p.tel.ReportBroken(report_playwright_launch, fmt.Errorf("install: %w", err))
				return nil, fmt.Errorf("install playwright: %w", err)
			}
		}
		var err error
		pw, err = playwright.Run(runOpts)
		if err != nil {
			p.tel.ReportBroken(report_playwright_launch, fmt.Errorf("run: %w", err))
			return nil, fmt.Errorf("start playwright: %w", err)
		}
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(p.opts.Headless),
	})
	if err != nil {
		p.tel.ReportBroken(report_playwright_launch, fmt.Errorf("launch chromium: %w", err))
		p.adopt(epoch, pw, nil)
		return nil, fmt.Errorf("launch browser: %w", err)
	}
	if !p.adopt(epoch, pw, browser) {
		return nil, errClosedDuringLaunch
	}
	p.tel.ReportDebug(report_playwright_launch, p.opts.Headless)

	return browser, nil
}

var errClosedDuringLaunch = errors.New("browser closed while launching")

// adopt stores what a launch produced unless Close ran since the launch
// started, in which case it is shut down instead.
func (p *Playwright) adopt(epoch uint64, pw *playwright.Playwright, browser playwright.Browser) bool {
	p.mu.Lock()
	if p.epoch == epoch {
		p.pw = pw
		p.browser = browser
		p.mu.Unlock()
		return true
	}
	p.mu.Unlock()

	err := shutdown(pw, browser)
	if err != nil {
		p.tel.ReportWarning(report_playwright_close, err)
	}
	return false
}

func shutdown(pw *playwright.Playwright, browser playwright.Browser) error {
	var errs []error
	if browser != nil {
		errs = append(errs, browser.Close())
	}
	if pw != nil {
		errs = append(errs, pw.Stop())
	}
	return errors.Join(errs...)
}

func (p *Playwright) newPage(cookies []*http.Cookie) (playwright.BrowserContext, playwright.Page, error) {
	browser, err := p.launched()
	if err != nil {
		return nil, nil, err
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(userAgent),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create context: %w", err)
	}
	if len(cookies) > 0 {
		err = bctx.AddCookies(toPlaywrightCookies(p.baseUrl, cookies))
		if err != nil {
			bctx.Close()
			return nil, nil, fmt.Errorf("add cookies: %w", err)
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		bctx.Close()
		return nil, nil, fmt.Errorf("create page: %w", err)
	}
	page.SetDefaultTimeout(float64(p.opts.Timeout.Milliseconds()))

	return bctx, page, nil
}

func (p *Playwright) endpoint(path string) string {
	return p.baseUrl.JoinPath(path).String()
}

func (p *Playwright) Login(ctx context.Context, creds cards.Credentials) (LoginResult, error) {
	if err := ctx.Err(); err != nil {
		return LoginResult{}, err
	}

	bctx, page, err := p.newPage(nil)
	if err != nil {
		p.tel.ReportBroken(report_playwright_login, err)
		return LoginResult{}, err
	}
	defer bctx.Close()

	_, err = page.Goto(p.endpoint("/login"), playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		p.tel.ReportBroken(report_playwright_login, fmt.Errorf("goto login page: %w", err))
		return LoginResult{}, fmt.Errorf("open login page: %w", err)
	}

	err = page.Fill("input[name=username]", creds.Username)
	if err != nil {
		p.tel.ReportBroken(report_playwright_login, fmt.Errorf("fill username: %w", err))
		return LoginResult{}, fmt.Errorf("fill username: %w", err)
	}
	err = page.Fill("input[name=password]", creds.Password)
	if err != nil {
		p.tel.ReportBroken(report_playwright_login, fmt.Errorf("fill password: %w", err))
		return LoginResult{}, fmt.Errorf("fill password: %w", err)
	}
	err = page.Press("input[name=password]", "Enter")
	if err != nil {
		p.tel.ReportBroken(report_playwright_login, fmt.Errorf("submit: %w", err))
		return LoginResult{}, fmt.Errorf("submit login form: %w", err)
	}

	// the dashboard shows a logout link only once authenticated
	_, err = page.WaitForSelector("text=Logout")
	if err != nil {
		content, contentErr := page.Content()
		if contentErr != nil || !strings.Contains(content, "Logout") {
			p.tel.ReportWarning(report_playwright_login, fmt.Errorf("no logout link after submit: %w", err), page.URL())
			return LoginResult{}, fmt.Errorf("no logout link after submit: %w", cards.ErrLoginFailed)
		}
	}

	cookies, err := bctx.Cookies()
	if err != nil {
		p.tel.ReportBroken(report_playwright_login, fmt.Errorf("read cookies: %w", err))
		return LoginResult{}, fmt.Errorf("read cookies: %w", err)
	}

	return LoginResult{Cookies: fromPlaywrightCookies(cookies)}, nil
}

func (p *Playwright) Render(ctx context.Context, id cards.ItemId, cookies []*http.Cookie) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	bctx, page, err := p.newPage(cookies)
	if err != nil {
		p.tel.ReportBroken(report_playwright_render, err, id)
		return "", err
	}
	defer bctx.Close()

	_, err = page.Goto(p.endpoint(fmt.Sprintf("/card/%d", id)), playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateLoad,
	})
	if err != nil {
		p.tel.ReportBroken(report_playwright_render, fmt.Errorf("goto card: %w", err), id)
		return "", fmt.Errorf("open card page: %w", err)
	}

	_, err = page.WaitForSelector("#workspace form")
	if err != nil {
		// not fatal, the caller decides whether the DOM is usable
		p.tel.ReportWarning(report_playwright_render, fmt.Errorf("card form never appeared: %w", err), id)
	} else {
		shortTimeout := float64(5000)
		err = page.Click("div.submit button", playwright.PageClickOptions{Timeout: &shortTimeout})
		if err == nil {
			_, err = page.WaitForSelector("div.feedback", playwright.PageWaitForSelectorOptions{Timeout: &shortTimeout})
		}
		if err != nil {
			p.tel.ReportDebug(report_playwright_render, "solution not shown", id, err.Error())
		}
	}

	content, err := page.Content()
	if err != nil {
		p.tel.ReportBroken(report_playwright_render, fmt.Errorf("read content: %w", err), id)
		return "", fmt.Errorf("read rendered content: %w", err)
	}
	return content, nil
}

// Close shuts the browser down. It does not wait for a launch in progress,
// that launch throws its result away when it finishes.
func (p *Playwright) Close() error {
	p.mu.Lock()
	pw, browser := p.pw, p.browser
	p.pw, p.browser = nil, nil
	p.epoch++
	p.mu.Unlock()

	err := shutdown(pw, browser)
	if err != nil {
		p.tel.ReportWarning(report_playwright_close, err)
	}
	return err
}

func toPlaywrightCookies(base *url.URL, cookies []*http.Cookie) []playwright.OptionalCookie {
	out := make([]playwright.OptionalCookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := playwright.OptionalCookie{
			Name:     c.Name,
			Value:    c.Value,
			HttpOnly: playwright.Bool(c.HttpOnly),
			Secure:   playwright.Bool(c.Secure),
		}
		if c.Domain != "" {
			cookie.Domain = playwright.String(c.Domain)
			path := c.Path
			if path == "" {
				path = "/"
			}
			cookie.Path = playwright.String(path)
		} else {
			cookie.URL = playwright.String(base.String())
		}
		if !c.Expires.IsZero() {
			expires := float64(c.Expires.Unix())
			cookie.Expires = &expires
		}
		out = append(out, cookie)
	}
	return out
}

func fromPlaywrightCookies(cookies []playwright.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			HttpOnly: c.HttpOnly,
			Secure:   c.Secure,
		}
		// playwright uses -1 for session cookies
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, cookie)
	}
	return out
}
