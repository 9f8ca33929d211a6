// Package browser drives a headless Chrome with stealth patches applied, it
// is only used for retailers whose bot protection rejects plain http
// clients.
package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/session"

	useragent "github.com/EDDYCJY/fake-useragent"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

const (
	report_launch = "browser.launch"
	report_fetch  = "browser.fetch-page"
	report_post   = "browser.post"
)

type Viewport struct {
	Width  int
	Height int
}

var defaultViewports = []Viewport{
	{1920, 1080},
	{1680, 1050},
	{1536, 864},
	{1440, 900},
	{1366, 768},
}

const fallbackUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"

// applied on top of the stealth patches before any navigation
const evasionJS = `() => {
	Object.defineProperty(navigator, 'webdriver', { get: () => undefined });
	Object.defineProperty(navigator, 'languages', { get: () => ['en-US', 'en'] });
	Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 8 });
	window.chrome = window.chrome || { runtime: {} };
}`

const fetchJS = `(url, headers, body) => fetch(url, {
	method: 'POST',
	credentials: 'include',
	headers: headers,
	body: body,
}).then(async (r) => ({ status: r.status, url: r.url, body: await r.text() }))`

type Config struct {
	// RemoteURL is the devtools websocket of an already running Chrome,
	// empty launches a local one.
	RemoteURL string
	Bin       string
	Headless  bool
	Proxy     string
	// UserAgent is picked at random when empty.
	UserAgent string
	Viewports []Viewport
	// Origin is the page Post requests are issued from.
	Origin string
	// PauseMax bounds the human like pauses after navigation.
	PauseMax       time.Duration
	ScrollSteps    int
	RequestTimeout time.Duration
}

func (c *Config) defaults() {
	if len(c.Viewports) == 0 {
		c.Viewports = defaultViewports
	}
	if c.ScrollSteps <= 0 {
		c.ScrollSteps = 6
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 45 * time.Second
	}
}

// Browser implements session.PageFetcher on top of a real browser.
type Browser struct {
	cfg Config
	tel telemetry.API

	mu        sync.Mutex
	lnch      *launcher.Launcher
	browser   *rod.Browser
	origin    *rod.Page
	userAgent string
	viewport  Viewport
}

func New(cfg Config, tel telemetry.API) *Browser {
	cfg.defaults()
	ua := cfg.UserAgent
	if ua == "" {
		ua = randomUserAgent()
	}
	return &Browser{
		cfg:       cfg,
		tel:       telemetry.NewScopedAPI("browser", tel),
		userAgent: ua,
		viewport:  cfg.Viewports[rand.IntN(len(cfg.Viewports))],
	}
}

func randomUserAgent() string {
	ua := useragent.Chrome()
	if ua == "" {
		return fallbackUserAgent
	}
	return ua
}

func (b *Browser) UserAgent() string {
	return b.userAgent
}

func (b *Browser) connect(ctx context.Context) (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser != nil {
		return b.browser, nil
	}

	controlURL := b.cfg.RemoteURL
	if controlURL == "" {
		l := launcher.New().
			Headless(b.cfg.Headless).
			Set("disable-blink-features", "AutomationControlled").
			Set("window-size", fmt.Sprintf("%d,%d", b.viewport.Width, b.viewport.Height))
		if b.cfg.Bin != "" {
			l = l.Bin(b.cfg.Bin)
		}
		if b.cfg.Proxy != "" {
			l = l.Proxy(b.cfg.Proxy)
		}
		u, err := l.Launch()
		if err != nil {
			b.tel.ReportBroken(report_launch, err)
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		b.lnch = l
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL)
	err := browser.Connect()
	if err != nil {
		b.tel.ReportBroken(report_launch, err)
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	b.browser = browser
	return browser, nil
}

// newPage opens a stealth page with the identity of this browser.
func (b *Browser) newPage(ctx context.Context) (*rod.Page, error) {
	browser, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(browser)
	if err != nil {
		return nil, fmt.Errorf("browser: stealth page: %w", err)
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             b.viewport.Width,
		Height:            b.viewport.Height,
		DeviceScaleFactor: 1,
	})
	if err != nil {
		page.Close()
		return nil, err
	}
	err = page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: b.userAgent})
	if err != nil {
		page.Close()
		return nil, err
	}
	_, err = page.EvalOnNewDocument(evasionJS)
	if err != nil {
		page.Close()
		return nil, err
	}
	return page, nil
}

func cookieParams(target string, cookies map[string]string) []*proto.NetworkCookieParam {
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		return nil
	}
	origin := u.Scheme + "://" + u.Host
	out := make([]*proto.NetworkCookieParam, 0, len(cookies))
	for name, value := range cookies {
		out = append(out, &proto.NetworkCookieParam{
			Name:  name,
			Value: value,
			URL:   origin,
			Path:  "/",
		})
	}
	return out
}

func cookieMap(cookies []*proto.NetworkCookie) map[string]string {
	out := make(map[string]string, len(cookies))
	for _, c := range cookies {
		out[c.Name] = c.Value
	}
	return out
}

func (b *Browser) pause(ctx context.Context) {
	if b.cfg.PauseMax <= 0 {
		return
	}
	d := b.cfg.PauseMax/3 + rand.N(b.cfg.PauseMax*2/3+1)
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}

// humanize scrolls down the page in a few uneven steps.
func (b *Browser) humanize(ctx context.Context, page *rod.Page) {
	for i := 0; i < b.cfg.ScrollSteps; i++ {
		dy := float64(200 + rand.IntN(400))
		err := page.Mouse.Scroll(0, dy, 2+rand.IntN(4))
		if err != nil {
			return
		}
		b.pause(ctx)
	}
}

// navigate loads target in page and returns the status of the main
// document.
func (b *Browser) navigate(ctx context.Context, page *rod.Page, target string) (int, error) {
	var status atomic.Int64
	wait := page.EachEvent(func(e *proto.NetworkResponseReceived) bool {
		if e.Type != proto.NetworkResourceTypeDocument {
			return false
		}
		status.Store(int64(e.Response.Status))
		return true
	})
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()

	err := page.Navigate(target)
	if err != nil {
		return 0, err
	}
	err = page.WaitLoad()
	if err != nil {
		return 0, err
	}
	select {
	case <-done:
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(5 * time.Second):
	}
	return int(status.Load()), nil
}

// FetchPage navigates to target with cookies set, behaves like a person
// for a moment and returns the rendered document along with every cookie
// the browser holds for target.
func (b *Browser) FetchPage(ctx context.Context, target string, cookies map[string]string) (session.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	page, err := b.newPage(ctx)
	if err != nil {
		return session.Page{}, err
	}
	defer page.Close()
	page = page.Context(ctx)

	if params := cookieParams(target, cookies); len(params) > 0 {
		err = page.SetCookies(params)
		if err != nil {
			return session.Page{}, fmt.Errorf("browser: set cookies: %w", err)
		}
	}

	status, err := b.navigate(ctx, page, target)
	if err != nil {
		b.tel.ReportWarning(report_fetch, err, target)
		return session.Page{}, fmt.Errorf("browser: navigate %s: %w", target, err)
	}
	b.pause(ctx)
	b.humanize(ctx, page)

	html, err := page.HTML()
	if err != nil {
		return session.Page{}, fmt.Errorf("browser: html: %w", err)
	}
	jar, err := page.Cookies([]string{target})
	if err != nil {
		return session.Page{}, fmt.Errorf("browser: cookies: %w", err)
	}
	info, err := page.Info()
	finalURL := target
	if err == nil && info.URL != "" {
		finalURL = info.URL
	}

	return session.Page{
		Status:  status,
		URL:     finalURL,
		Body:    []byte(html),
		Cookies: cookieMap(jar),
	}, nil
}

var ErrNoOrigin = errors.New("browser: no origin configured for post")

func (b *Browser) originPage(ctx context.Context, cookies map[string]string) (*rod.Page, error) {
	b.mu.Lock()
	page := b.origin
	b.mu.Unlock()
	if page != nil {
		if params := cookieParams(b.cfg.Origin, cookies); len(params) > 0 {
			err := page.SetCookies(params)
			if err != nil {
				return nil, err
			}
		}
		return page, nil
	}
	if b.cfg.Origin == "" {
		return nil, ErrNoOrigin
	}

	page, err := b.newPage(ctx)
	if err != nil {
		return nil, err
	}
	if params := cookieParams(b.cfg.Origin, cookies); len(params) > 0 {
		err = page.SetCookies(params)
		if err != nil {
			page.Close()
			return nil, err
		}
	}
	_, err = b.navigate(ctx, page.Context(ctx), b.cfg.Origin)
	if err != nil {
		page.Close()
		return nil, fmt.Errorf("browser: open origin: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.origin != nil {
		page.Close()
		return b.origin, nil
	}
	b.origin = page
	return page, nil
}

// Post issues a POST from inside the origin page so the request carries
// the browser's TLS fingerprint and cookies.
func (b *Browser) Post(ctx context.Context, target string, headers map[string]string, body []byte, cookies map[string]string) (session.Page, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.RequestTimeout)
	defer cancel()

	page, err := b.originPage(ctx, cookies)
	if err != nil {
		return session.Page{}, err
	}
	if headers == nil {
		headers = map[string]string{}
	}
	res, err := page.Context(ctx).Eval(fetchJS, target, headers, string(body))
	if err != nil {
		b.tel.ReportWarning(report_post, err, target)
		return session.Page{}, fmt.Errorf("browser: post %s: %w", target, err)
	}

	jar, err := page.Cookies([]string{target})
	if err != nil {
		return session.Page{}, fmt.Errorf("browser: cookies: %w", err)
	}
	return session.Page{
		Status:  res.Value.Get("status").Int(),
		URL:     res.Value.Get("url").Str(),
		Body:    []byte(res.Value.Get("body").Str()),
		Cookies: cookieMap(jar),
	}, nil
}

func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var err error
	if b.origin != nil {
		b.origin.Close()
		b.origin = nil
	}
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
		b.lnch = nil
	}
	return err
}
