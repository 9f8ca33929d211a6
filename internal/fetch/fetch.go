// Package fetch is the http client every retailer adapter shares: rate
// limited, retrying on throttling and server errors, rotating proxies and
// handing blocked responses to the session manager.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"strconv"
	"sync"
	"time"

	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/session"
	"grocery-ingest/lib/restyutil"
	libtelemetry "grocery-ingest/lib/telemetry"

	cloudflarebp "github.com/DaRealFreak/cloudflare-bp-go"
	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"
)

const (
	report_request = "client.request"
	report_blocked = "client.blocked"
	report_proxy   = "client.rotate-proxy"
)

// retryable statuses, everything else is returned to the caller as is
var retryStatuses = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

type Config struct {
	Retailer  product.Retailer
	BaseURL   string
	UserAgent string
	Headers   map[string]string
	// Timeout is per request.
	Timeout      time.Duration
	MaxRetries   int
	RetryWait    time.Duration
	RetryMaxWait time.Duration
	// MinInterval is the floor between two requests.
	MinInterval time.Duration
	Proxies     []string
	// Cloudflare swaps in a transport that mimics browser tls and headers.
	Cloudflare bool
	// BlockSignatures are lowercase body substrings of retailer specific
	// challenge pages.
	BlockSignatures []string
	// DumpDir, when set, receives a dump of every request and response.
	DumpDir string
}

func (c *Config) defaults() {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryWait <= 0 {
		c.RetryWait = time.Second
	}
	if c.RetryMaxWait <= 0 {
		c.RetryMaxWait = 30 * time.Second
	}
}

type Response struct {
	Status int
	Header http.Header
	Body   []byte
	URL    string
}

// Poster sends requests through something other than this client, usually
// a real browser.
type Poster interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte, cookies map[string]string) (session.Page, error)
}

type Client struct {
	cfg     Config
	http    *resty.Client
	limiter *rate.Limiter
	proxies *proxyRing
	tel     telemetry.API

	mu      sync.RWMutex
	session *session.Manager
	poster  Poster
}

func New(cfg Config, tel telemetry.API) (*Client, error) {
	cfg.defaults()
	tel = telemetry.NewScopedAPI(fmt.Sprintf("fetch(%s)", cfg.Retailer), tel)

	proxies, err := newProxyRing(cfg.Proxies)
	if err != nil {
		return nil, fmt.Errorf("fetch: proxies: %w", err)
	}

	httpClient := resty.New()
	httpClient.SetTimeout(cfg.Timeout)
	// cookies come from the session, see EnableCookieJar otherwise
	httpClient.SetCookieJar(nil)
	if cfg.BaseURL != "" {
		httpClient.SetBaseURL(cfg.BaseURL)
	}
	if proxies != nil {
		transport, ok := httpClient.GetClient().Transport.(*http.Transport)
		if ok {
			transport.Proxy = proxies.proxy
		}
		tel.ReportDebug("rotating proxies", "count", proxies.len())
	}
	if cfg.Cloudflare {
		httpClient.GetClient().Transport = cloudflarebp.AddCloudFlareByPass(httpClient.GetClient().Transport)
	}
	if cfg.UserAgent != "" {
		httpClient.SetHeader("user-agent", cfg.UserAgent)
	}
	httpClient.SetHeaders(cfg.Headers)

	httpClient.SetRetryCount(cfg.MaxRetries)
	httpClient.SetRetryWaitTime(cfg.RetryWait)
	httpClient.SetRetryMaxWaitTime(cfg.RetryMaxWait)
	httpClient.AddRetryCondition(func(res *resty.Response, err error) bool {
		if err != nil {
			return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
		}
		return retryStatuses[res.StatusCode()]
	})
	httpClient.SetRetryAfter(retryAfter)

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.MinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.MinInterval), 1)
	}
	// runs on every attempt so retries respect the floor too
	httpClient.OnBeforeRequest(func(_ *resty.Client, req *resty.Request) error {
		return limiter.Wait(req.Context())
	})

	telemetry.InstrumentResty(httpClient, tel)
	libtelemetry.InstrumentResty(httpClient, "grocery-ingest/fetch")
	if cfg.DumpDir != "" {
		output, err := restyutil.NewFilesystemOutput(cfg.DumpDir)
		if err != nil {
			return nil, fmt.Errorf("fetch: dump dir: %w", err)
		}
		restyutil.InstrumentClient(httpClient, output)
	}

	return &Client{
		cfg:     cfg,
		http:    httpClient,
		limiter: limiter,
		proxies: proxies,
		tel:     tel,
	}, nil
}

// retryAfter honors a Retry-After header in seconds, zero falls back to
// jittered exponential backoff.
func retryAfter(_ *resty.Client, res *resty.Response) (time.Duration, error) {
	if res == nil {
		return 0, nil
	}
	header := res.Header().Get("Retry-After")
	if header == "" {
		return 0, nil
	}
	seconds, err := strconv.Atoi(header)
	if err != nil || seconds <= 0 {
		return 0, nil
	}
	return time.Duration(seconds) * time.Second, nil
}

// UseSession makes the client send the session's cookies, absorb cookies
// set by responses and ask the session to recover from blocks.
func (c *Client) UseSession(m *session.Manager) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.session = m
}

// UsePoster routes Post through p.
func (c *Client) UsePoster(p Poster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.poster = p
}

// SetMinInterval changes the floor between two requests.
func (c *Client) SetMinInterval(d time.Duration) {
	if d <= 0 {
		c.limiter.SetLimit(rate.Inf)
		return
	}
	c.limiter.SetLimit(rate.Every(d))
}

func (c *Client) state() (*session.Manager, Poster) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session, c.poster
}

func responseCookies(res *resty.Response) map[string]string {
	out := map[string]string{}
	for _, cookie := range res.Cookies() {
		out[cookie.Name] = cookie.Value
	}
	return out
}

// Get performs a GET and returns the response of the last attempt.
func (c *Client) Get(ctx context.Context, url string, headers, params map[string]string) (Response, error) {
	return c.do(ctx, http.MethodGet, url, headers, params, nil)
}

// Post performs a POST with body encoded as json.
func (c *Client) Post(ctx context.Context, url string, headers map[string]string, body any) (Response, error) {
	_, poster := c.state()
	if poster != nil {
		return c.postVia(ctx, poster, url, headers, body)
	}
	return c.do(ctx, http.MethodPost, url, headers, nil, body)
}

type request struct {
	method  string
	url     string
	headers map[string]string
	params  map[string]string
	body    any
}

func (c *Client) execute(ctx context.Context, r request, mgr *session.Manager) (*resty.Response, error) {
	req := c.http.R().
		SetContext(ctx).
		SetHeaders(r.headers).
		SetQueryParams(r.params)
	if mgr != nil {
		if cookies := mgr.Cookies(); len(cookies) > 0 {
			req.SetHeader("cookie", session.FormatCookieHeader(cookies))
		}
	}
	if r.body != nil {
		req.SetHeader("content-type", "application/json")
		req.SetBody(r.body)
	}
	return req.Execute(r.method, r.url)
}

func (c *Client) do(ctx context.Context, method, url string, headers, params map[string]string, body any) (Response, error) {
	mgr, _ := c.state()
	r := request{method: method, url: url, headers: headers, params: params, body: body}

	rotated := false
	recovered := false
	for {
		res, err := c.execute(ctx, r, mgr)
		status := 0
		if res != nil {
			status = res.StatusCode()
		}

		if proxyFailure(err, status) && c.proxies != nil && !rotated {
			rotated = true
			next := c.proxies.rotate()
			c.tel.ReportWarning(report_proxy, fmt.Errorf("rotating to %s after: %v", next.Host, err))
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ctx.Err()
			}
			c.tel.ReportWarning(report_request, err, method, url)
			return Response{}, scrapeerr.Wrap(scrapeerr.Transient, fmt.Errorf("%s %s: %w", method, url, err))
		}

		resp := Response{
			Status: status,
			Header: res.Header(),
			Body:   res.Body(),
			URL:    res.Request.URL,
		}
		if res.RawResponse != nil && res.RawResponse.Request != nil {
			resp.URL = res.RawResponse.Request.URL.String()
		}
		if mgr != nil {
			mgr.Absorb(responseCookies(res))
		}

		blockedResp := session.Response{Status: resp.Status, URL: resp.URL, Body: resp.Body}
		blocked := session.IsBlocked(blockedResp, c.cfg.BlockSignatures...)
		if mgr != nil {
			blocked = blocked || mgr.IsBlocked(blockedResp)
		}
		if blocked {
			if mgr != nil && !recovered && mgr.HandleBlocked(ctx, blockedResp) {
				recovered = true
				continue
			}
			c.tel.ReportWarning(report_blocked, fmt.Errorf("%s %s: status %d", method, url, status))
			return resp, scrapeerr.Errorf(scrapeerr.Blocked, "%s %s: status %d", method, url, status)
		}

		switch {
		case status == http.StatusTooManyRequests:
			return resp, scrapeerr.Errorf(scrapeerr.RateLimited, "%s %s: retries exhausted", method, url)
		case retryStatuses[status]:
			return resp, scrapeerr.Errorf(scrapeerr.Transient, "%s %s: status %d after retries", method, url, status)
		}
		return resp, nil
	}
}

func (c *Client) postVia(ctx context.Context, poster Poster, url string, headers map[string]string, body any) (Response, error) {
	mgr, _ := c.state()
	var cookies map[string]string
	if mgr != nil {
		cookies = mgr.Cookies()
	}

	encoded, err := encodeJSON(body)
	if err != nil {
		return Response{}, err
	}
	merged := map[string]string{"content-type": "application/json"}
	for k, v := range c.cfg.Headers {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}

	page, err := poster.Post(ctx, c.resolve(url), merged, encoded, cookies)
	if err != nil {
		return Response{}, scrapeerr.Wrap(scrapeerr.Transient, err)
	}
	if mgr != nil {
		mgr.Absorb(page.Cookies)
	}
	resp := Response{Status: page.Status, Body: page.Body, URL: page.URL, Header: http.Header{}}
	blockedResp := session.Response{Status: page.Status, URL: page.URL, Body: page.Body}
	if session.IsBlocked(blockedResp, c.cfg.BlockSignatures...) {
		return resp, scrapeerr.Errorf(scrapeerr.Blocked, "POST %s: status %d", url, page.Status)
	}
	switch {
	case page.Status == http.StatusTooManyRequests:
		return resp, scrapeerr.Errorf(scrapeerr.RateLimited, "POST %s", url)
	case retryStatuses[page.Status]:
		return resp, scrapeerr.Errorf(scrapeerr.Transient, "POST %s: status %d", url, page.Status)
	}
	return resp, nil
}

func (c *Client) resolve(url string) string {
	if c.cfg.BaseURL == "" || len(url) > 0 && url[0] != '/' {
		return url
	}
	return c.cfg.BaseURL + url
}

// FetchPage performs a plain GET with exactly the given cookies. It never
// consults the session, the session uses it to warm itself.
func (c *Client) FetchPage(ctx context.Context, url string, cookies map[string]string) (session.Page, error) {
	req := c.http.R().SetContext(ctx)
	if len(cookies) > 0 {
		req.SetHeader("cookie", session.FormatCookieHeader(cookies))
	}
	res, err := req.Get(url)
	if err != nil {
		return session.Page{}, err
	}

	jar := responseCookies(res)
	finalURL := res.Request.URL
	if res.RawResponse != nil && res.RawResponse.Request != nil {
		finalURL = res.RawResponse.Request.URL.String()
	}
	return session.Page{
		Status:  res.StatusCode(),
		URL:     finalURL,
		Body:    res.Body(),
		Cookies: jar,
	}, nil
}

// EnableCookieJar keeps cookies across requests for clients without a
// session.
func (c *Client) EnableCookieJar() error {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return err
	}
	c.http.SetCookieJar(jar)
	return nil
}
