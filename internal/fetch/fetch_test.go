package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/scrapeerr"
	"grocery-ingest/internal/session"

	"github.com/go-resty/resty/v2"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, cfg Config) *Client {
	t.Helper()
	if cfg.Retailer == "" {
		cfg.Retailer = "acme"
	}
	if cfg.RetryWait == 0 {
		cfg.RetryWait = time.Millisecond
		cfg.RetryMaxWait = 5 * time.Millisecond
	}
	c, err := New(cfg, telemetry.NewRecorder())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestRetriesServerErrors(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, `{"page":%q,"header":%q}`, r.URL.Query().Get("page"), r.Header.Get("x-test"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL})
	res, err := c.Get(context.Background(), "/products", map[string]string{"x-test": "yes"}, map[string]string{"page": "2"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 200, res.Status)
	require.JSONEq(t, `{"page":"2","header":"yes"}`, string(res.Body))
	require.EqualValues(t, 3, attempts.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts.Add(1)
		if r.URL.Path == "/throttled" {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL, MaxRetries: 2})
	res, err := c.Get(context.Background(), "/throttled", nil, nil)
	require.ErrorIs(t, err, scrapeerr.RateLimited)
	require.Equal(t, 429, res.Status)
	require.EqualValues(t, 3, attempts.Load())

	_, err = c.Get(context.Background(), "/broken", nil, nil)
	require.ErrorIs(t, err, scrapeerr.Transient)
}

func TestNotFoundIsNotAnError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL})
	res, err := c.Get(context.Background(), "/missing", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 404, res.Status)
}

func TestRetryAfter(t *testing.T) {
	header := func(v string) *resty.Response {
		return &resty.Response{RawResponse: &http.Response{Header: http.Header{"Retry-After": []string{v}}}}
	}

	d, err := retryAfter(nil, header("7"))
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, d)

	for _, v := range []string{"", "soon", "-3"} {
		d, err = retryAfter(nil, header(v))
		require.NoError(t, err)
		require.Zero(t, d, v)
	}
	d, err = retryAfter(nil, nil)
	require.NoError(t, err)
	require.Zero(t, d)
}

type warmFetcher struct {
	calls atomic.Int32
}

func (f *warmFetcher) FetchPage(ctx context.Context, url string, cookies map[string]string) (session.Page, error) {
	f.calls.Add(1)
	return session.Page{Status: 200, URL: url, Cookies: map[string]string{"sid": "fresh"}}, nil
}

func TestBlockedRecoversThroughSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie("sid")
		if err != nil || cookie.Value != "fresh" {
			w.WriteHeader(http.StatusForbidden)
			fmt.Fprint(w, "denied")
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "visit", Value: "2"})
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	warm := &warmFetcher{}
	mgr := session.NewManager(session.Config{
		Retailer: "acme",
		HomeURL:  srv.URL + "/",
	}, nil, warm, chrono.NewStandardImpl(), telemetry.NewRecorder())

	c := newTestClient(t, Config{BaseURL: srv.URL})
	c.UseSession(mgr)

	res, err := c.Get(context.Background(), "/api", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "ok", string(res.Body))
	require.EqualValues(t, 1, warm.calls.Load())
	require.Equal(t, "2", mgr.Cookies()["visit"])
}

func TestBlockedWithoutRecovery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/hold" {
			fmt.Fprint(w, `<html>Please hold while we check</html>`)
			return
		}
		fmt.Fprint(w, `<html><div id="px-captcha"></div></html>`)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL})
	_, err := c.Get(context.Background(), "/", nil, nil)
	require.ErrorIs(t, err, scrapeerr.Blocked)

	// a session that cannot refresh gives up after one attempt
	mgr := session.NewManager(session.Config{Retailer: "acme"}, nil, nil, chrono.NewStandardImpl(), telemetry.NewRecorder())
	c.UseSession(mgr)
	_, err = c.Get(context.Background(), "/", nil, nil)
	require.ErrorIs(t, err, scrapeerr.Blocked)

	plain := newTestClient(t, Config{BaseURL: srv.URL})
	_, err = plain.Get(context.Background(), "/hold", nil, nil)
	require.NoError(t, err)

	custom := newTestClient(t, Config{BaseURL: srv.URL, BlockSignatures: []string{"please hold"}})
	_, err = custom.Get(context.Background(), "/hold", nil, nil)
	require.ErrorIs(t, err, scrapeerr.Blocked)
}

func TestPostJSON(t *testing.T) {
	var method, contentType, operation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method = r.Method
		contentType = r.Header.Get("content-type")
		var body map[string]any
		if json.NewDecoder(r.Body).Decode(&body) == nil {
			operation, _ = body["operationName"].(string)
		}
		fmt.Fprint(w, `{"data":{}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL})
	res, err := c.Post(context.Background(), "/graphql", nil, map[string]any{"operationName": "Search"})
	if err != nil {
		t.Fatal(err)
	}
	require.JSONEq(t, `{"data":{}}`, string(res.Body))
	require.Equal(t, http.MethodPost, method)
	require.Contains(t, contentType, "application/json")
	require.Equal(t, "Search", operation)
}

type fakePoster struct {
	url     string
	body    string
	cookies map[string]string
}

func (p *fakePoster) Post(ctx context.Context, url string, headers map[string]string, body []byte, cookies map[string]string) (session.Page, error) {
	p.url = url
	p.body = string(body)
	p.cookies = cookies
	return session.Page{Status: 200, URL: url, Body: []byte(`{"via":"browser"}`), Cookies: map[string]string{"new": "1"}}, nil
}

func TestPostThroughPoster(t *testing.T) {
	mgr := session.NewManager(session.Config{Retailer: "acme"}, nil, nil, chrono.NewStandardImpl(), telemetry.NewRecorder())
	err := mgr.SetCookies(context.Background(), map[string]string{"sid": "abc"})
	if err != nil {
		t.Fatal(err)
	}

	poster := &fakePoster{}
	c := newTestClient(t, Config{BaseURL: "https://acme.test"})
	c.UseSession(mgr)
	c.UsePoster(poster)

	res, err := c.Post(context.Background(), "/graphql", nil, map[string]string{"q": "x"})
	if err != nil {
		t.Fatal(err)
	}
	require.JSONEq(t, `{"via":"browser"}`, string(res.Body))
	require.Equal(t, "https://acme.test/graphql", poster.url)
	require.JSONEq(t, `{"q":"x"}`, poster.body)
	require.Equal(t, "abc", poster.cookies["sid"])
	require.Equal(t, "1", mgr.Cookies()["new"])
}

func TestProxyRotation(t *testing.T) {
	// an http proxy receives absolute urls, serving them directly is
	// enough to act as one
	var proxied atomic.Int32
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		proxied.Add(1)
		io.WriteString(w, "via proxy "+r.Host)
	}))
	defer proxy.Close()

	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	c := newTestClient(t, Config{Proxies: []string{deadURL, proxy.URL}, MaxRetries: 1})
	res, err := c.Get(context.Background(), "http://retailer.test/item", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, "via proxy retailer.test", string(res.Body))
	require.EqualValues(t, 1, proxied.Load())
}

func TestMinInterval(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	c := newTestClient(t, Config{BaseURL: srv.URL, MinInterval: 50 * time.Millisecond})
	start := time.Now()
	for range 3 {
		_, err := c.Get(context.Background(), "/", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	c.SetMinInterval(0)
	start = time.Now()
	for range 3 {
		_, err := c.Get(context.Background(), "/", nil, nil)
		if err != nil {
			t.Fatal(err)
		}
	}
	require.Less(t, time.Since(start), 100*time.Millisecond)
}

func TestFetchPageUsesExplicitCookies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "b", Value: "2"})
		fmt.Fprint(w, "home "+r.Header.Get("cookie"))
	}))
	defer srv.Close()

	c := newTestClient(t, Config{})
	page, err := c.FetchPage(context.Background(), srv.URL, map[string]string{"a": "1"})
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, 200, page.Status)
	require.Equal(t, "home a=1", string(page.Body))
	require.Equal(t, map[string]string{"b": "2"}, page.Cookies)
}
