package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	pages map[string]Page
	delay time.Duration
	err   error
}

func (f *fakeFetcher) FetchPage(ctx context.Context, url string, cookies map[string]string) (Page, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.err != nil {
		return Page{}, f.err
	}
	page, ok := f.pages[url]
	if !ok {
		return Page{Status: 404, URL: url}, nil
	}
	page.URL = url
	return page, nil
}

func (f *fakeFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newTestManager(cfg Config, backend Backend, fetcher PageFetcher) (*Manager, *chrono.ManualImpl) {
	clock := chrono.NewManualImpl(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if cfg.Retailer == "" {
		cfg.Retailer = "acme"
	}
	if cfg.StoreID == "" {
		cfg.StoreID = "42"
	}
	return NewManager(cfg, backend, fetcher, clock, telemetry.NewRecorder()), clock
}

func TestParseCookies(t *testing.T) {
	cases := []struct {
		in  string
		out map[string]string
	}{
		{"a=1; b=2;c = 3", map[string]string{"a": "1", "b": "2", "c": "3"}},
		{"token=abc=def", map[string]string{"token": "abc=def"}},
		{`{"a":"1"}`, map[string]string{"a": "1"}},
		{`[{"name":"a","value":"1"},{"name":"","value":"x"}]`, map[string]string{"a": "1"}},
		{"", map[string]string{}},
	}
	for _, c := range cases {
		out, err := ParseCookies(c.in)
		if err != nil {
			t.Fatal(err)
		}
		require.Equal(t, c.out, out, c.in)
	}

	_, err := ParseCookies("{not json")
	require.Error(t, err)

	require.Equal(t, "a=1; b=2", FormatCookieHeader(map[string]string{"b": "2", "a": "1"}))
	require.Equal(t, "heb_default", Key("heb", ""))
}

func TestFileBackend(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".cookies")
	backend := FileBackend{Dir: dir}
	ctx := context.Background()

	_, ok, err := backend.Load(ctx, "acme_1")
	if err != nil {
		t.Fatal(err)
	}
	require.False(t, ok)

	state := State{
		Cookies:     map[string]string{"a": "1"},
		LastRefresh: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		StoreID:     "1",
	}
	err = backend.Save(ctx, "acme_1", state)
	if err != nil {
		t.Fatal(err)
	}

	loaded, ok, err := backend.Load(ctx, "acme_1")
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, ok)
	require.Equal(t, state, loaded)

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, entries, 1)
	require.Equal(t, "acme_1.json", entries[0].Name())
}

func TestRedisBackend(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	defer mr.Close()

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	backend := NewRedisBackend(rdb)
	defer backend.Close()
	ctx := context.Background()

	_, ok, err := backend.Load(ctx, "acme_1")
	if err != nil {
		t.Fatal(err)
	}
	require.False(t, ok)

	state := State{Cookies: map[string]string{"sid": "x"}, StoreID: "1", LastRefresh: time.Unix(100, 0).UTC()}
	err = backend.Save(ctx, "acme_1", state)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := mr.Get("acme_1")
	if err != nil {
		t.Fatal(err)
	}
	require.JSONEq(t, `{"cookies":{"sid":"x"},"last_refresh":"1970-01-01T00:01:40Z","store_id":"1"}`, raw)

	loaded, ok, err := backend.Load(ctx, "acme_1")
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, ok)
	require.Equal(t, state, loaded)
}

func TestBackendFromEnv(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatal(err)
	}
	defer mr.Close()

	t.Setenv("SESSION_REDIS_URL", "")
	t.Setenv("REDIS_URL", "")
	backend, closer, err := BackendFromEnv(".cookies")
	if err != nil {
		t.Fatal(err)
	}
	require.IsType(t, FileBackend{}, backend)
	require.NoError(t, closer())

	t.Setenv("REDIS_URL", "redis://"+mr.Addr())
	backend, closer, err = BackendFromEnv(".cookies")
	if err != nil {
		t.Fatal(err)
	}
	defer closer()
	require.IsType(t, RedisBackend{}, backend)
}

func TestIsBlocked(t *testing.T) {
	require.True(t, IsBlocked(Response{Status: 403}))
	require.True(t, IsBlocked(Response{Status: 412}))
	require.True(t, IsBlocked(Response{Status: 200, URL: "https://www.walmart.com/blocked?url=abc"}))
	require.True(t, IsBlocked(Response{Status: 200, Body: []byte(`<div id="px-captcha"></div>`)}))
	require.True(t, IsBlocked(Response{Status: 200, Body: []byte(`<title>Just a moment...</title>`)}))
	require.True(t, IsBlocked(Response{Status: 200, Body: []byte(`custom wall`)}, "custom wall"))
	require.False(t, IsBlocked(Response{Status: 200, URL: "https://example.com/browse/blocked-tea", Body: []byte(`{"products":[]}`)}))
	require.False(t, IsBlocked(Response{Status: 500}))
	require.False(t, IsBlocked(Response{Status: 429}))
}

func TestGetCookiesWarmsSession(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]Page{
		"https://acme.test/":        {Status: 200, Cookies: map[string]string{"sid": "1"}},
		"https://acme.test/weekly": {Status: 200, Cookies: map[string]string{"ab": "x"}},
	}}
	backend := NewMemoryBackend()
	m, clock := newTestManager(Config{
		HomeURL:         "https://acme.test/",
		WarmURLs:        []string{"https://acme.test/weekly"},
		RefreshInterval: time.Hour,
	}, backend, fetcher)
	ctx := context.Background()

	cookies, err := m.GetCookies(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, map[string]string{"sid": "1", "ab": "x"}, cookies)
	require.Equal(t, []string{"https://acme.test/", "https://acme.test/weekly"}, fetcher.Calls())

	// persisted under the retailer location key
	state, ok, err := backend.Load(ctx, "acme_42")
	if err != nil {
		t.Fatal(err)
	}
	require.True(t, ok)
	require.Equal(t, "42", state.StoreID)
	require.Equal(t, cookies, state.Cookies)

	// fresh cookies do not trigger another warm up
	_, err = m.GetCookies(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, fetcher.Calls(), 2)

	clock.Advance(2 * time.Hour)
	_, err = m.GetCookies(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, fetcher.Calls(), 4)

	_, err = m.GetCookies(ctx, true)
	if err != nil {
		t.Fatal(err)
	}
	require.Len(t, fetcher.Calls(), 6)

	// callers get copies
	cookies["sid"] = "mutated"
	require.Equal(t, "1", m.Cookies()["sid"])
}

func TestGetCookiesLoadsPersisted(t *testing.T) {
	backend := NewMemoryBackend()
	ctx := context.Background()
	err := backend.Save(ctx, "acme_42", State{
		Cookies:     map[string]string{"sid": "stored"},
		LastRefresh: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}

	fetcher := &fakeFetcher{}
	m, _ := newTestManager(Config{HomeURL: "https://acme.test/", RefreshInterval: time.Hour}, backend, fetcher)
	cookies, err := m.GetCookies(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, map[string]string{"sid": "stored"}, cookies)
	require.Empty(t, fetcher.Calls())
}

func TestGetCookiesFromEnv(t *testing.T) {
	t.Setenv("ACME_COOKIES", "sid=env; other=2")
	m, _ := newTestManager(Config{RequiresBrowser: true}, nil, nil)

	cookies, err := m.GetCookies(context.Background(), false)
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, map[string]string{"sid": "env", "other": "2"}, cookies)
	require.True(t, m.Dirty())
}

func TestGetCookiesReportsBadEnv(t *testing.T) {
	t.Setenv("ACME_COOKIES", "{not json")
	tel := telemetry.NewRecorder()
	m := NewManager(Config{Retailer: "acme", StoreID: "42", RequiresBrowser: true}, nil, nil,
		chrono.NewManualImpl(time.Now()), tel)

	_, err := m.GetCookies(context.Background(), false)
	require.ErrorIs(t, err, ErrBrowserCookiesRequired)

	reports := tel.Reports("warning", report_load)
	require.Len(t, reports, 1)
	require.Contains(t, fmt.Sprint(reports[0].Params...), "ACME_COOKIES")
}

func TestGetCookiesRequiresBrowser(t *testing.T) {
	t.Setenv("ACME_COOKIES", "")
	m, _ := newTestManager(Config{RequiresBrowser: true, Hint: "open a browser"}, nil, nil)

	cookies, err := m.GetCookies(context.Background(), false)
	require.ErrorIs(t, err, ErrBrowserCookiesRequired)
	require.Empty(t, cookies)

	// a fetcher that gets blocked still reports the missing cookies
	fetcher := &fakeFetcher{pages: map[string]Page{"https://acme.test/": {Status: 403}}}
	m, _ = newTestManager(Config{RequiresBrowser: true, HomeURL: "https://acme.test/"}, nil, fetcher)
	_, err = m.GetCookies(context.Background(), false)
	require.ErrorIs(t, err, ErrBrowserCookiesRequired)
}

func TestConcurrentRefreshIsCollapsed(t *testing.T) {
	fetcher := &fakeFetcher{
		delay: 50 * time.Millisecond,
		pages: map[string]Page{"https://acme.test/": {Status: 200, Cookies: map[string]string{"sid": "1"}}},
	}
	m, _ := newTestManager(Config{HomeURL: "https://acme.test/"}, nil, fetcher)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.GetCookies(context.Background(), true)
			if err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()
	require.Zero(t, failures.Load())
	require.Less(t, len(fetcher.Calls()), 8)
}

func TestHandleBlocked(t *testing.T) {
	fetcher := &fakeFetcher{pages: map[string]Page{
		"https://acme.test/": {Status: 200, Cookies: map[string]string{"sid": "new"}},
	}}
	m, _ := newTestManager(Config{HomeURL: "https://acme.test/"}, nil, fetcher)
	ctx := context.Background()

	require.True(t, m.HandleBlocked(ctx, Response{Status: 200, Body: []byte("{}")}))
	require.Empty(t, fetcher.Calls())

	require.True(t, m.HandleBlocked(ctx, Response{Status: 403, URL: "https://acme.test/api"}))
	require.Equal(t, []string{"https://acme.test/"}, fetcher.Calls())
	require.Equal(t, "new", m.Cookies()["sid"])

	fetcher.err = errors.New("connection reset")
	require.False(t, m.HandleBlocked(ctx, Response{Status: 412}))

	noFetcher, _ := newTestManager(Config{}, nil, nil)
	require.False(t, noFetcher.HandleBlocked(ctx, Response{Status: 403}))
}

func TestAbsorbAndSetCookies(t *testing.T) {
	backend := NewMemoryBackend()
	m, _ := newTestManager(Config{}, backend, nil)
	ctx := context.Background()

	err := m.SetCookies(ctx, map[string]string{"a": "1"})
	if err != nil {
		t.Fatal(err)
	}
	require.False(t, m.Dirty())

	m.Absorb(map[string]string{"a": "1"})
	require.False(t, m.Dirty())
	m.Absorb(map[string]string{"b": "2"})
	require.True(t, m.Dirty())

	err = m.Persist(ctx)
	if err != nil {
		t.Fatal(err)
	}
	state, _, err := backend.Load(ctx, m.Key())
	if err != nil {
		t.Fatal(err)
	}
	require.Equal(t, map[string]string{"a": "1", "b": "2"}, state.Cookies)
}
