package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math/rand/v2"
	"os"
	"strings"
	"sync"
	"time"

	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/product"

	"golang.org/x/sync/singleflight"
)

const (
	report_load    = "manager.load"
	report_persist = "manager.persist"
	report_refresh = "manager.refresh"
	report_blocked = "manager.handle-blocked"
)

// ErrBrowserCookiesRequired is returned when a retailer only accepts
// cookies minted by a real browser and none were provided.
var ErrBrowserCookiesRequired = errors.New("browser cookies required")

// Page is the result of fetching a page with a given cookie jar.
type Page struct {
	Status  int
	URL     string
	Body    []byte
	Cookies map[string]string
}

// PageFetcher fetches a page with explicit cookies, it is used to warm
// sessions and must not consult the Manager itself.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string, cookies map[string]string) (Page, error)
}

type Config struct {
	Retailer product.Retailer
	StoreID  string
	// HomeURL is visited first when warming a session, WarmURLs are low
	// value pages visited after it.
	HomeURL  string
	WarmURLs []string
	// RefreshInterval is how long cookies stay fresh, zero means forever.
	RefreshInterval time.Duration
	// RequiresBrowser means plain http requests cannot mint usable cookies.
	RequiresBrowser bool
	// Hint is printed once when browser cookies are required but missing.
	Hint string
	// BlockSignatures are lowercase body substrings that mark a retailer
	// specific challenge page.
	BlockSignatures []string
	// WarmPause is the upper bound of the random pause between warm up
	// requests.
	WarmPause time.Duration
	// CookieEnv overrides the <RETAILER>_COOKIES env variable name.
	CookieEnv string
}

// Manager owns the cookie state of one retailer location. Readers get
// copies, only the Manager mutates the state and refreshes are serialized.
type Manager struct {
	cfg     Config
	key     string
	backend Backend
	fetcher PageFetcher
	time    chrono.API
	tel     telemetry.API

	mu          sync.Mutex
	loaded      bool
	cookies     map[string]string
	lastRefresh time.Time
	dirty       bool

	refreshes singleflight.Group
	hintOnce  sync.Once
}

func NewManager(cfg Config, backend Backend, fetcher PageFetcher, clock chrono.API, tel telemetry.API) *Manager {
	if backend == nil {
		backend = NewMemoryBackend()
	}
	return &Manager{
		cfg:     cfg,
		key:     Key(cfg.Retailer, cfg.StoreID),
		backend: backend,
		fetcher: fetcher,
		time:    clock,
		tel:     telemetry.NewScopedAPI(fmt.Sprintf("session(%s)", cfg.Retailer), tel),
		cookies: map[string]string{},
	}
}

func (m *Manager) Key() string {
	return m.key
}

// SetFetcher replaces the fetcher used for warm ups, it exists because the
// http client that warms a session usually also depends on the session.
func (m *Manager) SetFetcher(fetcher PageFetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetcher = fetcher
}

func (m *Manager) cookieEnv() string {
	if m.cfg.CookieEnv != "" {
		return m.cfg.CookieEnv
	}
	return strings.ToUpper(string(m.cfg.Retailer)) + "_COOKIES"
}

// Load reads the persisted state, falling back to env seeded cookies when
// nothing is stored.
func (m *Manager) Load(ctx context.Context) error {
	state, ok, err := m.backend.Load(ctx, m.key)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.loaded = true
	if ok && len(state.Cookies) > 0 {
		m.cookies = state.Cookies
		m.lastRefresh = state.LastRefresh
		return err
	}

	if env := os.Getenv(m.cookieEnv()); env != "" {
		seeded, perr := ParseCookies(env)
		if perr != nil {
			return errors.Join(err, fmt.Errorf("%s: %w", m.cookieEnv(), perr))
		}
		m.cookies = seeded
		m.lastRefresh = m.time.Now()
		m.dirty = true
		m.tel.ReportDebug("seeded cookies from env", m.cookieEnv(), len(seeded))
	}
	return err
}

func (m *Manager) ensureLoaded(ctx context.Context) {
	m.mu.Lock()
	loaded := m.loaded
	m.mu.Unlock()
	if loaded {
		return
	}
	err := m.Load(ctx)
	if err != nil {
		m.tel.ReportWarning(report_load, err)
	}
}

// Persist writes the current state to the backend.
func (m *Manager) Persist(ctx context.Context) error {
	m.mu.Lock()
	state := State{
		Cookies:     maps.Clone(m.cookies),
		LastRefresh: m.lastRefresh,
		StoreID:     m.cfg.StoreID,
	}
	m.dirty = false
	m.mu.Unlock()

	err := m.backend.Save(ctx, m.key, state)
	if err != nil {
		m.tel.ReportBroken(report_persist, err)
		return err
	}
	return nil
}

// Cookies returns a copy of the current cookies, it never refreshes.
func (m *Manager) Cookies() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.cookies)
}

// SetCookies replaces the cookies, used for operator supplied cookies.
func (m *Manager) SetCookies(ctx context.Context, cookies map[string]string) error {
	m.mu.Lock()
	m.loaded = true
	m.cookies = maps.Clone(cookies)
	m.lastRefresh = m.time.Now()
	m.mu.Unlock()
	return m.Persist(ctx)
}

// Absorb merges cookies set by a response.
func (m *Manager) Absorb(cookies map[string]string) {
	if len(cookies) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, value := range cookies {
		if m.cookies[name] != value {
			m.cookies[name] = value
			m.dirty = true
		}
	}
}

// Dirty reports whether cookies changed since the last Persist.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirty
}

func (m *Manager) stale() bool {
	if len(m.cookies) == 0 {
		return true
	}
	if m.cfg.RefreshInterval <= 0 {
		return false
	}
	return m.time.Now().Sub(m.lastRefresh) >= m.cfg.RefreshInterval
}

// GetCookies returns the session cookies, warming a new session when there
// are none, when they are stale or when force is set.
func (m *Manager) GetCookies(ctx context.Context, force bool) (map[string]string, error) {
	m.ensureLoaded(ctx)

	m.mu.Lock()
	stale := m.stale()
	empty := len(m.cookies) == 0
	fetcher := m.fetcher
	m.mu.Unlock()

	if !force && !stale {
		return m.Cookies(), nil
	}
	if fetcher == nil {
		if empty && m.cfg.RequiresBrowser {
			m.hint()
			return map[string]string{}, fmt.Errorf("%s: %w", m.cfg.Retailer, ErrBrowserCookiesRequired)
		}
		return m.Cookies(), nil
	}

	err := m.refresh(ctx)
	if err != nil {
		if empty && m.cfg.RequiresBrowser {
			m.hint()
			return map[string]string{}, errors.Join(fmt.Errorf("%s: %w", m.cfg.Retailer, ErrBrowserCookiesRequired), err)
		}
		return m.Cookies(), err
	}
	return m.Cookies(), nil
}

func (m *Manager) hint() {
	m.hintOnce.Do(func() {
		hint := m.cfg.Hint
		if hint == "" {
			hint = fmt.Sprintf(
				"%s needs cookies from a real browser session: copy the Cookie header of a logged in request into %s or pass --cookies",
				m.cfg.Retailer, m.cookieEnv(),
			)
		}
		fmt.Fprintln(os.Stderr, hint)
	})
}

// refresh warms a session, concurrent callers share one warm up.
func (m *Manager) refresh(ctx context.Context) error {
	_, err, _ := m.refreshes.Do(m.key, func() (any, error) {
		return nil, m.warm(ctx)
	})
	return err
}

func (m *Manager) pause(ctx context.Context) error {
	if m.cfg.WarmPause <= 0 {
		return nil
	}
	d := m.cfg.WarmPause/2 + rand.N(m.cfg.WarmPause/2+1)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (m *Manager) warm(ctx context.Context) error {
	m.mu.Lock()
	fetcher := m.fetcher
	jar := maps.Clone(m.cookies)
	m.mu.Unlock()

	urls := append([]string{m.cfg.HomeURL}, m.cfg.WarmURLs...)
	for i, u := range urls {
		if u == "" {
			continue
		}
		if i > 0 {
			err := m.pause(ctx)
			if err != nil {
				return err
			}
		}

		page, err := fetcher.FetchPage(ctx, u, jar)
		if err != nil {
			err = fmt.Errorf("warm %s: %w", u, err)
			m.tel.ReportWarning(report_refresh, err)
			return err
		}
		maps.Copy(jar, page.Cookies)
		if m.IsBlocked(Response{Status: page.Status, URL: page.URL, Body: page.Body}) {
			err = fmt.Errorf("warm %s: blocked with status %d", u, page.Status)
			m.tel.ReportWarning(report_refresh, err)
			return err
		}
	}

	m.mu.Lock()
	m.cookies = jar
	m.lastRefresh = m.time.Now()
	m.dirty = true
	m.mu.Unlock()

	m.tel.ReportDebug("session refreshed", len(jar))
	return m.Persist(ctx)
}

// IsBlocked classifies a response using the generic challenge signatures
// and the retailer specific ones.
func (m *Manager) IsBlocked(resp Response) bool {
	return IsBlocked(resp, m.cfg.BlockSignatures...)
}

// HandleBlocked refreshes the session when resp is blocked and reports
// whether the request should be retried. Responses that are not blocked
// need no recovery and always report true.
func (m *Manager) HandleBlocked(ctx context.Context, resp Response) bool {
	if !m.IsBlocked(resp) {
		return true
	}
	m.tel.ReportWarning(report_blocked, fmt.Errorf("blocked response %d from %s", resp.Status, resp.URL))

	m.mu.Lock()
	fetcher := m.fetcher
	m.mu.Unlock()
	if fetcher == nil {
		return false
	}
	err := m.refresh(ctx)
	return err == nil
}
