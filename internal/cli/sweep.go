package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"grocery-ingest/internal/browser"
	"grocery-ingest/internal/components/chrono"
	"grocery-ingest/internal/components/telemetry"
	"grocery-ingest/internal/config"
	"grocery-ingest/internal/enrich"
	"grocery-ingest/internal/fetch"
	"grocery-ingest/internal/notify"
	"grocery-ingest/internal/product"
	"grocery-ingest/internal/retailers"
	"grocery-ingest/internal/scraper"
	"grocery-ingest/internal/session"
	"grocery-ingest/internal/snapshot"
	"grocery-ingest/internal/store"
	"grocery-ingest/internal/store/db"
	libtelemetry "grocery-ingest/lib/telemetry"
	"grocery-ingest/lib/serviceutil"
	"grocery-ingest/lib/sqliteutil"
)

const logTimeFormat = "20060102T150405"

// sweep holds everything one run of a retailer needs, closers run in
// reverse order once the run is over.
type sweep struct {
	settings config.Settings
	def      retailers.Definition
	storeID  string
	clock    chrono.API
	tel      telemetry.API
	stderr   io.Writer
	logPath  string

	client  *fetch.Client
	session *session.Manager
	store   *store.Store
	closers []func() error
}

func (s *sweep) onClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *sweep) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		err := s.closers[i]()
		if err != nil {
			slog.Warn("cleanup failed", "err", err)
		}
	}
	s.closers = nil
}

func newSweep(settings config.Settings, stderr io.Writer) (*sweep, error) {
	def, err := retailers.Lookup(settings.Retailer)
	if err != nil {
		return nil, err
	}
	if settings.BaseURL != "" {
		def.BaseURL = settings.BaseURL
		def.HomeURL = ""
		def.WarmURLs = nil
	}
	storeID := settings.StoreID
	if storeID == "" {
		storeID = def.DefaultStoreID
	}
	return &sweep{
		settings: settings,
		def:      def,
		storeID:  storeID,
		clock:    chrono.NewStandardImpl(),
		tel:      telemetry.SlogAPI{},
		stderr:   stderr,
	}, nil
}

func (s *sweep) initLogging() error {
	s.logPath = filepath.Join(s.settings.LogDir, fmt.Sprintf("%s-%s.log", s.def.Retailer, s.clock.Now().Format(logTimeFormat)))
	closeLog, err := libtelemetry.InitSlogWithFile(s.settings.Verbose, s.logPath)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	s.onClose(closeLog)
	return nil
}

func (s *sweep) initFetch() error {
	cfg := s.def.FetchConfig()
	cfg.UserAgent = s.settings.UserAgent
	cfg.Proxies = s.settings.Proxies
	cfg.DumpDir = s.settings.DumpDir
	client, err := fetch.New(cfg, s.tel)
	if err != nil {
		return err
	}
	s.client = client
	return nil
}

func (s *sweep) initSession(ctx context.Context) error {
	backend, closeBackend, err := session.BackendFromEnv(s.settings.SessionDir)
	if err != nil {
		return err
	}
	s.onClose(closeBackend)

	var fetcher session.PageFetcher = s.client
	if s.def.RequiresBrowser && s.def.HomeURL != "" {
		proxy := ""
		if len(s.settings.Proxies) > 0 {
			proxy = s.settings.Proxies[0]
		}
		b := browser.New(browser.Config{
			RemoteURL: s.settings.Browser.RemoteURL,
			Bin:       s.settings.Browser.Bin,
			Headless:  s.settings.Browser.Headless,
			Proxy:     proxy,
			UserAgent: s.settings.UserAgent,
			Origin:    s.def.HomeURL,
		}, s.tel)
		s.onClose(b.Close)
		fetcher = b
		if s.def.BrowserPost {
			s.client.UsePoster(b)
		}
	}

	s.session = session.NewManager(s.def.SessionConfig(s.storeID), backend, fetcher, s.clock, s.tel)
	s.client.UseSession(s.session)
	err = s.session.Load(ctx)
	if err != nil {
		return err
	}

	cookies, err := s.flagCookies()
	if err != nil {
		return err
	}
	if len(cookies) > 0 {
		err = s.session.SetCookies(ctx, cookies)
		if err != nil {
			return err
		}
	}

	if s.def.HomeURL == "" {
		return nil
	}
	_, err = s.session.GetCookies(ctx, false)
	if errors.Is(err, session.ErrBrowserCookiesRequired) {
		// requests go out without cookies and the block handling takes
		// over from there
		slog.Warn("continuing without browser cookies", "retailer", s.def.Retailer)
		return nil
	}
	return err
}

func (s *sweep) flagCookies() (map[string]string, error) {
	switch {
	case s.settings.Cookies != "":
		cookies, err := session.ParseCookies(s.settings.Cookies)
		if err != nil {
			return nil, fmt.Errorf("--cookies: %w", err)
		}
		return cookies, nil
	case s.settings.CookiesFile != "":
		cookies, err := session.ReadCookiesFile(s.settings.CookiesFile)
		if err != nil {
			return nil, fmt.Errorf("--cookies-file: %w", err)
		}
		return cookies, nil
	}
	return nil, nil
}

func (s *sweep) openStore() (store.Store, error) {
	if s.store != nil {
		return *s.store, nil
	}
	database, err := sqliteutil.OpenDB(db.Schema, s.settings.DB)
	if err != nil {
		return store.Store{}, err
	}
	s.onClose(database.Close)
	st := store.New(database, s.clock, s.tel)
	s.store = &st
	return st, nil
}

// sink picks where records go: the datastore unless this is a dry run,
// plus the snapshot file when one is requested.
func (s *sweep) sink() (scraper.Sink, *snapshot.Writer, error) {
	var sinks scraper.MultiSink
	if !s.settings.DryRun {
		st, err := s.openStore()
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, scraper.StoreSink{Store: st})
	}

	var snap *snapshot.Writer
	if s.settings.Output != "" {
		var err error
		snap, err = snapshot.Open(s.settings.Output, product.Location{Retailer: s.def.Retailer, StoreID: s.storeID}, s.settings.FlushEvery, s.clock, s.tel)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, snap)
	}

	switch len(sinks) {
	case 0:
		return scraper.DiscardSink{}, nil, nil
	case 1:
		return sinks[0], snap, nil
	}
	return sinks, snap, nil
}

func (s *sweep) enricher() (scraper.Enricher, error) {
	cfg := s.settings.Enrich
	if !cfg.Enabled || s.settings.SkipDetails {
		return nil, nil
	}
	client, err := fetch.New(fetch.Config{Retailer: s.def.Retailer, Proxies: s.settings.Proxies}, s.tel)
	if err != nil {
		return nil, err
	}
	return enrich.NewClient(
		enrich.NewHTTPLookup(client, cfg.URL, s.storeID, cfg.Token),
		enrich.Options{
			ChunkSize:        cfg.BatchSize,
			StoreID:          s.storeID,
			FilterAssortment: true,
		},
		s.tel,
	), nil
}

func (s *sweep) pacer() scraper.Pacer {
	pacer := s.def.Pacer()
	if s.settings.Delay > 0 {
		pacer.Base = s.settings.Delay
		pacer.Variance = s.settings.DelayVariance
	}
	return pacer
}

func (s *sweep) checkpoint(ctx context.Context) error {
	if !s.session.Dirty() {
		return nil
	}
	err := s.session.Persist(ctx)
	if err != nil {
		slog.Warn("persist session", "err", err)
	}
	return nil
}

func (s *sweep) backfill(ctx context.Context) (enrich.BackfillResult, error) {
	st, err := s.openStore()
	if err != nil {
		return enrich.BackfillResult{}, err
	}
	var lookup enrich.BarcodeLookup
	if s.settings.Barcode.Token != "" && s.settings.Barcode.URL != "" {
		client, err := fetch.New(fetch.Config{Retailer: s.def.Retailer, Proxies: s.settings.Proxies}, s.tel)
		if err != nil {
			return enrich.BackfillResult{}, err
		}
		lookup = enrich.NewHTTPBarcodeLookup(client, s.settings.Barcode.URL, s.settings.Barcode.Token)
	}
	return enrich.NewBackfill(st, lookup, enrich.BackfillOptions{Limit: s.settings.Barcode.Limit}, s.tel).Run(ctx, s.def.Retailer)
}

func (s *sweep) report(ctx context.Context, stats scraper.Stats) {
	fmt.Fprint(s.stderr, notify.Summary(stats, s.logPath))

	cfg := s.settings.Notify
	if !cfg.Enabled() {
		return
	}
	err := notify.NewMailer(notify.Config{
		Server:   cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		To:       cfg.To,
	}).Send(context.WithoutCancel(ctx), stats, s.logPath)
	if err != nil {
		slog.Warn("failed to mail summary", "err", err)
	}
}

// runSweep scrapes one retailer end to end. The error carries the exit
// code of the run.
func runSweep(ctx context.Context, settings config.Settings, stderr io.Writer) error {
	s, err := newSweep(settings, stderr)
	if err != nil {
		return exit(ExitFailure, err)
	}
	defer s.close()

	err = s.initLogging()
	if err != nil {
		return exit(ExitFailure, err)
	}

	err = libtelemetry.SetupFromEnv(ctx, libtelemetry.Service{
		Name:     fmt.Sprintf("%s-scraper", s.def.Retailer),
		Retailer: string(s.def.Retailer),
		StoreID:  s.storeID,
	})
	if err != nil {
		slog.Warn("telemetry disabled", "err", err)
	}
	s.onClose(func() error {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return libtelemetry.Shutdown(shutdownCtx)
	})
	perfCtx, stopPerf := context.WithCancel(ctx)
	defer stopPerf()
	libtelemetry.InstrumentPerfStats(perfCtx, time.Minute)

	slog.Info("starting sweep",
		"retailer", s.def.Retailer,
		"store_id", s.storeID,
		"dry_run", settings.DryRun,
		"max_items", settings.MaxItems,
		"log", s.logPath,
	)

	err = s.initFetch()
	if err != nil {
		return exit(ExitFailure, err)
	}
	err = s.initSession(ctx)
	if err != nil {
		return exit(ExitFailure, err)
	}

	opts := settings.RetailerOptions()
	opts.StoreID = s.storeID
	adapter, err := s.def.Build(opts, retailers.Deps{Client: s.client, Session: s.session, Tel: s.tel})
	if err != nil {
		return exit(ExitFailure, err)
	}

	sink, snap, err := s.sink()
	if err != nil {
		return exit(ExitFailure, err)
	}
	enricher, err := s.enricher()
	if err != nil {
		return exit(ExitFailure, err)
	}

	driver := scraper.NewDriver(adapter, sink, scraper.Options{
		StoreID:           s.storeID,
		MaxItems:          settings.MaxItems,
		StartFromCategory: settings.StartFromCategory,
		Enrich:            !settings.SkipDetails,
		EnrichBatchSize:   settings.Enrich.BatchSize,
		Enricher:          enricher,
		Pacer:             s.pacer(),
		Checkpoint:        s.checkpoint,
	}, s.clock, s.tel)
	if snap != nil && snap.Resumed() > 0 {
		driver.MarkSeen(snap.SeenIDs()...)
		slog.Info("resuming snapshot", "path", settings.Output, "records", snap.Resumed())
	}

	runCtx, interrupts, stop := serviceutil.SignalContext(ctx, driver.Cancel)
	defer stop()
	stats, runErr := driver.Run(runCtx)

	err = s.session.Persist(context.WithoutCancel(ctx))
	if err != nil {
		slog.Warn("persist session", "err", err)
	}

	switch {
	case !settings.FetchUPC || runErr != nil || interrupts.Received():
	case settings.DryRun:
		slog.Info("barcode backfill skipped, a dry run does not write to the datastore")
	default:
		res, err := s.backfill(ctx)
		switch {
		case err != nil:
			slog.Error("barcode backfill failed", "err", err)
		case res.Skipped:
			slog.Info("barcode backfill skipped, no conversion service configured")
		default:
			slog.Info("barcode backfill finished",
				"candidates", res.Candidates,
				"converted", res.Converted,
				"mismatched", res.Mismatched,
				"written", res.Written,
			)
		}
	}

	s.report(ctx, stats)

	switch {
	case interrupts.Received():
		return exit(ExitInterrupted, runErr)
	case runErr != nil:
		return exit(ExitFailure, runErr)
	case stats.Unsuccessful():
		return exit(ExitFailure, fmt.Errorf("%s sweep failed all %d records it touched", s.def.Retailer, stats.Failed))
	}
	return nil
}
