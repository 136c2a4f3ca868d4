package app

import (
	"context"
	"fmt"
	"sync"

	"pbots/internal/config"
	"pbots/internal/dispatcher"
	"pbots/internal/eventbus"
	"pbots/internal/mailer"
	"pbots/internal/metrics"
	"pbots/internal/notifier"
	"pbots/internal/scheduler"
	"pbots/internal/scraper"
	"pbots/internal/server"
	"pbots/internal/storage"
	logx "pbots/pkg/logx"
)

// App wires the services together and owns their lifecycle.
type App struct {
	cfgMgr *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store storage.Store
	bus   eventbus.Bus

	disp  *dispatcher.Service
	met   *metrics.Service
	sched *scheduler.Service
	srv   *server.Server

	watchCancel context.CancelFunc
	watchWG     sync.WaitGroup
	updates     chan *config.Config
}

func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	mgr.SetLogger(log)

	busyTimeout, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{Path: cfg.Storage.Path, BusyTimeout: busyTimeout}, log.With(logx.String("component", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	ctx := context.Background()
	if err := store.SyncSources(ctx, cfg.SourceSeeds()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("sync sources: %w", err)
	}
	if err := store.SyncRecipients(ctx, cfg.RecipientSeeds()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("sync recipients: %w", err)
	}

	specs, err := cfg.ScraperSpecs()
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := eventbus.New()
	runner := scraper.NewRunner(log.With(logx.String("component", "scraper")))
	mail := mailer.New(mailer.Config{
		SMTP: mailer.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			TLS:      cfg.SMTP.TLS,
			From:     cfg.SMTP.From,
			ReplyTo:  cfg.SMTP.ReplyTo,
		},
		RatePerMinute: cfg.SMTP.RatePerMinute,
	}, log.With(logx.String("component", "mailer")))
	notif := notifier.New(store, mail, log.With(logx.String("component", "notifier")))

	disp := dispatcher.New(dispatcher.Config{
		Workers:     cfg.Dispatcher.Workers,
		QueueSize:   cfg.Dispatcher.QueueSize,
		HistorySize: cfg.Dispatcher.HistorySize,
	}, store, runner, notif, specs, log.With(logx.String("component", "dispatcher")), bus)

	met := metrics.New(bus, log.With(logx.String("component", "metrics")))
	sched := scheduler.New(cfg.Scheduler, cfg.Schedules(), disp, log.With(logx.String("component", "scheduler")))

	handlers := server.NewHandlers(store, disp, mail, log.With(logx.String("component", "api")))
	srv, err := server.New(cfg.Server, handlers, met.Handler(), log.With(logx.String("component", "http")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfgMgr: mgr,
		logSvc: logSvc,
		log:    log,
		store:  store,
		bus:    bus,
		disp:   disp,
		met:    met,
		sched:  sched,
		srv:    srv,
	}, nil
}

func (a *App) Logger() logx.Logger { return a.log }

func (a *App) Start(ctx context.Context) error {
	a.met.Start(ctx)
	a.disp.Start(ctx)
	a.sched.Start(ctx)
	a.srv.Start(ctx)

	// Hot reload applies logging knobs only; the source catalogue and
	// scraper specs are fixed for the process lifetime.
	watchCtx, cancel := context.WithCancel(ctx)
	a.watchCancel = cancel
	a.updates = a.cfgMgr.Subscribe(1)
	updates := a.updates
	a.watchWG.Add(2)
	go func() {
		defer a.watchWG.Done()
		_ = a.cfgMgr.Watch(watchCtx)
	}()
	go func() {
		defer a.watchWG.Done()
		for {
			select {
			case <-watchCtx.Done():
				return
			case cfg, ok := <-updates:
				if !ok {
					return
				}
				a.logSvc.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.Logging.Console,
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				a.log.Info("logging config applied")
			}
		}
	}()

	a.log.Info("pbots started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if a.watchCancel != nil {
		a.watchCancel()
		a.watchWG.Wait()
		a.cfgMgr.Unsubscribe(a.updates)
		a.updates = nil
	}

	a.srv.Stop(ctx)
	a.sched.Stop(ctx)
	a.disp.Stop(ctx)
	a.met.Stop(ctx)

	if err := a.store.Close(); err != nil {
		a.log.Warn("closing storage", logx.Err(err))
	}
	a.log.Info("pbots stopped")
	return a.logSvc.Close()
}
