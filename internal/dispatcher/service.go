package dispatcher

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"pbots/internal/eventbus"
	"pbots/internal/scraper"
	"pbots/internal/storage"
	logx "pbots/pkg/logx"
)

// Scraper runs the external process for a source; satisfied by scraper.Runner.
type Scraper interface {
	Run(ctx context.Context, spec scraper.Spec) ([]scraper.Record, error)
}

// Notifier delivers the incremental batch; satisfied by notifier.Service.
type Notifier interface {
	Notify(ctx context.Context, src storage.Source) (int, error)
}

type runJob struct {
	src   storage.Source
	spec  scraper.Spec
	state *RunState
}

// Service executes source pipelines from a queue using a worker pool.
//
// A trigger returns as soon as the run is accounted for and queued; the
// caller never learns the eventual outcome, only "started". Worker
// goroutines are panic-safe, and every started run ends with exactly one
// MarkStop regardless of which stage fails.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	bus   eventbus.Bus
	cfg   Config
	store storage.Store

	runner   Scraper
	notifier Notifier
	specs    map[int64]scraper.Spec

	queue     chan runJob
	stopCh    chan struct{}
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup

	stateMu sync.Mutex
	states  map[int64]*RunState

	hmu     sync.Mutex
	history []HistoryItem

	dropped uint64
	newRunID func() string
}

func New(cfg Config, store storage.Store, runner Scraper, notifier Notifier, specs map[int64]scraper.Spec, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if specs == nil {
		specs = map[int64]scraper.Spec{}
	}
	return &Service{
		cfg:      cfg,
		store:    store,
		runner:   runner,
		notifier: notifier,
		specs:    specs,
		log:      log,
		bus:      bus,
		states:   map[int64]*RunState{},
		newRunID: defaultRunID,
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}

	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	qs := s.cfg.QueueSize
	if qs <= 0 {
		qs = 64
	}
	// Fresh queue per run to avoid executing stale items after a stop/start toggle.
	s.queue = make(chan runJob, qs)

	runCtx := s.runCtx
	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in dispatcher worker",
						logx.Int("worker", idx),
						logx.Any("panic", r),
						logx.Stack(string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue, idx)
		}()
	}

	s.log.Info("dispatcher started", logx.Int("workers", workers), logx.Int("queue_size", qs))
}

func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.stopCh = nil
		s.runCtx = nil
		s.queue = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("dispatcher stopped", logx.Duration("took", time.Since(start)))
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

func (s *Service) stateFor(id int64) *RunState {
	s.stateMu.Lock()
	st := s.states[id]
	if st == nil {
		st = &RunState{}
		s.states[id] = st
	}
	s.stateMu.Unlock()
	return st
}

// Trigger starts the pipeline for a source on a background worker.
//
// The in-flight gate is acquired before MarkStart and before enqueueing, so
// concurrent triggers for the same source cannot double-start: the loser
// gets ErrAlreadyRunning. The gate is held until the run completes (or until
// enqueueing fails, in which case the run is closed out immediately).
func (s *Service) Trigger(ctx context.Context, sourceID int64) error {
	s.mu.Lock()
	q := s.queue
	s.mu.Unlock()
	if q == nil {
		return ErrStopped
	}

	src, err := s.store.Source(ctx, sourceID)
	if err != nil {
		return err
	}
	spec, ok := s.specs[sourceID]
	if !ok {
		return ErrNotConfigured
	}

	st := s.stateFor(sourceID)
	if !st.tryAcquire() {
		s.log.Debug("trigger skipped, run in flight", logx.Int64("source", sourceID))
		s.publish(eventbus.TypeRunSkipped, RunEvent{SourceID: sourceID, Name: src.Name})
		return ErrAlreadyRunning
	}

	if err := s.store.MarkStart(ctx, sourceID); err != nil {
		st.release()
		return fmt.Errorf("mark start: %w", err)
	}

	select {
	case q <- runJob{src: src, spec: spec, state: st}:
		s.log.Info("run queued", logx.Int64("source", sourceID), logx.String("name", src.Name))
		return nil
	default:
		// The run was already accounted for; close it out as failed.
		atomic.AddUint64(&s.dropped, 1)
		if err := s.store.MarkStop(context.WithoutCancel(ctx), sourceID, false); err != nil {
			s.log.Error("mark stop after queue overflow failed", logx.Int64("source", sourceID), logx.Err(err))
		}
		st.release()
		s.log.Warn("dispatcher queue full; dropping run",
			logx.Int64("source", sourceID),
			logx.Int("queue_len", len(q)),
			logx.Int("queue_cap", cap(q)))
		return ErrQueueFull
	}
}

// ForceStop is the administrative override: it clears the run bookkeeping
// without terminating the underlying process or in-flight delivery. The
// in-memory gate stays held until the background run actually completes, so
// re-triggers are still refused until then. last_execution_ok is preserved.
func (s *Service) ForceStop(ctx context.Context, sourceID int64) error {
	src, err := s.store.Source(ctx, sourceID)
	if err != nil {
		return err
	}
	if !src.Running {
		return ErrNotRunning
	}
	if err := s.store.MarkStop(ctx, sourceID, src.LastExecutionOK); err != nil {
		return err
	}
	s.log.Info("source force-stopped", logx.Int64("source", sourceID))
	return nil
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	workers := s.cfg.Workers
	ql, qc := 0, 0
	if s.queue != nil {
		ql = len(s.queue)
		qc = cap(s.queue)
	}
	s.mu.Unlock()

	if workers <= 0 {
		workers = 2
	}

	s.hmu.Lock()
	hist := make([]HistoryItem, len(s.history))
	copy(hist, s.history)
	s.hmu.Unlock()

	return Snapshot{
		Workers:  workers,
		QueueLen: ql,
		QueueCap: qc,
		Dropped:  atomic.LoadUint64(&s.dropped),
		History:  hist,
	}
}

func (s *Service) publish(typ string, data RunEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: data})
}
