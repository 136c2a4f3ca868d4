package metrics

import (
	"context"
	"net/http"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pbots/internal/dispatcher"
	"pbots/internal/eventbus"
	logx "pbots/pkg/logx"
)

// Service turns run lifecycle events from the bus into Prometheus metrics.
type Service struct {
	log logx.Logger
	bus eventbus.Bus
	reg *prometheus.Registry

	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	ingested     *prometheus.CounterVec
	notified     *prometheus.CounterVec
	skippedTotal *prometheus.CounterVec

	mu    sync.Mutex
	unsub func()
	done  chan struct{}
}

func New(bus eventbus.Bus, log logx.Logger) *Service {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Service{
		log: log,
		bus: bus,
		reg: reg,
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbots_runs_total",
			Help: "Completed pipeline runs by source and outcome.",
		}, []string{"source", "outcome"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pbots_run_duration_seconds",
			Help:    "Pipeline run duration.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"source"}),
		ingested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbots_publications_ingested_total",
			Help: "Newly stored publications by source.",
		}, []string{"source"}),
		notified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbots_publications_notified_total",
			Help: "Publications included in delivered newsletters by source.",
		}, []string{"source"}),
		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pbots_triggers_skipped_total",
			Help: "Triggers refused because a run was already in flight.",
		}, []string{"source"}),
	}
	reg.MustRegister(s.runsTotal, s.runDuration, s.ingested, s.notified, s.skippedTotal)
	return s
}

// Handler serves the registry for the HTTP server's /metrics route.
func (s *Service) Handler() http.Handler {
	return promhttp.HandlerFor(s.reg, promhttp.HandlerOpts{})
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bus == nil || s.done != nil {
		return
	}
	ch, unsub := s.bus.Subscribe(64)
	s.unsub = unsub
	s.done = make(chan struct{})
	done := s.done

	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				s.observe(ev)
			}
		}
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	unsub := s.unsub
	done := s.done
	s.unsub = nil
	s.done = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}
}

func (s *Service) observe(ev eventbus.Event) {
	data, ok := ev.Data.(dispatcher.RunEvent)
	if !ok {
		return
	}
	src := strconv.FormatInt(data.SourceID, 10)
	switch ev.Type {
	case eventbus.TypeRunFinished:
		s.runsTotal.WithLabelValues(src, "ok").Inc()
		s.runDuration.WithLabelValues(src).Observe(data.Duration.Seconds())
		s.ingested.WithLabelValues(src).Add(float64(data.Inserted))
		s.notified.WithLabelValues(src).Add(float64(data.Sent))
	case eventbus.TypeRunFailed:
		s.runsTotal.WithLabelValues(src, "error").Inc()
		s.runDuration.WithLabelValues(src).Observe(data.Duration.Seconds())
		s.ingested.WithLabelValues(src).Add(float64(data.Inserted))
	case eventbus.TypeRunSkipped:
		s.skippedTotal.WithLabelValues(src).Inc()
	}
}
