// Package metrics exports pipeline events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dhcgn/mailnorm/stats"
)

const namespace = "mailnorm"

// Exporter turns stats events into counters and a duration histogram.
type Exporter struct {
	registry *prometheus.Registry

	messages        *prometheus.CounterVec
	images          *prometheus.CounterVec
	rasterErrors    prometheus.Counter
	messageDuration prometheus.Histogram
}

func NewExporter() *Exporter {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Exporter{
		registry: reg,
		messages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "messages_total",
				Help:      "Messages by pipeline outcome",
			},
			[]string{"outcome"},
		),
		images: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "dedup",
				Name:      "images_total",
				Help:      "Rendered page images by dedup decision",
			},
			[]string{"decision"},
		),
		rasterErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "raster",
				Name:      "errors_total",
				Help:      "PDF attachments that could not be rasterized",
			},
		),
		messageDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "message_duration_seconds",
				Help:      "Time to process one message",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}
}

func (e *Exporter) Registry() *prometheus.Registry {
	return e.registry
}

// Observe records a single event.
func (e *Exporter) Observe(evt stats.Event) {
	switch evt.Type {
	case stats.EventTypeScanned, stats.EventTypeEnqueued, stats.EventTypeSkipped,
		stats.EventTypeFailed, stats.EventTypeError:
		e.messages.WithLabelValues(string(evt.Type)).Inc()
	case stats.EventTypeAssembled, stats.EventTypeDryRunAssembled:
		e.messages.WithLabelValues(string(evt.Type)).Inc()
		e.messageDuration.Observe(evt.Duration.Seconds())
	case stats.EventTypeImagesAccepted:
		e.images.WithLabelValues("accepted").Add(float64(evt.Count))
	case stats.EventTypeImagesDuplicate:
		e.images.WithLabelValues("duplicate").Add(float64(evt.Count))
	case stats.EventTypeRasterError:
		e.rasterErrors.Inc()
	}
}

// Subscriber consumes a runner event stream until it closes.
func (e *Exporter) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			e.Observe(evt)
		}
	}
}

// NewRouter serves /metrics from gatherer and a /healthz probe.
func NewRouter(gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return r
}

// Server exposes the router on addr for the lifetime of a run.
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

func NewServer(addr string, handler http.Handler, logger *slog.Logger) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}
}

// Start listens in the background. Listen errors are logged, they do not
// affect the batch.
func (s *Server) Start() {
	go func() {
		s.logger.Info("metrics listening", "addr", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server failed", "err", err)
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
