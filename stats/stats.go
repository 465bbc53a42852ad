package stats

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type Stage string

const (
	StageSource  Stage = "source"
	StageProcess Stage = "process"
	StageState   Stage = "state"
)

type EventType string

const (
	EventTypeScanned         EventType = "scanned"
	EventTypeEnqueued        EventType = "enqueued"
	EventTypeSkipped         EventType = "skipped"
	EventTypeAssembled       EventType = "assembled"
	EventTypeDryRunAssembled EventType = "dry_run_assembled"
	EventTypeFailed          EventType = "failed"
	EventTypeRasterError     EventType = "raster_error"
	EventTypeImagesAccepted  EventType = "images_accepted"
	EventTypeImagesDuplicate EventType = "images_duplicate"
	EventTypeError           EventType = "error"
)

type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Err       error
	Detail    string
	// Count is set for image events.
	Count    int
	Duration time.Duration
}

type Summary struct {
	Scanned         int
	Enqueued        int
	Skipped         int
	Assembled       int
	DryRunAssembled int
	Failed          int
	RasterErrors    int
	ImagesAccepted  int
	ImagesDuplicate int
	Errors          int
	LastError       error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"scanned", s.Scanned,
		"enqueued", s.Enqueued,
		"skipped", s.Skipped,
		"assembled", s.Assembled,
		"dryRunAssembled", s.DryRunAssembled,
		"failed", s.Failed,
		"rasterErrors", s.RasterErrors,
		"imagesAccepted", s.ImagesAccepted,
		"imagesDuplicate", s.ImagesDuplicate,
		"errors", s.Errors,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.Apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) Apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeScanned:
		c.summary.Scanned++
	case EventTypeEnqueued:
		c.summary.Enqueued++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeAssembled:
		c.summary.Assembled++
	case EventTypeDryRunAssembled:
		c.summary.DryRunAssembled++
	case EventTypeFailed:
		c.summary.Failed++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeRasterError:
		c.summary.RasterErrors++
	case EventTypeImagesAccepted:
		c.summary.ImagesAccepted += evt.Count
	case EventTypeImagesDuplicate:
		c.summary.ImagesDuplicate += evt.Count
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("stats collection stopped", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger != nil {
		r.logger.Info("stats summary", attrs...)
	}
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}

// Pair is one entry of a frequency table.
type Pair struct {
	Key   string
	Value int
}

// Top returns the limit most frequent entries of m, ties ordered by key.
func Top(m map[string]int, limit int) []Pair {
	pairs := make([]Pair, 0, len(m))
	for k, v := range m {
		pairs = append(pairs, Pair{k, v})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Value != pairs[j].Value {
			return pairs[i].Value > pairs[j].Value
		}
		return pairs[i].Key < pairs[j].Key
	})

	if limit >= 0 && limit < len(pairs) {
		pairs = pairs[:limit]
	}
	return pairs
}

// PrettyPrintTop prints the top N most frequent items in a map.
func PrettyPrintTop(w io.Writer, m map[string]int, limit int) {
	for i, p := range Top(m, limit) {
		fmt.Fprintf(w, "%d. %s (%d)\n", i+1, p.Key, p.Value)
	}
}
