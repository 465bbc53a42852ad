package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailnorm/stats"
)

// Bar tracks how many source messages have been handled.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar when enabled is set and the log level is info.
// A total of 0 means the source could not be counted up front; the bar is
// then disabled.
func New(total int, enabled bool, logLevel string) *Bar {
	bar := &Bar{
		total:   total,
		enabled: enabled && logLevel == "info" && total > 0,
	}

	if bar.enabled {
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(total).
			WithTitle("Normalizing messages").
			Start()
		bar.pb = pb
		pterm.Info.Printf("Messages in source: %d\n", total)
	}

	return bar
}

func (b *Bar) Enabled() bool {
	return b.enabled
}

// Update advances the bar once per message that reached a final outcome.
func (b *Bar) Update(evt stats.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeSkipped, stats.EventTypeAssembled, stats.EventTypeDryRunAssembled, stats.EventTypeFailed:
		b.done++
		if b.pb == nil {
			return
		}
		b.pb.Increment()
		if evt.MessageID != "" {
			displayID := evt.MessageID
			if len(displayID) > 40 {
				displayID = displayID[:37] + "..."
			}
			b.pb.UpdateTitle("Processed: " + displayID)
		}
		if evt.Type == stats.EventTypeFailed && evt.Err != nil {
			pterm.Error.Printf("%s: %v\n", evt.MessageID, evt.Err)
		}
	case stats.EventTypeRasterError:
		if b.pb != nil && evt.Err != nil {
			pterm.Warning.Printf("%s: %v\n", evt.MessageID, evt.Err)
		}
	}
}

// Done returns the number of messages that reached a final outcome.
func (b *Bar) Done() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

func (b *Bar) Stop() {
	if b.pb == nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
}

// Subscriber feeds the bar from a runner event stream.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter replaces the log summary with a pterm section when the bar
// is shown.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	pterm.Println()
	pterm.DefaultSection.Println("Summary")
	pterm.Info.Printf("Duration: %v\n", time.Since(pr.started))
	pterm.Info.Printf("Scanned: %d\n", summary.Scanned)
	pterm.Info.Printf("Skipped (already processed): %d\n", summary.Skipped)
	pterm.Info.Printf("Assembled: %d\n", summary.Assembled)
	pterm.Info.Printf("Dry-run assembled: %d\n", summary.DryRunAssembled)
	pterm.Info.Printf("Failed: %d\n", summary.Failed)
	pterm.Info.Printf("Images stored: %d (duplicates dropped: %d)\n", summary.ImagesAccepted, summary.ImagesDuplicate)
	pterm.Info.Printf("Rasterization errors: %d\n", summary.RasterErrors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}
