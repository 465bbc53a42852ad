package processor

import (
	"context"
	"fmt"

	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/runner"
	"github.com/dhcgn/mailnorm/stats"
)

// Workers consumes the runner queue. Each worker handles one message at a
// time; failures are reported as events and never stop the batch.
type Workers struct {
	processor *Processor
	runner    *runner.Runner
}

// NewWorkers registers n worker stages on r.
func NewWorkers(p *Processor, r *runner.Runner, n int) *Workers {
	w := &Workers{processor: p, runner: r}
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		r.AddStage(fmt.Sprintf("worker-%d", i), w.run)
	}
	return w
}

func (w *Workers) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-w.runner.Queue():
			if !ok {
				return nil
			}
			// select picks randomly when both are ready; queued messages
			// must not be handled after cancellation.
			if err := ctx.Err(); err != nil {
				return err
			}
			w.handle(ctx, msg)
		}
	}
}

func (w *Workers) handle(ctx context.Context, msg model.RawMessage) {
	logger := w.runner.Logger()
	res, err := w.processor.Process(ctx, msg)

	for _, attErr := range res.AttachmentErrors {
		w.runner.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeRasterError, MessageID: msg.ID, Err: attErr})
	}

	if err != nil {
		logger.Error("message failed", "id", msg.ID, "state", res.State, "err", err)
		w.runner.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeFailed, MessageID: msg.ID, Err: err, Duration: res.Duration})
		return
	}

	if res.Accepted > 0 {
		w.runner.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeImagesAccepted, MessageID: msg.ID, Count: res.Accepted})
	}
	if res.Rejected > 0 {
		w.runner.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeImagesDuplicate, MessageID: msg.ID, Count: res.Rejected})
	}

	if w.processor.Options().DryRun {
		logger.Info("dry-run: message assembled", "id", msg.ID, "images", res.Accepted, "duplicates", res.Rejected)
		w.runner.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeDryRunAssembled, MessageID: msg.ID, Duration: res.Duration})
		return
	}

	if err := w.runner.Tracker().MarkProcessed(msg.Hash, msg.ID); err != nil {
		logger.Error("mark processed failed", "id", msg.ID, "err", err)
		w.runner.EmitEvent(stats.Event{Stage: stats.StageState, Type: stats.EventTypeError, MessageID: msg.ID, Err: err})
	}

	logger.Debug("message stored", "id", msg.ID, "files", len(res.Files), "duration", res.Duration)
	w.runner.EmitEvent(stats.Event{Stage: stats.StageProcess, Type: stats.EventTypeAssembled, MessageID: msg.ID, Duration: res.Duration})
}
