package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mailnorm/config"
	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/state"
	"github.com/dhcgn/mailnorm/stats"
)

var ErrMessageIDMissing = errors.New("source message missing id")

type StageFunc func(context.Context) error

// Source streams raw messages into the pipeline. Per-message read problems
// are sent as envelopes with Err set; a returned error aborts the batch.
type Source interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
}

type stage struct {
	name string
	fn   StageFunc
}

type subscriber struct {
	name   string
	fn     func(context.Context, <-chan stats.Event) error
	events chan stats.Event
}

// Runner wires sources, workers and stats subscribers into one batch. Stages
// and subscribers are registered before Start and run until the source is
// drained or a stage fails.
type Runner struct {
	cfg    config.Config
	logger *slog.Logger

	parent context.Context
	ctx    context.Context
	group  *errgroup.Group

	messages chan model.Envelope
	queue    chan model.RawMessage
	events   chan stats.Event

	tracker state.Tracker
	index   state.Tracker

	stages      []stage
	subscribers []*subscriber

	closeMailboxOnce sync.Once
	closeQueueOnce   sync.Once
	closeEventsOnce  sync.Once
	since            time.Time
}

// New opens the state trackers and prepares a runner bound to ctx. The
// fingerprint index is only opened for the global dedup scope.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runner, error) {
	tracker, err := state.Open(cfg.StateBackend, cfg.StateDir, state.ProcessedName, !cfg.DryRun)
	if err != nil {
		return nil, fmt.Errorf("state tracker: %w", err)
	}

	var index state.Tracker
	if cfg.DedupScope == "global" {
		index, err = state.Open(cfg.StateBackend, cfg.StateDir, state.FingerprintsName, !cfg.DryRun)
		if err != nil {
			tracker.Close()
			return nil, fmt.Errorf("fingerprint index: %w", err)
		}
	}

	return NewWithTrackers(ctx, cfg, logger, tracker, index), nil
}

// NewWithTrackers builds a runner around existing trackers. index may be nil.
func NewWithTrackers(ctx context.Context, cfg config.Config, logger *slog.Logger, tracker, index state.Tracker) *Runner {
	group, gctx := errgroup.WithContext(ctx)

	r := &Runner{
		cfg:      cfg,
		logger:   logger,
		parent:   ctx,
		ctx:      gctx,
		group:    group,
		messages: make(chan model.Envelope, 32),
		queue:    make(chan model.RawMessage, 32),
		events:   make(chan stats.Event, 128),
		tracker:  tracker,
		index:    index,
	}

	r.AddStage("bridge", r.bridge)
	return r
}

func (r *Runner) Config() config.Config {
	return r.cfg
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) Tracker() state.Tracker {
	return r.tracker
}

// Index returns the cross-message fingerprint index, or nil.
func (r *Runner) Index() state.Tracker {
	return r.index
}

func (r *Runner) MailboxWriter() chan<- model.Envelope {
	return r.messages
}

func (r *Runner) CloseMailbox() {
	r.closeMailboxOnce.Do(func() {
		close(r.messages)
	})
}

// Queue yields messages that passed the bridge and still need processing.
func (r *Runner) Queue() <-chan model.RawMessage {
	return r.queue
}

func (r *Runner) EmitEvent(evt stats.Event) {
	select {
	case <-r.ctx.Done():
	case r.events <- evt:
	}
}

// SubscribeStats registers fn to receive every event on its own channel.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	r.subscribers = append(r.subscribers, &subscriber{
		name:   name,
		fn:     fn,
		events: make(chan stats.Event, 128),
	})
}

// AddSource registers src as the stage feeding the bridge. Only one source
// may be added per runner.
func (r *Runner) AddSource(name string, src Source) {
	r.AddStage(name, func(ctx context.Context) error {
		defer r.CloseMailbox()
		return src.Stream(ctx, r.messages)
	})
}

func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

func (r *Runner) Start() error {
	r.since = time.Now()

	var statsWG sync.WaitGroup
	for _, sub := range r.subscribers {
		statsWG.Add(1)
		go func(sub *subscriber) {
			defer statsWG.Done()
			if err := sub.fn(r.parent, sub.events); err != nil && !errors.Is(err, context.Canceled) {
				r.logger.Warn("stats subscriber failed", "subscriber", sub.name, "err", err)
			}
			// Keep draining so the fan-out never blocks on a finished subscriber.
			for range sub.events {
			}
		}(sub)
	}

	fanoutDone := make(chan struct{})
	go func() {
		defer close(fanoutDone)
		r.fanout()
	}()

	for _, s := range r.stages {
		r.group.Go(func() error {
			if err := s.fn(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("%s stage: %w", s.name, err)
			}
			return nil
		})
	}

	err := r.group.Wait()
	if err == nil {
		err = r.parent.Err()
	}

	r.closeEvents()
	<-fanoutDone
	statsWG.Wait()

	if closeErr := r.closeTrackers(); closeErr != nil {
		err = errors.Join(err, closeErr)
	}

	duration := time.Since(r.since)
	if err != nil {
		r.logger.Error("pipeline failed", "duration", duration, "err", err)
		return err
	}

	r.logger.Info("pipeline completed", "duration", duration)
	return nil
}

func (r *Runner) fanout() {
	defer func() {
		for _, sub := range r.subscribers {
			close(sub.events)
		}
	}()
	for evt := range r.events {
		for _, sub := range r.subscribers {
			sub.events <- evt
		}
	}
}

func (r *Runner) bridge(ctx context.Context) error {
	defer r.closeQueue()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope, ok := <-r.messages:
			if !ok {
				return nil
			}

			if envelope.Err != nil {
				r.logger.Warn("source message unreadable", "err", envelope.Err)
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: envelope.Err})
				continue
			}

			msg := envelope.Message
			r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeScanned, MessageID: msg.ID})

			if msg.ID == "" {
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeError, Err: ErrMessageIDMissing})
				continue
			}

			if !r.cfg.Force && msg.Hash != "" && r.tracker.AlreadyProcessed(msg.Hash) {
				r.logger.Debug("message already processed", "id", msg.ID)
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeSkipped, MessageID: msg.ID})
				continue
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case r.queue <- msg:
				r.EmitEvent(stats.Event{Stage: stats.StageSource, Type: stats.EventTypeEnqueued, MessageID: msg.ID})
			}
		}
	}
}

func (r *Runner) closeQueue() {
	r.closeQueueOnce.Do(func() {
		close(r.queue)
	})
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		close(r.events)
	})
}

func (r *Runner) closeTrackers() error {
	var errs []error
	if r.tracker != nil {
		if err := r.tracker.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close state tracker: %w", err))
		}
	}
	if r.index != nil {
		if err := r.index.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close fingerprint index: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases the state trackers of a runner that is not going to be
// started. Start closes them itself.
func (r *Runner) Close() error {
	return r.closeTrackers()
}
