// Package processor turns one raw message into a persisted record: decompose,
// rasterize PDF attachments, drop duplicate pages, name and store the rest.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/dhcgn/mailnorm/decompose"
	"github.com/dhcgn/mailnorm/dedup"
	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/raster"
	"github.com/dhcgn/mailnorm/record"
	"github.com/dhcgn/mailnorm/sanitize"
)

type State int

const (
	StateReceived State = iota
	StateDecomposed
	StateRasterized
	StateDeduplicated
	StateAssembled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDecomposed:
		return "decomposed"
	case StateRasterized:
		return "rasterized"
	case StateDeduplicated:
		return "deduplicated"
	case StateAssembled:
		return "assembled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type Options struct {
	DryRun       bool
	SanitizeHTML bool
}

type Decomposer interface {
	Decompose(raw []byte) (*decompose.Result, error)
}

type Rasterizer interface {
	Rasterize(ctx context.Context, att *model.Attachment) ([]model.RenderedImage, error)
}

type Store interface {
	ImagePath(name string) (string, error)
	Save(id string, rec *model.Record, images []record.File) error
}

// Result describes how far a message got and what it produced.
type Result struct {
	ID       string
	State    State
	Record   *model.Record
	Files    []string
	Accepted int
	Rejected int
	// AttachmentErrors holds one *raster.RasterizationError per PDF that
	// could not be rendered.
	AttachmentErrors []error
	Duration         time.Duration
}

type Processor struct {
	opts       Options
	decomposer Decomposer
	rasterizer Rasterizer
	dedup      *dedup.Deduplicator
	store      Store
	policy     record.HTMLPolicy
	logger     *slog.Logger
}

func New(opts Options, d Decomposer, r Rasterizer, dd *dedup.Deduplicator, s Store, logger *slog.Logger) *Processor {
	p := &Processor{
		opts:       opts,
		decomposer: d,
		rasterizer: r,
		dedup:      dd,
		store:      s,
		logger:     logger,
	}
	if opts.SanitizeHTML {
		p.policy = bluemonday.UGCPolicy()
	}
	return p
}

func (p *Processor) Options() Options {
	return p.opts
}

// Process runs one message to a terminal state. The returned error is
// message-fatal (*decompose.DecodeError or *record.PersistenceError); broken
// attachments only show up in Result.AttachmentErrors.
func (p *Processor) Process(ctx context.Context, msg model.RawMessage) (*Result, error) {
	started := time.Now()
	res := &Result{ID: msg.ID, State: StateReceived}
	defer func() { res.Duration = time.Since(started) }()

	decoded, err := p.decomposer.Decompose(msg.Raw)
	if err != nil {
		res.State = StateFailed
		return res, err
	}
	res.State = StateDecomposed

	var images []model.RenderedImage
	for _, att := range decoded.Parts.Attachments() {
		if !raster.IsPDF(att) {
			continue
		}
		rendered, err := p.rasterizer.Rasterize(ctx, att)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				res.State = StateFailed
				return res, fmt.Errorf("rasterize %s: %w", msg.ID, ctxErr)
			}
			p.logger.Warn("attachment not rasterized", "id", msg.ID, "attachment", att.Filename, "err", err)
			res.AttachmentErrors = append(res.AttachmentErrors, err)
			continue
		}
		images = append(images, rendered...)
	}
	res.State = StateRasterized

	accepted, rejected, err := p.dedup.Partition(msg.ID, images)
	if err != nil {
		res.State = StateFailed
		return res, fmt.Errorf("dedup %s: %w", msg.ID, err)
	}
	res.Accepted = len(accepted)
	res.Rejected = len(rejected)
	res.State = StateDeduplicated

	files, paths, err := p.name(msg.ID, accepted)
	if err != nil {
		p.rollback(msg.ID, accepted)
		res.State = StateFailed
		return res, &record.PersistenceError{ID: msg.ID, Err: err}
	}

	rec := record.Assemble(decoded.Metadata, decoded.Parts, paths, p.policy)
	res.Record = rec
	res.Files = paths

	if p.opts.DryRun {
		// Nothing is persisted, so the claims must not outlive the run.
		p.rollback(msg.ID, accepted)
		res.State = StateAssembled
		return res, nil
	}

	if err := ctx.Err(); err != nil {
		p.rollback(msg.ID, accepted)
		res.State = StateFailed
		res.Record = nil
		res.Files = nil
		return res, fmt.Errorf("store %s: %w", msg.ID, err)
	}

	if err := p.store.Save(msg.ID, rec, files); err != nil {
		p.rollback(msg.ID, accepted)
		res.State = StateFailed
		res.Record = nil
		res.Files = nil
		return res, err
	}

	res.State = StateAssembled
	p.logger.Debug("message assembled", "id", msg.ID, "images", len(paths), "duplicates", len(rejected))
	return res, nil
}

// rollback frees the global claims of a message that will not be stored. A
// release that fails leaves the fingerprint owned by this message until it
// is reprocessed.
func (p *Processor) rollback(id string, accepted []model.RenderedImage) {
	if err := p.dedup.Rollback(id, accepted); err != nil {
		p.logger.Warn("dedup rollback incomplete", "id", id, "err", err)
	}
}

// name assigns <id>_<attachment>_<page>.<ext> file names, unique within the
// message, and resolves them to store paths.
func (p *Processor) name(id string, images []model.RenderedImage) ([]record.File, []string, error) {
	namer := sanitize.NewNamer()
	prefix := sanitize.Name(id)

	files := make([]record.File, 0, len(images))
	paths := make([]string, 0, len(images))
	for _, img := range images {
		name := namer.Reserve(fmt.Sprintf("%s_%s_%d.%s", prefix, sanitize.Stem(img.Attachment), img.Page, img.Ext))
		path, err := p.store.ImagePath(name)
		if err != nil {
			return nil, nil, err
		}
		files = append(files, record.File{Name: name, Data: img.Data})
		paths = append(paths, path)
	}
	return files, paths, nil
}
