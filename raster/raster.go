// Package raster renders PDF attachments into page images with poppler's
// pdftoppm.
package raster

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/dhcgn/mailnorm/model"
)

const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"

	pagePrefix = "page"
)

var (
	ErrTimeout = errors.New("rasterization timed out")
	ErrNoPages = errors.New("no pages rendered")
)

// RasterizationError is scoped to a single attachment; the message carrying
// it is still processed.
type RasterizationError struct {
	Attachment string
	Detail     string
	Err        error
}

func (e *RasterizationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("rasterize %q: %v: %s", e.Attachment, e.Err, e.Detail)
	}
	return fmt.Sprintf("rasterize %q: %v", e.Attachment, e.Err)
}

func (e *RasterizationError) Unwrap() error {
	return e.Err
}

type Options struct {
	Binary   string
	Format   string
	Quality  int
	DPI      int
	MaxPages int // 0 renders every page
	Timeout  time.Duration
	TempDir  string
}

// Ext returns the file extension pdftoppm uses for the configured format.
func (o Options) Ext() string {
	if o.Format == FormatPNG {
		return "png"
	}
	return "jpg"
}

type Poppler struct {
	opts   Options
	logger *slog.Logger
}

func NewPoppler(opts Options, logger *slog.Logger) (*Poppler, error) {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = "pdftoppm"
	}
	switch opts.Format {
	case "":
		opts.Format = FormatJPEG
	case FormatJPEG, FormatPNG:
	default:
		return nil, fmt.Errorf("unsupported image format %q", opts.Format)
	}
	if opts.DPI <= 0 {
		opts.DPI = 150
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Minute
	}
	return &Poppler{opts: opts, logger: logger}, nil
}

// Rasterize renders every page of att in page order. Each call works in its
// own temporary directory so concurrent workers never share files.
func (p *Poppler) Rasterize(ctx context.Context, att *model.Attachment) ([]model.RenderedImage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(p.opts.TempDir, "raster-*")
	if err != nil {
		return nil, &RasterizationError{Attachment: att.Filename, Err: fmt.Errorf("create temp dir: %w", err)}
	}
	defer os.RemoveAll(dir)

	input := filepath.Join(dir, "input.pdf")
	if err := os.WriteFile(input, att.Data, 0o600); err != nil {
		return nil, &RasterizationError{Attachment: att.Filename, Err: fmt.Errorf("write pdf: %w", err)}
	}

	runCtx, cancel := context.WithTimeout(ctx, p.opts.Timeout)
	defer cancel()

	started := time.Now()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(runCtx, p.opts.Binary, p.args(input, filepath.Join(dir, pagePrefix))...)
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		// A cancelled batch is not a broken attachment.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, &RasterizationError{Attachment: att.Filename, Err: ErrTimeout, Detail: p.opts.Timeout.String()}
		}
		return nil, &RasterizationError{Attachment: att.Filename, Err: err, Detail: strings.TrimSpace(stderr.String())}
	}

	pages, err := collectPages(dir, p.opts.Ext())
	if err != nil {
		return nil, &RasterizationError{Attachment: att.Filename, Err: err}
	}
	if len(pages) == 0 {
		return nil, &RasterizationError{Attachment: att.Filename, Err: ErrNoPages}
	}

	images := make([]model.RenderedImage, 0, len(pages))
	for i, path := range pages {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &RasterizationError{Attachment: att.Filename, Err: fmt.Errorf("read page %d: %w", i, err)}
		}
		images = append(images, model.RenderedImage{
			Data:            data,
			Attachment:      att.Filename,
			AttachmentIndex: att.Index,
			Page:            i,
			Ext:             p.opts.Ext(),
		})
	}

	if p.logger != nil {
		p.logger.Debug("pdf rasterized", "attachment", att.Filename, "pages", len(images), "duration", time.Since(started))
	}
	return images, nil
}

func (p *Poppler) args(input, prefix string) []string {
	args := []string{"-r", strconv.Itoa(p.opts.DPI)}
	if p.opts.Format == FormatPNG {
		args = append(args, "-png")
	} else {
		args = append(args, "-jpeg", "-jpegopt", "quality="+strconv.Itoa(p.opts.Quality))
	}
	if p.opts.MaxPages > 0 {
		args = append(args, "-f", "1", "-l", strconv.Itoa(p.opts.MaxPages))
	}
	return append(args, input, prefix)
}

// collectPages finds pdftoppm's page-N.ext outputs and orders them by N.
// pdftoppm zero-pads N depending on the page count, so names are parsed.
func collectPages(dir, ext string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}

	type page struct {
		num  int
		path string
	}
	var pages []page
	suffix := "." + ext
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, pagePrefix+"-") || !strings.HasSuffix(name, suffix) {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, pagePrefix+"-"), suffix))
		if err != nil {
			continue
		}
		pages = append(pages, page{num: num, path: filepath.Join(dir, name)})
	}

	sort.Slice(pages, func(i, j int) bool { return pages[i].num < pages[j].num })

	paths := make([]string, len(pages))
	for i, pg := range pages {
		paths[i] = pg.path
	}
	return paths, nil
}

// IsPDF reports whether an attachment should be rasterized, judged by its
// declared type, its extension, or its leading bytes.
func IsPDF(att *model.Attachment) bool {
	switch strings.ToLower(att.ContentType) {
	case "application/pdf", "application/x-pdf":
		return true
	}
	if strings.EqualFold(filepath.Ext(att.Filename), ".pdf") {
		return true
	}
	if len(att.Data) == 0 {
		return false
	}
	return mimetype.Detect(att.Data).Is("application/pdf")
}
