// Package spool reads a directory of raw messages stored one per file as
// <id>.eml, the layout the mail collector writes.
package spool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dhcgn/mailnorm/filter"
	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/runner"
)

const Ext = ".eml"

type Options struct {
	Dir    string
	Filter filter.Options
}

type Reader struct {
	dir    string
	filter *filter.Filter
	logger *slog.Logger
}

func NewReader(opts Options, logger *slog.Logger) (*Reader, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("spool directory is empty")
	}
	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, err
	}
	return &Reader{dir: dir, filter: f, logger: logger}, nil
}

// List returns the spool files ordered by name.
func (r *Reader) List() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool: %w", err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), Ext) {
			continue
		}
		files = append(files, filepath.Join(r.dir, e.Name()))
	}
	sort.Strings(files)
	return files, nil
}

func (r *Reader) Count() (int, error) {
	files, err := r.List()
	return len(files), err
}

func (r *Reader) Filter() *filter.Filter {
	return r.filter
}

func (r *Reader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	files, err := r.List()
	if err != nil {
		return err
	}

	for _, path := range files {
		if err := ctx.Err(); err != nil {
			return err
		}

		env := r.read(path)
		if env.Err == nil && !r.filter.AllowsRaw(env.Message.Raw) {
			r.debug("message filtered", "id", env.Message.ID)
			continue
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- env:
		}
	}
	return nil
}

func (r *Reader) read(path string) model.Envelope {
	raw, err := os.ReadFile(path)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("spool read error", "path", path, "err", err)
		}
		return model.Envelope{Err: fmt.Errorf("read %s: %w", filepath.Base(path), err)}
	}

	id := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	msg := model.NewRawMessage(id, "spool", raw)
	if info, err := os.Stat(path); err == nil {
		msg.ReceivedAt = info.ModTime()
	}
	return model.Envelope{Message: msg}
}

func (r *Reader) debug(msg string, args ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, args...)
	}
}

// NewProducer registers the spool as the runner's source.
func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Reader, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	r.AddSource("spool", reader)
	return reader, nil
}
