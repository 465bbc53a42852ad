package mbox

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	mboxlib "github.com/emersion/go-mbox"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mailnorm/filter"
	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/runner"
)

type Options struct {
	Path   string
	Filter filter.Options
}

type Reader struct {
	path   string
	filter *filter.Filter
	logger *slog.Logger
	open   func() (io.ReadCloser, error)
}

func NewReader(opts Options, logger *slog.Logger) (*Reader, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, err
	}

	return &Reader{
		path:   path,
		filter: f,
		logger: logger,
		open:   func() (io.ReadCloser, error) { return os.Open(path) },
	}, nil
}

func (r *Reader) Filter() *filter.Filter {
	return r.filter
}

// Stream sends every message of the archive. An unreadable archive is an
// error; a message that cannot be split out ends the stream with an error
// envelope, because the mbox framing after it cannot be trusted.
func (r *Reader) Stream(ctx context.Context, out chan<- model.Envelope) error {
	file, err := r.open()
	if err != nil {
		return fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()
	reader := mboxlib.NewReader(file)

	for idx := 0; ; idx++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return r.emitError(ctx, out, fmt.Errorf("message %d: %w", idx, err))
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return r.emitError(ctx, out, fmt.Errorf("message %d read: %w", idx, err))
		}

		if !r.filter.AllowsRaw(raw) {
			continue
		}

		if err := r.emitEnvelope(ctx, out, model.Envelope{Message: parseMail(raw)}); err != nil {
			return err
		}
	}
}

func (r *Reader) emitError(ctx context.Context, out chan<- model.Envelope, err error) error {
	if r.logger != nil {
		r.logger.Error("mbox stream error", "path", r.path, "err", err)
	}
	return r.emitEnvelope(ctx, out, model.Envelope{Err: err})
}

func (r *Reader) emitEnvelope(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

// parseMail identifies a message by its Message-Id. Messages without one, or
// with headers too broken to read, fall back to a hash of their bytes; the
// decomposer reports the real problem later.
func parseMail(raw []byte) model.RawMessage {
	var id string
	msg := model.NewRawMessage("", "mbox", raw)

	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err == nil {
		mh := mail.Header{Header: message.Header{Header: h}}
		if mid, err := mh.MessageID(); err == nil {
			id = strings.TrimSpace(mid)
		}
		if t, err := mh.Date(); err == nil {
			msg.ReceivedAt = t
		}
	}

	if id == "" {
		id = model.ShortHash(raw)
	}
	msg.ID = id
	return msg
}

// CountMessages counts the messages in an mbox file.
func CountMessages(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	reader := mboxlib.NewReader(file)
	count := 0
	for {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return count, nil
			}
			return count, err
		}
		if _, err := io.Copy(io.Discard, msgReader); err != nil {
			return count, err
		}
		count++
	}
}

// NewProducer registers the archive as the runner's source.
func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Reader, error) {
	reader, err := NewReader(opts, logger)
	if err != nil {
		return nil, err
	}
	r.AddSource("mbox", reader)
	return reader, nil
}
