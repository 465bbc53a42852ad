// Package decompose walks a raw RFC 5322 message into its envelope metadata
// and an ordered list of classified leaf parts.
package decompose

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"golang.org/x/text/encoding/charmap"

	"github.com/dhcgn/mailnorm/model"
)

func init() {
	charset.RegisterEncoding("windows-1252", charmap.Windows1252)
	charset.RegisterEncoding("iso-8859-1", charmap.ISO8859_1)
	charset.RegisterEncoding("iso-8859-9", charmap.ISO8859_9)
	charset.RegisterEncoding("iso-8859-15", charmap.ISO8859_15)
}

var ErrEmptyMessage = errors.New("message is empty")

// DecodeError reports a message whose structure could not be parsed. It is
// fatal for the message: no record is produced.
type DecodeError struct {
	Stage string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Stage, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Result is the decomposed form of one message.
type Result struct {
	Metadata model.Metadata
	Parts    model.Parts
}

type Decomposer struct {
	logger *slog.Logger
}

func New(logger *slog.Logger) *Decomposer {
	return &Decomposer{logger: logger}
}

// Decompose parses raw and classifies every leaf part in order of appearance.
func (d *Decomposer) Decompose(raw []byte) (*Result, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, &DecodeError{Stage: "read", Err: ErrEmptyMessage}
	}

	entity, err := message.Read(bytes.NewReader(raw))
	if err != nil && !recoverable(err) {
		return nil, &DecodeError{Stage: "read", Err: err}
	}
	if entity == nil {
		return nil, &DecodeError{Stage: "read", Err: errors.New("no entity")}
	}

	res := &Result{Metadata: metadata(entity.Header)}

	attachments := 0
	walkErr := entity.Walk(func(path []int, part *message.Entity, err error) error {
		if err != nil {
			if !recoverable(err) {
				return err
			}
			d.debug("part decoded without charset conversion", "path", path, "err", err)
		}
		if isContainer(part.Header) {
			return nil
		}

		body, readErr := io.ReadAll(part.Body)
		if readErr != nil {
			return fmt.Errorf("read part %v: %w", path, readErr)
		}

		p := classify(part.Header, body, attachments)
		if p.Kind == model.PartAttachment {
			attachments++
		}
		res.Parts = append(res.Parts, p)
		return nil
	})
	if walkErr != nil {
		return nil, &DecodeError{Stage: "walk", Err: walkErr}
	}

	return res, nil
}

func (d *Decomposer) debug(msg string, args ...any) {
	if d.logger != nil {
		d.logger.Debug(msg, args...)
	}
}

// classify maps a leaf entity to exactly one Part variant. Disposition wins
// over media type so that attached text files stay attachments.
func classify(h message.Header, body []byte, attachmentIndex int) model.Part {
	mediaType := contentType(h)
	disp, _, _ := h.ContentDisposition()

	if !strings.EqualFold(disp, "attachment") {
		switch mediaType {
		case "text/plain":
			return model.Part{Kind: model.PartText, Content: decodeText(body)}
		case "text/html":
			return model.Part{Kind: model.PartHTML, Content: decodeText(body)}
		}
	}

	ah := mail.AttachmentHeader{Header: h}
	filename, _ := ah.Filename()
	filename = strings.TrimSpace(filename)
	if filename == "" {
		filename = fmt.Sprintf("part-%d", attachmentIndex)
	}

	return model.Part{
		Kind: model.PartAttachment,
		Attachment: &model.Attachment{
			Index:       attachmentIndex,
			Filename:    filename,
			ContentType: mediaType,
			Data:        body,
		},
	}
}

func metadata(h message.Header) model.Metadata {
	return model.Metadata{
		Sender:    sender(h),
		Recipient: headerText(h, "To"),
		Date:      h.Get("Date"),
		Subject:   headerText(h, "Subject"),
	}
}

func sender(h message.Header) string {
	mh := mail.Header{Header: h}
	addrs, err := mh.AddressList("From")
	if err != nil || len(addrs) == 0 {
		return headerText(h, "From")
	}
	addr := addrs[0]
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, addr.Address)
	}
	return addr.Address
}

// headerText decodes RFC 2047 words and falls back to the raw value.
func headerText(h message.Header, key string) string {
	decoded, err := h.Text(key)
	if err != nil {
		return h.Get(key)
	}
	return decoded
}

func contentType(h message.Header) string {
	t, _, err := h.ContentType()
	if err != nil || t == "" {
		if h.Get("Content-Type") == "" {
			return "text/plain"
		}
		return "application/octet-stream"
	}
	return strings.ToLower(t)
}

func isContainer(h message.Header) bool {
	t, _, _ := h.ContentType()
	return strings.HasPrefix(strings.ToLower(t), "multipart/")
}

// decodeText keeps valid UTF-8 and reads anything else as ISO-8859-1, which
// maps every byte to a rune and never fails.
func decodeText(body []byte) string {
	if utf8.Valid(body) {
		return string(body)
	}
	out, err := charmap.ISO8859_1.NewDecoder().Bytes(body)
	if err != nil {
		return strings.ToValidUTF8(string(body), "�")
	}
	return string(out)
}

func recoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
