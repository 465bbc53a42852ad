package imap

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-message/textproto"

	"github.com/dhcgn/mailnorm/filter"
	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/runner"
)

const fetchBatch = 50

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	MarkSeen           bool
	SkipPersonal       bool
	Filter             filter.Options
}

// Collector streams the unseen messages of one mailbox folder.
type Collector struct {
	opts   Options
	filter *filter.Filter
	logger *slog.Logger
}

func NewCollector(opts Options, logger *slog.Logger) (*Collector, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap user is empty")
	}
	f, err := filter.New(opts.Filter)
	if err != nil {
		return nil, err
	}
	return &Collector{opts: opts, filter: f, logger: logger}, nil
}

// NewProducer registers the mailbox as the runner's source.
func NewProducer(opts Options, r *runner.Runner, logger *slog.Logger) (*Collector, error) {
	c, err := NewCollector(opts, logger)
	if err != nil {
		return nil, err
	}
	r.AddSource("imap", c)
	return c, nil
}

func (c *Collector) Filter() *filter.Filter {
	return c.filter
}

// Stream fetches the unseen messages without setting \Seen and sends them in
// UID order. Collected messages are flagged \Seen afterwards when MarkSeen is
// set; personal mail is left untouched so it still shows up as unread.
func (c *Collector) Stream(ctx context.Context, out chan<- model.Envelope) error {
	client, cleanup, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	search, err := client.UIDSearch(&imapv2.SearchCriteria{
		NotFlag: []imapv2.Flag{imapv2.FlagSeen},
	}, nil).Wait()
	if err != nil {
		return fmt.Errorf("imap search unseen: %w", err)
	}
	uids := search.AllUIDs()
	if c.logger != nil {
		c.logger.Info("imap unseen messages", "folder", c.folder(), "count", len(uids))
	}

	for start := 0; start < len(uids); start += fetchBatch {
		end := min(start+fetchBatch, len(uids))
		if err := c.fetchBatch(ctx, client, uids[start:end], out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) fetchBatch(ctx context.Context, client *imapclient.Client, uids []imapv2.UID, out chan<- model.Envelope) error {
	section := &imapv2.FetchItemBodySection{Peek: true}
	msgs, err := client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return fmt.Errorf("imap fetch: %w", err)
	}

	var collected []imapv2.UID
	for _, buf := range msgs {
		if err := ctx.Err(); err != nil {
			return err
		}

		id := strconv.FormatUint(uint64(buf.UID), 10)
		raw := buf.FindBodySection(section)
		if raw == nil {
			if err := c.emit(ctx, out, model.Envelope{Err: fmt.Errorf("imap uid %s: empty body", id)}); err != nil {
				return err
			}
			continue
		}

		if c.opts.SkipPersonal && isPersonal(raw, c.opts.Username) {
			if c.logger != nil {
				c.logger.Debug("skipping personal message", "uid", id)
			}
			continue
		}
		if !c.filter.AllowsRaw(raw) {
			continue
		}

		msg := model.NewRawMessage(id, "imap", raw)
		msg.ReceivedAt = buf.InternalDate
		if err := c.emit(ctx, out, model.Envelope{Message: msg}); err != nil {
			return err
		}
		collected = append(collected, buf.UID)
	}

	if c.opts.MarkSeen && len(collected) > 0 {
		err := client.Store(imapv2.UIDSetNum(collected...), &imapv2.StoreFlags{
			Op:     imapv2.StoreFlagsAdd,
			Silent: true,
			Flags:  []imapv2.Flag{imapv2.FlagSeen},
		}, nil).Close()
		if err != nil {
			return fmt.Errorf("imap mark seen: %w", err)
		}
	}
	return nil
}

func (c *Collector) emit(ctx context.Context, out chan<- model.Envelope, env model.Envelope) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case out <- env:
		return nil
	}
}

func (c *Collector) dial(ctx context.Context) (*imapclient.Client, func(), error) {
	address := net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
	options := &imapclient.Options{}

	var (
		client *imapclient.Client
		err    error
	)

	if c.opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         c.opts.Host,
			InsecureSkipVerify: c.opts.InsecureSkipVerify,
		}
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("dial imap %s: %w", address, err)
	}

	if err := client.Login(c.opts.Username, c.opts.Password).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("imap login failed: %w", err)
	}

	if _, err := client.Select(c.folder(), nil).Wait(); err != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("select mailbox %s: %w", c.folder(), err)
	}

	if c.logger != nil {
		c.logger.Debug("imap connection established", "address", address, "user", c.opts.Username, "folder", c.folder(), "tls", c.opts.UseTLS)
	}

	stopClose := context.AfterFunc(ctx, func() {
		_ = client.Close()
	})

	cleanup := func() {
		stopClose()
		if ctx.Err() == nil {
			if err := client.Logout().Wait(); err != nil && c.logger != nil {
				c.logger.Warn("imap logout failed", "err", err)
			}
		}
		if err := client.Close(); err != nil && c.logger != nil {
			c.logger.Debug("imap connection closed", "err", err)
		}
	}

	return client, cleanup, nil
}

func (c *Collector) folder() string {
	if c.opts.Folder == "" {
		return "INBOX"
	}
	return c.opts.Folder
}

// isPersonal reports whether a message was addressed to user directly rather
// than through a list. Messages without a To header count as personal.
// Addresses are compared whole, so "bob@x.com" does not match "jimbob@x.com".
func isPersonal(raw []byte, user string) bool {
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return false
	}
	mh := mail.Header{Header: message.Header{Header: h}}

	to := strings.ToLower(mh.Get("To"))
	if strings.TrimSpace(to) == "" || strings.Contains(to, "undisclosed-recipients") {
		return true
	}

	user = strings.ToLower(strings.TrimSpace(user))
	if user == "" {
		return false
	}
	for _, key := range []string{"To", "Cc", "Bcc"} {
		for _, addr := range addresses(mh, key) {
			if strings.EqualFold(addr, user) {
				return true
			}
		}
	}
	return false
}

// addresses lists the bare addresses of a header. Values the address parser
// rejects are split into tokens so a malformed header can still match.
func addresses(h mail.Header, key string) []string {
	list, err := h.AddressList(key)
	if err == nil {
		out := make([]string, 0, len(list))
		for _, a := range list {
			out = append(out, a.Address)
		}
		return out
	}
	return strings.FieldsFunc(h.Get(key), func(r rune) bool {
		return r == ',' || r == ';' || r == '<' || r == '>' || r == '"' || r == ' ' || r == '\t'
	})
}
