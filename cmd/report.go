package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dhcgn/mailnorm/decompose"
	"github.com/dhcgn/mailnorm/filter"
	"github.com/dhcgn/mailnorm/mbox"
	"github.com/dhcgn/mailnorm/model"
	"github.com/dhcgn/mailnorm/spool"
	"github.com/dhcgn/mailnorm/stats"
)

const (
	CategorySender         = "Sender"
	CategoryRecipient      = "Recipient"
	CategorySubject        = "Subject"
	CategoryAttachmentType = "Attachment-Type"
)

var categories = []string{CategorySender, CategoryRecipient, CategorySubject, CategoryAttachmentType}

// Source is what the report reads messages from.
type Source interface {
	Stream(ctx context.Context, out chan<- model.Envelope) error
	Filter() *filter.Filter
}

// Report holds frequency tables over one source.
type Report struct {
	Counters map[string]map[string]int
	Messages int
	Failed   int
}

func newReport() *Report {
	r := &Report{Counters: make(map[string]map[string]int)}
	for _, c := range categories {
		r.Counters[c] = make(map[string]int)
	}
	return r
}

func (r *Report) add(res *decompose.Result) {
	r.Messages++
	count := func(category, value string) {
		if value = strings.TrimSpace(value); value != "" {
			r.Counters[category][value]++
		}
	}
	count(CategorySender, res.Metadata.Sender)
	count(CategoryRecipient, res.Metadata.Recipient)
	count(CategorySubject, res.Metadata.Subject)
	for _, att := range res.Parts.Attachments() {
		count(CategoryAttachmentType, att.ContentType)
	}
}

// BuildReport decomposes every message src yields. Messages that cannot be
// read or decoded are counted as failed.
func BuildReport(ctx context.Context, src Source, logger *slog.Logger) (*Report, error) {
	report := newReport()
	d := decompose.New(logger)
	envelopes := make(chan model.Envelope, 16)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(envelopes)
		return src.Stream(ctx, envelopes)
	})
	g.Go(func() error {
		for env := range envelopes {
			if env.Err != nil {
				report.Failed++
				continue
			}
			res, err := d.Decompose(env.Message.Raw)
			if err != nil {
				if logger != nil {
					logger.Debug("skipping undecodable message", "messageID", env.Message.ID, "err", err)
				}
				report.Failed++
				continue
			}
			report.add(res)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return report, nil
}

// Print writes the top entries of every category and the filter hit counts.
func (r *Report) Print(w io.Writer, f *filter.Filter, top int) {
	checked, allowed, rules := f.Stats()
	fmt.Fprintf(w, "Decomposed %d messages (%d failed, %d of %d passed filters)\n\n", r.Messages, r.Failed, allowed, checked)

	if len(rules) > 0 {
		fmt.Fprintln(w, "Filters:")
		for _, rule := range rules {
			mark := "x"
			if rule.Hits > 0 {
				mark = "+"
			}
			fmt.Fprintf(w, "  %s [%s] %s: %d hits\n", mark, rule.Kind, rule.Pattern, rule.Hits)
		}
		fmt.Fprintln(w)
	}

	for _, c := range categories {
		fmt.Fprintf(w, "Top %d %s:\n", top, c)
		stats.PrettyPrintTop(w, r.Counters[c], top)
		fmt.Fprintln(w)
	}
}

// NewReportCmd returns the report subcommand. It summarizes a spool
// directory or mbox archive without rendering or writing any records.
func NewReportCmd() *cobra.Command {
	var (
		spoolDir   string
		mboxPath   string
		reportDir  string
		topN       int
		filterOpts filter.Options
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show top senders, subjects and attachment types of a message source",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := slog.Default()

			var (
				src Source
				err error
			)
			switch {
			case spoolDir != "" && mboxPath != "":
				return fmt.Errorf("--spool and --mbox are mutually exclusive")
			case spoolDir != "":
				src, err = spool.NewReader(spool.Options{Dir: spoolDir, Filter: filterOpts}, logger)
			case mboxPath != "":
				src, err = mbox.NewReader(mbox.Options{Path: mboxPath, Filter: filterOpts}, logger)
			default:
				return fmt.Errorf("one of --spool or --mbox is required")
			}
			if err != nil {
				return err
			}

			report, err := BuildReport(cmd.Context(), src, logger)
			if err != nil {
				return fmt.Errorf("build report: %w", err)
			}

			out := cmd.OutOrStdout()
			report.Print(out, src.Filter(), topN)

			if err := saveCSVReports(report.Counters, categories, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}
			fmt.Fprintf(out, "Reports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&spoolDir, "spool", "", "Directory of <id>.eml files")
	flags.StringVar(&mboxPath, "mbox", "", "Path to an .mbox archive")
	flags.StringVarP(&reportDir, "output", "o", ".", "Output directory for CSV reports")
	flags.IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	flags.StringArrayVar(&filterOpts.IncludeHeader, "include-header", nil, "Regex allow-list applied to message headers (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&filterOpts.IncludeBody, "include-body", nil, "Regex allow-list applied to message bodies (mutually exclusive with exclude flags)")
	flags.StringArrayVar(&filterOpts.ExcludeHeader, "exclude-header", nil, "Regex block-list applied to message headers (mutually exclusive with include flags)")
	flags.StringArrayVar(&filterOpts.ExcludeBody, "exclude-body", nil, "Regex block-list applied to message bodies (mutually exclusive with include flags)")
	return cmd
}

func saveCSVReports(counter map[string]map[string]int, headers []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, header := range headers {
		filePath := filepath.Join(dir, fmt.Sprintf("report_%s.csv", normalizeHeaderName(header)))
		if err := writeCSV(filePath, stats.Top(counter[header], limit)); err != nil {
			return err
		}
	}
	return nil
}

func writeCSV(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeHeaderName(header string) string {
	name := strings.ToLower(header)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}
