// Package report renders delivery statistics for operators: plain-text
// summaries for chat and CSV exports for download.
package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"blastbot/internal/storage"
)

// Source is the slice of the delivery log the reports read from.
type Source interface {
	SummaryByFunnel(ctx context.Context, since time.Time) ([]storage.FunnelSummary, error)
	SummaryByDay(ctx context.Context, limit int) ([]storage.DaySummary, error)
	Failed(ctx context.Context, funnel string, limit int) ([]storage.Delivery, error)
	ErrorNumbers(ctx context.Context) ([]storage.ErrorNumber, error)
}

type Reporter struct {
	src Source
}

func New(src Source) *Reporter { return &Reporter{src: src} }

// FunnelText renders the per-funnel outcome summary. A zero since covers
// the whole history.
func (r *Reporter) FunnelText(ctx context.Context, since time.Time) (string, error) {
	rows, err := r.src.SummaryByFunnel(ctx, since)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "No deliveries recorded yet.", nil
	}

	var b strings.Builder
	b.WriteString("Deliveries by funnel:\n")
	var total, success, failed int
	for _, f := range rows {
		fmt.Fprintf(&b, "%s: %d sent, %d ok, %d failed\n", f.Funnel, f.Total, f.Success, f.Failed)
		total += f.Total
		success += f.Success
		failed += f.Failed
	}
	fmt.Fprintf(&b, "Total: %d sent, %d ok, %d failed", total, success, failed)
	return b.String(), nil
}

// DayText renders the recent per-day summary, newest day first.
func (r *Reporter) DayText(ctx context.Context, days int) (string, error) {
	rows, err := r.src.SummaryByDay(ctx, days)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "No deliveries recorded yet.", nil
	}

	var b strings.Builder
	b.WriteString("Deliveries by day:\n")
	for _, d := range rows {
		fmt.Fprintf(&b, "%s: %d sent, %d ok, %d failed\n", d.Day, d.Total, d.Success, d.Failed)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// FailedText lists the most recent failed deliveries with their response
// excerpts, optionally narrowed to one funnel.
func (r *Reporter) FailedText(ctx context.Context, funnel string, limit int) (string, error) {
	rows, err := r.src.Failed(ctx, funnel, limit)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		if funnel != "" {
			return fmt.Sprintf("No failed deliveries for %q.", funnel), nil
		}
		return "No failed deliveries.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Last %d failed deliveries:\n", len(rows))
	for _, d := range rows {
		fmt.Fprintf(&b, "%s  %s  [%s]  %s\n",
			d.At.Format("2006-01-02 15:04"), d.Phone, d.Funnel, d.Excerpt)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ErrorsText lists the rejected-number sink for chat display.
func (r *Reporter) ErrorsText(ctx context.Context) (string, error) {
	rows, err := r.src.ErrorNumbers(ctx)
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "No rejected numbers.", nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Rejected numbers (%d):\n", len(rows))
	for _, e := range rows {
		fmt.Fprintf(&b, "%s  %s (lead %d, %s)\n", e.Phone, e.ContactName, e.LeadID, e.LeadName)
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// WriteErrorsCSV streams the rejected-number sink as CSV.
func (r *Reporter) WriteErrorsCSV(ctx context.Context, w io.Writer) error {
	rows, err := r.src.ErrorNumbers(ctx)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"lead_id", "lead_name", "phone", "contact_name"}); err != nil {
		return err
	}
	for _, e := range rows {
		rec := []string{strconv.FormatInt(e.LeadID, 10), e.LeadName, e.Phone, e.ContactName}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteFailedCSV streams failed deliveries as CSV, optionally filtered by
// funnel.
func (r *Reporter) WriteFailedCSV(ctx context.Context, w io.Writer, funnel string, limit int) error {
	rows, err := r.src.Failed(ctx, funnel, limit)
	if err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"at", "phone", "template_id", "funnel", "status", "response_excerpt"}); err != nil {
		return err
	}
	for _, d := range rows {
		rec := []string{
			d.At.Format(time.RFC3339),
			d.Phone, d.TemplateID, d.Funnel, d.Status, d.Excerpt,
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
