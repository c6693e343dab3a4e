package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "blastbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// excerptLimit caps the stored response fragment.
const excerptLimit = 300

// DeliveryLog is the append-only delivery history plus the error-number sink.
type DeliveryLog struct {
	db  *sql.DB
	log logx.Logger
}

// OpenDeliveryLog opens (and migrates) the delivery database under cfg.Dir.
func OpenDeliveryLog(cfg Config, log logx.Logger) (*DeliveryLog, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, errors.New("storage dir is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(cfg.Dir, "deliveries.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &DeliveryLog{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *DeliveryLog) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *DeliveryLog) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one delivery row. Writers only ever append.
func (s *DeliveryLog) Append(ctx context.Context, d Delivery) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(at, phone, template_id, funnel, status, response_excerpt)
		 VALUES(?,?,?,?,?,?)`,
		d.At.Format(time.RFC3339Nano), d.Phone, d.TemplateID, d.Funnel, d.Status,
		sanitizeExcerpt(d.Excerpt),
	)
	return err
}

// RecordError adds a rejected number to the sink. The phone value is the
// primary key, so recording the same number twice is a no-op.
func (s *DeliveryLog) RecordError(ctx context.Context, e ErrorNumber) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if strings.TrimSpace(e.Phone) == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO error_numbers(lead_id, lead_name, phone, contact_name)
		 VALUES(?,?,?,?)`,
		e.LeadID, e.LeadName, e.Phone, e.ContactName,
	)
	return err
}

// ErrorNumbers lists the sink contents, oldest insertion order first.
func (s *DeliveryLog) ErrorNumbers(ctx context.Context) ([]ErrorNumber, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT lead_id, lead_name, phone, contact_name FROM error_numbers ORDER BY rowid`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ErrorNumber
	for rows.Next() {
		var e ErrorNumber
		if err := rows.Scan(&e.LeadID, &e.LeadName, &e.Phone, &e.ContactName); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SummaryByFunnel aggregates outcomes per funnel for rows at or after since.
// A zero since covers the whole history.
func (s *DeliveryLog) SummaryByFunnel(ctx context.Context, since time.Time) ([]FunnelSummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT funnel,
		        COUNT(*),
		        SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END)
		 FROM deliveries
		 WHERE at >= ?
		 GROUP BY funnel
		 ORDER BY funnel`,
		since.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FunnelSummary
	for rows.Next() {
		var f FunnelSummary
		if err := rows.Scan(&f.Funnel, &f.Total, &f.Success, &f.Failed); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SummaryByDay aggregates outcomes per calendar day, most recent first.
func (s *DeliveryLog) SummaryByDay(ctx context.Context, limit int) ([]DaySummary, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 30
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT substr(at, 1, 10) AS day,
		        COUNT(*),
		        SUM(CASE WHEN status = 'SUCCESS' THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status = 'FAILED' THEN 1 ELSE 0 END)
		 FROM deliveries
		 GROUP BY day
		 ORDER BY day DESC
		 LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DaySummary
	for rows.Next() {
		var d DaySummary
		if err := rows.Scan(&d.Day, &d.Total, &d.Success, &d.Failed); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Failed returns recent FAILED rows, optionally filtered by funnel.
func (s *DeliveryLog) Failed(ctx context.Context, funnel string, limit int) ([]Delivery, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT at, phone, template_id, funnel, status, response_excerpt
	      FROM deliveries WHERE status = 'FAILED'`
	args := []any{}
	if strings.TrimSpace(funnel) != "" {
		q += ` AND funnel = ?`
		args = append(args, funnel)
	}
	q += ` ORDER BY at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var at string
		if err := rows.Scan(&at, &d.Phone, &d.TemplateID, &d.Funnel, &d.Status, &d.Excerpt); err != nil {
			return nil, err
		}
		d.At, _ = time.Parse(time.RFC3339Nano, at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// sanitizeExcerpt flattens newlines and truncates so a row stays one line
// when exported.
func sanitizeExcerpt(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	rs := []rune(s)
	if len(rs) > excerptLimit {
		rs = rs[:excerptLimit]
	}
	return string(rs)
}
