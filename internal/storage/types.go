package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures the on-disk state directory.
//
// Dir holds scheduled.json, admins.json, deliveries.db and the CRM
// snapshot files.
type Config struct {
	Dir         string
	BusyTimeout time.Duration // sqlite busy timeout; 0 means default
}

// Delivery statuses. Exactly one row is written per contact per dispatch run.
const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Delivery is one append-only delivery log row.
type Delivery struct {
	At         time.Time
	Phone      string
	TemplateID string
	Funnel     string
	Status     string
	// Excerpt is a response fragment kept for debugging. It is flattened to a
	// single line and truncated before it hits the database.
	Excerpt string
}

// ErrorNumber records a contact whose phone could not be normalized.
// Keyed by raw phone; repeat rejections of the same value are dropped.
type ErrorNumber struct {
	LeadID      int64
	LeadName    string
	Phone       string
	ContactName string
}

// FunnelSummary aggregates delivery outcomes for one funnel.
type FunnelSummary struct {
	Funnel  string
	Total   int
	Success int
	Failed  int
}

// DaySummary aggregates delivery outcomes for one calendar day.
type DaySummary struct {
	Day     string // "2006-01-02"
	Total   int
	Success int
	Failed  int
}
