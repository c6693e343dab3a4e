package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrContactsMissing marks a job whose contact snapshot file disappeared
// between scheduling and dispatch.
var ErrContactsMissing = errors.New("contacts file missing")

// Contact is one audience member from a CRM snapshot.
type Contact struct {
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

// LoadContacts reads a contact snapshot file (a JSON array in list order).
func LoadContacts(path string) ([]Contact, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrContactsMissing, path)
		}
		return nil, err
	}
	var cs []Contact
	if err := json.Unmarshal(b, &cs); err != nil {
		return nil, fmt.Errorf("contacts file %s: %w", path, err)
	}
	return cs, nil
}

// SaveContacts writes a contact snapshot atomically.
func SaveContacts(path string, cs []Contact) error {
	if cs == nil {
		cs = []Contact{}
	}
	b, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// OutboundMessage is one rendered template send.
type OutboundMessage struct {
	Dest       string
	TemplateID string
	Lang       string
	Text       string
	MediaURL   string
}

// Sender pushes a rendered message to the WhatsApp channel.
// Implementations report the raw HTTP status; only 202 counts as accepted.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) (status int, body string, err error)
}

// Config controls dispatch pacing.
type Config struct {
	Workers int

	// DelayMin/DelayMax bound the randomized pause between contacts.
	DelayMin time.Duration
	DelayMax time.Duration

	// DayFrom/DayUntil are the default sending window; jobs may override.
	DayFrom  string
	DayUntil string

	// RatePerMin caps outbound sends across all jobs. 0 disables the cap.
	RatePerMin int
}
