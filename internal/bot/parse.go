package bot

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"blastbot/internal/broadcast"
)

const runAtLayout = "02.01.2006 15:04"

var errPastRunAt = errors.New("run time is in the past")

// parseRunAt turns operator input into a run time. "now" schedules an
// immediate run; otherwise the input must be "DD.MM.YYYY HH:MM" in the
// given location and must not be in the past.
func parseRunAt(input string, now time.Time, loc *time.Location) (time.Time, error) {
	input = strings.TrimSpace(input)
	if strings.EqualFold(input, "now") {
		return now, nil
	}
	t, err := time.ParseInLocation(runAtLayout, input, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("expected %q or \"now\"", runAtLayout)
	}
	if t.Before(now) {
		return time.Time{}, errPastRunAt
	}
	return t, nil
}

// parseWindowSpec turns operator input into a sending window override.
// "skip" (or "-") keeps the configured default; otherwise the input must
// be "HH:MM-HH:MM".
func parseWindowSpec(input string) (from, until string, err error) {
	input = strings.TrimSpace(input)
	if input == "" || input == "-" || strings.EqualFold(input, "skip") {
		return "", "", nil
	}
	parts := strings.SplitN(input, "-", 2)
	if len(parts) != 2 {
		return "", "", errors.New(`expected "HH:MM-HH:MM" or "skip"`)
	}
	from = strings.TrimSpace(parts[0])
	until = strings.TrimSpace(parts[1])
	if _, err := broadcast.ParseWindow(from, until); err != nil {
		return "", "", err
	}
	return from, until, nil
}
