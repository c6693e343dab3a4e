package broadcast

import (
	"fmt"
	"strings"
	"time"
)

// Window is a daily local-time sending window, inclusive on both ends.
// A zero Window is always open. From after Until means the window wraps
// midnight (e.g. 22:00-06:00).
type Window struct {
	from  int // minutes since midnight
	until int
	set   bool
}

// ParseWindow builds a Window from "HH:MM" bounds. Both empty means
// always open; one empty bound is an error.
func ParseWindow(from, until string) (Window, error) {
	from = strings.TrimSpace(from)
	until = strings.TrimSpace(until)
	if from == "" && until == "" {
		return Window{}, nil
	}
	if from == "" || until == "" {
		return Window{}, fmt.Errorf("sending window needs both bounds, got %q-%q", from, until)
	}
	f, err := parseClock(from)
	if err != nil {
		return Window{}, err
	}
	u, err := parseClock(until)
	if err != nil {
		return Window{}, err
	}
	return Window{from: f, until: u, set: true}, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q (want HH:MM)", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func (w Window) IsZero() bool { return !w.set }

// Contains reports whether t's local wall clock falls inside the window.
func (w Window) Contains(t time.Time) bool {
	if !w.set {
		return true
	}
	m := t.Hour()*60 + t.Minute()
	if w.from <= w.until {
		return m >= w.from && m <= w.until
	}
	// wrap-around window
	return m >= w.from || m <= w.until
}

func (w Window) String() string {
	if !w.set {
		return "always"
	}
	return fmt.Sprintf("%02d:%02d-%02d:%02d", w.from/60, w.from%60, w.until/60, w.until%60)
}
