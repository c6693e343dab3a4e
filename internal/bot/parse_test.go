package bot

import (
	"testing"
	"time"
)

func TestParseRunAt(t *testing.T) {
	now := time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC)

	got, err := parseRunAt("now", now, time.UTC)
	if err != nil || !got.Equal(now) {
		t.Fatalf("now: %v %v", got, err)
	}
	got, err = parseRunAt("NOW", now, time.UTC)
	if err != nil || !got.Equal(now) {
		t.Fatalf("NOW: %v %v", got, err)
	}

	got, err = parseRunAt("24.12.2026 10:30", now, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 12, 24, 10, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("got %v", got)
	}

	for _, bad := range []string{"", "tomorrow", "2026-12-24 10:30", "01.01.2020 10:00"} {
		if _, err := parseRunAt(bad, now, time.UTC); err == nil {
			t.Fatalf("%q should not parse", bad)
		}
	}
}

func TestParseWindowSpec(t *testing.T) {
	from, until, err := parseWindowSpec("10:00-20:00")
	if err != nil || from != "10:00" || until != "20:00" {
		t.Fatalf("got %q %q %v", from, until, err)
	}

	from, until, err = parseWindowSpec(" 22:00 - 06:00 ")
	if err != nil || from != "22:00" || until != "06:00" {
		t.Fatalf("wrap window: %q %q %v", from, until, err)
	}

	for _, skip := range []string{"skip", "SKIP", "-", ""} {
		from, until, err = parseWindowSpec(skip)
		if err != nil || from != "" || until != "" {
			t.Fatalf("%q should mean default, got %q %q %v", skip, from, until, err)
		}
	}

	for _, bad := range []string{"10:00", "ten-to-six", "10:00-25:61"} {
		if _, _, err := parseWindowSpec(bad); err == nil {
			t.Fatalf("%q should fail", bad)
		}
	}
}
