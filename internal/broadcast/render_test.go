package broadcast

import "testing"

func TestFillMessageAndName(t *testing.T) {
	t.Parallel()

	body := FillMessage("Hi {name}: {message}", "sale today")
	if body != "Hi {name}: sale today" {
		t.Fatalf("FillMessage = %q", body)
	}

	if got := FillName(body, "Ann"); got != "Hi Ann: sale today" {
		t.Fatalf("FillName(Ann) = %q", got)
	}
	if got := FillName(body, "Bob"); got != "Hi Bob: sale today" {
		t.Fatalf("FillName(Bob) = %q", got)
	}
}

func TestFillLeavesUnknownPlaceholders(t *testing.T) {
	t.Parallel()

	if got := FillName("Hello {surname}", "Ann"); got != "Hello {surname}" {
		t.Fatalf("unknown placeholder was touched: %q", got)
	}
	if got := FillMessage("no placeholders", "x"); got != "no placeholders" {
		t.Fatalf("FillMessage changed plain text: %q", got)
	}
}
