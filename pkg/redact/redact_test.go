package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "call me at +1 415 555 0100 or a@b.com"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if got := Phone("+14155550100"); got != "+14155550100" {
		t.Fatalf("expected number untouched, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "call me at +1 415 555 0100 or a@b.com"
	got := Text(in)
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in %q", want, got)
	}
	if want := "[REDACTED_PHONE]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in %q", want, got)
	}
}

func TestPhoneKeepsLastFour(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	if got := Phone("+1 (415) 555-0100"); got != "*******0100" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := Phone("123"); got != "***" {
		t.Fatalf("short numbers are fully masked, got %q", got)
	}
}
