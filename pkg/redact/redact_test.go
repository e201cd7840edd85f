package redact

import (
	"strings"
	"testing"
)

func TestRedactDisabled(t *testing.T) {
	SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	if got := Text(in); got != in {
		t.Fatalf("expected no redaction, got %q", got)
	}
	if got := Number("+15551234567"); got != "+15551234567" {
		t.Fatalf("expected number untouched, got %q", got)
	}
}

func TestRedactEnabled(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	in := "email a@b.com and phone +62 812 3456 7890"
	got := Text(in)
	if got == in {
		t.Fatalf("expected redaction")
	}
	if want := "[REDACTED_EMAIL]"; !strings.Contains(got, want) {
		t.Fatalf("expected %q in output", want)
	}
	if strings.Contains(got, "3456") {
		t.Fatalf("expected digits removed, got %q", got)
	}
}

func TestRedactNumber(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	if got := Number("+15551234567"); got != "********4567" {
		t.Fatalf("expected masked number, got %q", got)
	}
	if got := Number("123"); got != "123" {
		t.Fatalf("expected short value untouched, got %q", got)
	}
}

func TestRedactSpokenDigits(t *testing.T) {
	SetEnabled(true)
	defer SetEnabled(false)
	got := Text("my number is four one five five five five one two one two thanks")
	if got != "my number is [REDACTED_NUMBER] thanks" {
		t.Fatalf("expected spoken digits masked, got %q", got)
	}
	short := "I need one or two tickets"
	if got := Text(short); got != short {
		t.Fatalf("expected short phrase untouched, got %q", got)
	}
}
