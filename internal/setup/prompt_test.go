package setup

import (
	"io"
	"strings"
	"testing"
	"time"
)

func TestPrompter_String(t *testing.T) {
	p := NewPrompter(strings.NewReader("\n\nvalue\n"), io.Discard)
	if got := p.String("with default", "dflt"); got != "dflt" {
		t.Errorf("String() = %q, want dflt", got)
	}
	if got := p.String("required", ""); got != "value" {
		t.Errorf("String() = %q, want value (after re-prompt)", got)
	}
}

func TestPrompter_Optional(t *testing.T) {
	p := NewPrompter(strings.NewReader("\n-\nnew\n"), io.Discard)
	if got := p.Optional("a", "keep"); got != "keep" {
		t.Errorf("Optional() = %q, want keep", got)
	}
	if got := p.Optional("b", "clear-me"); got != "" {
		t.Errorf("Optional() = %q, want empty", got)
	}
	if got := p.Optional("c", ""); got != "new" {
		t.Errorf("Optional() = %q, want new", got)
	}
}

func TestPrompter_Confirm(t *testing.T) {
	tests := []struct {
		input      string
		defaultYes bool
		want       bool
	}{
		{"\n", true, true},
		{"\n", false, false},
		{"yes\n", false, true},
		{"n\n", true, false},
		{"", true, true},
	}
	for _, tt := range tests {
		p := NewPrompter(strings.NewReader(tt.input), io.Discard)
		if got := p.Confirm("ok?", tt.defaultYes); got != tt.want {
			t.Errorf("Confirm(%q, %v) = %v, want %v", tt.input, tt.defaultYes, got, tt.want)
		}
	}
}

func TestPrompter_Select(t *testing.T) {
	p := NewPrompter(strings.NewReader("0\n9\n2\n"), io.Discard)
	idx, err := p.Select("pick", []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if idx != 1 {
		t.Errorf("Select() = %d, want 1", idx)
	}

	if _, err := p.Select("none", nil); err == nil {
		t.Error("expected error for empty options")
	}
}

func TestPrompter_FloatAndDuration(t *testing.T) {
	p := NewPrompter(strings.NewReader("200\n-33.9\nsoon\n2h\n"), io.Discard)
	v, err := p.Float("lat", -90, 90)
	if err != nil || v != -33.9 {
		t.Errorf("Float() = %v, %v, want -33.9", v, err)
	}
	if d := p.Duration("interval", time.Minute); d != time.Minute {
		t.Errorf("Duration() = %v, want fallback 1m", d)
	}
	if d := p.Duration("interval", time.Minute); d != 2*time.Hour {
		t.Errorf("Duration() = %v, want 2h", d)
	}

	if _, err := p.Float("eof", 0, 1); err == nil {
		t.Error("expected error at end of input")
	}
}
