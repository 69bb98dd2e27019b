package api

import (
	"testing"
	"time"
)

func TestParseLanguage(t *testing.T) {
	tests := []struct {
		in      string
		want    Language
		wantErr bool
	}{
		{"python", LanguagePython, false},
		{"PY", LanguagePython, false},
		{"javascript", LanguageJavaScript, false},
		{"node", LanguageJavaScript, false},
		{"ruby", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLanguage(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLanguage(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLanguage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSessionWindowOpen(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inactivity := 30 * time.Minute

	tests := []struct {
		name string
		last time.Time
		want bool
	}{
		{"never active", time.Time{}, false},
		{"just active", now.Add(-time.Second), true},
		{"29 minutes ago", now.Add(-29 * time.Minute), true},
		{"exactly 30 minutes ago", now.Add(-30 * time.Minute), false},
		{"31 minutes ago", now.Add(-31 * time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := SessionWindow{LastActivityAt: tt.last}
			if got := w.Open(now, inactivity); got != tt.want {
				t.Errorf("Open() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBillingPeriodOf(t *testing.T) {
	ts := time.Date(2026, 2, 28, 23, 30, 0, 0, time.FixedZone("X", -2*3600))
	if got := BillingPeriodOf(ts); got != "2026-03" {
		t.Errorf("BillingPeriodOf() = %q, want 2026-03", got)
	}
}

func TestHasCapability(t *testing.T) {
	d := &ToolDefinition{Capabilities: []Capability{CapabilityVault}}
	if !d.HasCapability(CapabilityVault) {
		t.Error("expected vault capability")
	}
	if d.HasCapability(CapabilityNetwork) {
		t.Error("unexpected network capability")
	}
}
