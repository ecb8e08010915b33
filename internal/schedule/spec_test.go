package schedule

import (
	"testing"
	"time"
)

func TestParseVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		raw   string
		every time.Duration
		cron  bool
	}{
		{name: "duration", raw: "60s", every: time.Minute},
		{name: "compound duration", raw: "2m30s", every: 150 * time.Second},
		{name: "cron", raw: "*/5 * * * *", cron: true},
		{name: "cron macro", raw: "@hourly", cron: true},
		{name: "cron every", raw: "@every 90s", cron: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if tt.cron {
				if got.cron == nil {
					t.Fatalf("expected cron spec for %q", tt.raw)
				}
				return
			}
			if got.every != tt.every {
				t.Fatalf("every = %v, want %v", got.every, tt.every)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "-5s", "0s"} {
		if _, err := Parse(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestNextInterval(t *testing.T) {
	t.Parallel()
	s := MustParse("45s")
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	if got := s.Next(now); !got.Equal(now.Add(45 * time.Second)) {
		t.Fatalf("Next = %v", got)
	}
}

func TestNextCron(t *testing.T) {
	t.Parallel()
	s := MustParse("0 * * * *")
	now := time.Date(2026, 8, 1, 12, 30, 0, 0, time.UTC)
	want := time.Date(2026, 8, 1, 13, 0, 0, 0, time.UTC)
	if got := s.Next(now); !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}
