package plan

import "testing"

func TestLimitMinutes(t *testing.T) {
	tests := []struct {
		name string
		plan Plan
		want int64
	}{
		{"bundle", Plan{Minutes: 500}, 500},
		{"pay as you go", Plan{Minutes: 500, PayAsYouGo: true}, 0},
		{"unlimited", Plan{Minutes: 0}, 0},
		{"unset", Plan{Minutes: -1}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.plan.LimitMinutes(); got != tt.want {
				t.Errorf("LimitMinutes: got %d, want %d", got, tt.want)
			}
		})
	}
}

func TestNormalizeKey(t *testing.T) {
	if got := NormalizeKey("  Starter "); got != "starter" {
		t.Errorf("NormalizeKey: got %q", got)
	}
}
