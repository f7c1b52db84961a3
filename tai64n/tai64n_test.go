package tai64n

import (
	"testing"
	"time"
)

// Whitening coarsens stamps to roughly 16ms, so ordering becomes
// visible only across that granularity.
func TestWhitenedOrdering(t *testing.T) {
	base := time.Unix(0, 123456789)
	tests := []struct {
		name      string
		gap       time.Duration
		wantAfter bool
	}{
		{"10ns", 10 * time.Nanosecond, false},
		{"10us", 10 * time.Microsecond, false},
		{"1ms", time.Millisecond, false},
		{"10ms", 10 * time.Millisecond, false},
		{"20ms", 20 * time.Millisecond, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			earlier, later := Stamp(base), Stamp(base.Add(tt.gap))
			if got := later.After(earlier); got != tt.wantAfter {
				t.Errorf("after = %v; want %v", got, tt.wantAfter)
			}
		})
	}
}

func TestTimeRecoversWallClock(t *testing.T) {
	now := time.Unix(1_700_000_000, 500_000_000)
	got := Stamp(now).Time()
	if d := now.Sub(got); d < 0 || d > 17*time.Millisecond {
		t.Fatalf("recovered time off by %v", d)
	}
}
