package timer

import "testing"

func TestDriftDetector_Check(t *testing.T) {
	d := NewDriftDetector(1500)

	tests := []struct {
		name     string
		localMs  int64
		reported int64
		want     int64
	}{
		{"in agreement", 5000, 5000, 0},
		{"within threshold", 5000, 6400, 0},
		{"at threshold boundary", 5000, 6500, 0},
		{"reported ahead", 5000, 7000, 2000},
		{"local ahead", 7000, 3000, -4000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := d.Check(tt.localMs, tt.reported); got != tt.want {
				t.Errorf("Check(%d, %d) = %d, want %d", tt.localMs, tt.reported, got, tt.want)
			}
		})
	}
}

func TestDriftDetector_DisabledByNonPositiveThreshold(t *testing.T) {
	for _, threshold := range []int64{0, -1} {
		d := NewDriftDetector(threshold)
		if got := d.Check(0, 1000000); got != 0 {
			t.Errorf("threshold %d: Check = %d, want 0", threshold, got)
		}
	}
}
