package stats

import "testing"

func TestEMA(t *testing.T) {
	tests := []struct {
		name     string
		instant  float64
		prev     float64
		window   float64
		want     float64
	}{
		{"window zero collapses to instant", 10, 5, 0, 10},
		{"equal instant and prev is stable", 5, 5, 10, 5},
		{"instant pulls average up", 20, 0, 9, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EMA(tt.instant, tt.prev, tt.window); got != tt.want {
				t.Errorf("EMA(%v,%v,%v) = %v, want %v", tt.instant, tt.prev, tt.window, got, tt.want)
			}
		})
	}
}

func TestRate(t *testing.T) {
	tests := []struct {
		name     string
		current  int64
		previous int64
		dt       float64
		want     int64
	}{
		{"simple increase", 200, 100, 10, 10},
		{"no elapsed time is unknown", 200, 100, 0, Unknown},
		{"negative elapsed time is unknown", 200, 100, -1, Unknown},
		{"current unknown propagates", Unknown, 100, 10, Unknown},
		{"previous unknown propagates", 200, Unknown, 10, Unknown},
		{"counter reset yields zero not negative", 50, 100, 10, 0},
		{"no change", 100, 100, 10, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Rate(tt.current, tt.previous, tt.dt); got != tt.want {
				t.Errorf("Rate(%d,%d,%v) = %d, want %d", tt.current, tt.previous, tt.dt, got, tt.want)
			}
		})
	}
}
