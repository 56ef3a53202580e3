package veconfig

import "testing"

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"guarantee below limit", Config{Guarantee: 10, Limit: 20}, false},
		{"guarantee equals limit", Config{Guarantee: 20, Limit: 20}, false},
		{"guarantee above limit", Config{Guarantee: 30, Limit: 20}, true},
		{"default config", Default, false},
		{"zero both", Config{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEffectiveLimit(t *testing.T) {
	tests := []struct {
		name         string
		cfg          Config
		hostTotalRAM uint64
		want         uint64
	}{
		{"limit below host RAM", Config{Limit: 1 << 30}, 4 << 30, 1 << 30},
		{"limit above host RAM", Config{Limit: 8 << 30}, 4 << 30, 4 << 30},
		{"unlimited clamps to host RAM", Config{Limit: Unlimited}, 4 << 30, 4 << 30},
		{"limit equals host RAM", Config{Limit: 4 << 30}, 4 << 30, 4 << 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.EffectiveLimit(tt.hostTotalRAM); got != tt.want {
				t.Errorf("EffectiveLimit() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClamp(t *testing.T) {
	const maxInt64 = 1<<63 - 1
	tests := []struct {
		name string
		v    uint64
		want uint64
	}{
		{"below max", 100, 100},
		{"exactly max", maxInt64, maxInt64},
		{"above max", maxInt64 + 1, maxInt64},
		{"unlimited sentinel", Unlimited, maxInt64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Clamp(tt.v); got != tt.want {
				t.Errorf("Clamp(%d) = %d, want %d", tt.v, got, tt.want)
			}
		})
	}
}
