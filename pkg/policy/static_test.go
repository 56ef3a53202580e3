package policy

import (
	"testing"
	"time"

	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

func TestStatic_Balance_FitsWithinPool(t *testing.T) {
	p := NewStatic(5 * time.Second)

	snaps := []*Snapshot{
		{Name: "a", Config: veconfig.Config{Guarantee: 100 * mib, Limit: 300 * mib}},
		{Name: "b", Config: veconfig.Config{Guarantee: 100 * mib, Limit: 300 * mib}},
	}

	quotas := p.Balance(snaps, 1000*mib)
	for _, s := range snaps {
		if got := quotas[s.Name].Low; got != s.Config.Limit {
			t.Errorf("VE %s quota = %d, want full limit %d when pool fits", s.Name, got, s.Config.Limit)
		}
	}
}

func TestStatic_Balance_ProportionalWhenOverCommitted(t *testing.T) {
	p := NewStatic(5 * time.Second)

	snaps := []*Snapshot{
		{Name: "a", Config: veconfig.Config{Guarantee: 100 * mib, Limit: 500 * mib}},
		{Name: "b", Config: veconfig.Config{Guarantee: 100 * mib, Limit: 500 * mib}},
	}

	available := uint64(600 * mib)
	quotas := p.Balance(snaps, available)

	var sum uint64
	for _, s := range snaps {
		q := quotas[s.Name].Low
		if q < s.Config.Guarantee {
			t.Errorf("VE %s quota %d below guarantee %d", s.Name, q, s.Config.Guarantee)
		}
		if q > s.Config.Limit {
			t.Errorf("VE %s quota %d above limit %d", s.Name, q, s.Config.Limit)
		}
		sum += q
	}
	if sum > available {
		t.Errorf("sum of quotas %d exceeds available pool %d", sum, available)
	}
}

func TestStatic_NameAndTimeout(t *testing.T) {
	p := NewStatic(3 * time.Second)
	if p.Name() != "static" {
		t.Errorf("Name() = %q, want static", p.Name())
	}
	if p.Timeout() != 3*time.Second {
		t.Errorf("Timeout() = %v, want 3s", p.Timeout())
	}
}
