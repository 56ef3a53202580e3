package policy

import (
	"math/big"
	"time"
)

// Static distributes the available pool proportionally between each
// VE's guarantee and limit; it carries no per-VE scratch state.
type Static struct {
	interval time.Duration
}

func NewStatic(interval time.Duration) *Static {
	return &Static{interval: interval}
}

func (p *Static) Name() string { return "static" }

func (p *Static) Timeout() time.Duration { return p.interval }

func (p *Static) VEActivated(s *Snapshot)     {}
func (p *Static) VEDeactivated(s *Snapshot)   {}
func (p *Static) VEConfigUpdated(s *Snapshot) {}

func (p *Static) Balance(snapshots []*Snapshot, memAvailable uint64) map[string]Quota {
	var sumLimit, sumGuarantee uint64
	for _, s := range snapshots {
		sumLimit += s.Config.Limit
		sumGuarantee += s.Config.Guarantee
	}

	out := make(map[string]Quota, len(snapshots))
	fitsWithinPool := sumLimit <= memAvailable

	for _, s := range snapshots {
		var quota uint64
		if fitsWithinPool {
			quota = s.Config.Limit
		} else {
			denom := sumLimit - sumGuarantee + 1
			quota = s.Config.Guarantee +
				mulDiv(memAvailable-sumGuarantee, s.Config.Limit-s.Config.Guarantee, denom)
		}
		out[s.Name] = Quota{
			Low:     quota,
			High:    quota,
			Max:     s.Config.Limit,
			SwapMax: s.Config.Swap,
		}
	}
	return out
}

// mulDiv computes a*b/c without overflowing uint64 when a*b exceeds
// the 64-bit range, matching the original implementation's use of
// arbitrary-precision arithmetic for this proportion.
func mulDiv(a, b, c uint64) uint64 {
	if c == 0 {
		return 0
	}
	x := new(big.Int).SetUint64(a)
	x.Mul(x, new(big.Int).SetUint64(b))
	x.Div(x, new(big.Int).SetUint64(c))
	return x.Uint64()
}
