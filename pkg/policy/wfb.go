package policy

import (
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenVZ/vcmmd/pkg/stats"
)

// Weighted Feedback-Based policy constants, authoritative values.
const (
	wfbMinWeight  = 1.0
	wfbMaxWeight  = 20.0
	wfbBaseWeight = 10.0

	wfbQuotaInc = 0.10

	wfbMemLowFraction = 0.10
	wfbMemLowMin      = 192 * mib
	wfbMemLowMax      = 768 * mib

	wfbIOThresh    = 20
	wfbPgfltThresh = 20

	wfbIOReward     = 4.0
	wfbPgfltReward  = 8.0
	wfbUnusedFine   = 8.0
	wfbAvgWindow    = 10.0
	wfbResidual     = 16 * mib
	wfbMaxSettleIts = 64
)

// wfbState is the per-VE scratch state WFB keeps in Snapshot.State.
type wfbState struct {
	quota    float64
	weight   float64
	ioEMA    float64
	pgfltEMA float64
}

// WFB is the reference balancing policy: it tracks each VE's working
// set via a weighted feedback loop and settles quotas against the
// available pool using forward/inverse weight proportional
// redistribution.
type WFB struct {
	interval time.Duration
	log      *logrus.Entry
}

// NewWFB constructs a WFB policy with the given rebalance interval.
func NewWFB(interval time.Duration, log *logrus.Entry) *WFB {
	return &WFB{interval: interval, log: log.WithField("policy", "wfb")}
}

func (p *WFB) Name() string { return "wfb" }

func (p *WFB) Timeout() time.Duration { return p.interval }

func (p *WFB) VEActivated(s *Snapshot) {
	s.State = &wfbState{
		quota:  float64(s.Config.Guarantee),
		weight: wfbBaseWeight,
	}
}

func (p *WFB) VEDeactivated(s *Snapshot) {
	s.State = nil
}

func (p *WFB) VEConfigUpdated(s *Snapshot) {
	st, ok := s.State.(*wfbState)
	if !ok || st == nil {
		p.VEActivated(s)
		return
	}
	// a raised guarantee or shrunk limit must still bound the carried-over quota
	if st.quota < float64(s.Config.Guarantee) {
		st.quota = float64(s.Config.Guarantee)
	}
	if st.quota > float64(s.EffectiveLimit) {
		st.quota = float64(s.EffectiveLimit)
	}
}

func memLow(effectiveLimit uint64) float64 {
	v := float64(effectiveLimit) * wfbMemLowFraction
	if v < wfbMemLowMin {
		v = wfbMemLowMin
	}
	if v > wfbMemLowMax {
		v = wfbMemLowMax
	}
	return v
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func clampF(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// updateOne runs the per-VE step of the WFB feedback loop, mutating
// st in place: its quota (possibly thrash-adjusted), weight and EMAs.
func updateOne(s *Snapshot, st *wfbState) {
	guarantee := float64(s.Config.Guarantee)
	effectiveLimit := float64(s.EffectiveLimit)

	var unused float64
	if s.Stats.MemFree != stats.Unknown {
		unused = clampF(float64(s.Stats.MemFree), 0, st.quota)
	} else {
		unused = clampF(st.quota-float64(s.Stats.RSS), 0, st.quota)
	}

	io := float64(s.IORate)
	st.ioEMA = stats.EMA(io, st.ioEMA, wfbAvgWindow)

	pgflt := float64(s.MajFltRate)
	st.pgfltEMA = stats.EMA(pgflt, st.pgfltEMA, wfbAvgWindow)

	if s.Stats.Actual != stats.Unknown && float64(s.Stats.Actual) > st.quota {
		st.quota = float64(s.Stats.Actual)
	}

	low := memLow(s.EffectiveLimit)
	if unused <= low && (io > wfbIOThresh || pgflt > wfbPgfltThresh) {
		st.quota += math.Round(effectiveLimit * wfbQuotaInc)
	}

	st.quota = clampF(st.quota, guarantee, effectiveLimit)

	st.weight = wfbBaseWeight -
		wfbUnusedFine*unused/(st.quota+1) +
		wfbIOReward*boolToFloat(io > wfbIOThresh) +
		wfbIOReward/2*boolToFloat(st.ioEMA > wfbIOThresh) +
		wfbPgfltReward*boolToFloat(pgflt > wfbPgfltThresh) +
		wfbPgfltReward/2*boolToFloat(st.pgfltEMA > wfbPgfltThresh)
	st.weight = clampF(st.weight, wfbMinWeight, wfbMaxWeight)
}

func forwardWeight(s *Snapshot, st *wfbState) float64 {
	if st.quota >= float64(s.EffectiveLimit) {
		return 0
	}
	return st.weight / (st.quota + 1)
}

func inverseWeight(s *Snapshot, st *wfbState) float64 {
	if st.quota <= float64(s.Config.Guarantee) {
		return 0
	}
	return st.quota / st.weight
}

func (p *WFB) Balance(snapshots []*Snapshot, memAvailable uint64) map[string]Quota {
	states := make([]*wfbState, len(snapshots))
	for i, s := range snapshots {
		st, ok := s.State.(*wfbState)
		if !ok || st == nil {
			p.VEActivated(s)
			st = s.State.(*wfbState)
		}
		updateOne(s, st)
		states[i] = st
	}

	a := float64(memAvailable)
	sum := func() float64 {
		total := 0.0
		for _, st := range states {
			total += st.quota
		}
		return total
	}

	s := sum()
	if s < a {
		p.grant(snapshots, states, a-s)
	} else if s > a {
		p.subtract(snapshots, states, s-a)
	}

	// final safety net: proportional scaling if settlement didn't converge
	if final := sum(); final > a && final > 0 {
		p.log.WithFields(logrus.Fields{"sum": final, "available": a}).
			Warn("WFB settlement did not converge; scaling quotas proportionally")
		scale := a / final
		for _, st := range states {
			st.quota *= scale
		}
	}

	out := make(map[string]Quota, len(snapshots))
	for i, sn := range snapshots {
		q := uint64(states[i].quota)
		out[sn.Name] = Quota{
			Low:     q,
			High:    q,
			Max:     sn.Config.Limit,
			SwapMax: sn.Config.Swap,
		}
	}
	return out
}

func (p *WFB) grant(snapshots []*Snapshot, states []*wfbState, excess float64) {
	for it := 0; it < wfbMaxSettleIts && excess > wfbResidual; it++ {
		totalWeight := 0.0
		for i, sn := range snapshots {
			totalWeight += forwardWeight(sn, states[i])
		}
		if totalWeight <= 0 {
			return
		}
		remaining := 0.0
		for i, sn := range snapshots {
			fw := forwardWeight(sn, states[i])
			if fw <= 0 {
				continue
			}
			delta := excess * fw / totalWeight
			room := float64(sn.EffectiveLimit) - states[i].quota
			if delta > room {
				remaining += delta - room
				delta = room
			}
			states[i].quota += delta
		}
		excess = remaining
	}
}

func (p *WFB) subtract(snapshots []*Snapshot, states []*wfbState, deficit float64) {
	for it := 0; it < wfbMaxSettleIts && deficit > wfbResidual; it++ {
		totalWeight := 0.0
		for i, sn := range snapshots {
			totalWeight += inverseWeight(sn, states[i])
		}
		if totalWeight <= 0 {
			return
		}
		remaining := 0.0
		for i, sn := range snapshots {
			iw := inverseWeight(sn, states[i])
			if iw <= 0 {
				continue
			}
			delta := deficit * iw / totalWeight
			room := states[i].quota - float64(sn.Config.Guarantee)
			if delta > room {
				remaining += delta - room
				delta = room
			}
			states[i].quota -= delta
		}
		deficit = remaining
	}
}
