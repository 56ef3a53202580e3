package loadmgr

import (
	"context"
	"sync"
	"time"

	"github.com/OpenVZ/vcmmd/pkg/metrics"
	"github.com/OpenVZ/vcmmd/pkg/policy"
	"github.com/OpenVZ/vcmmd/pkg/stats"
	"github.com/OpenVZ/vcmmd/pkg/ve"
)

// refreshActiveStats fetches fresh MemStats for every active VE,
// bounding concurrent hypervisor/cgroup calls to statFetchConcurrency
// so one slow VM doesn't stall the others. A fetch failure keeps the
// VE's previous snapshot and is logged, per the external-error
// semantics in the statistics layer.
func (lm *LoadManager) refreshActiveStats() []*entry {
	entries := lm.registry.activeEntries()

	var wg sync.WaitGroup
	for _, e := range entries {
		e := e
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx := context.Background()
			if err := lm.statSem.Acquire(ctx, 1); err != nil {
				lm.log.WithError(err).WithField("ve", e.ve.Name).Warn("stat fetch semaphore acquire failed")
				return
			}
			defer lm.statSem.Release(1)

			if err := e.ve.RefreshStats(); err != nil {
				lm.log.WithError(err).WithField("ve", e.ve.Name).Warn("stat fetch failed; keeping previous snapshot")
				if lm.metrics != nil {
					lm.metrics.RecordStatFetchError()
				}
			}
		}()
	}
	wg.Wait()

	now := time.Now()
	for _, e := range entries {
		lm.updateRates(e, now)
	}
	return entries
}

func (lm *LoadManager) updateRates(e *entry, now time.Time) {
	e.snapshot.Stats = e.ve.MemStats
	e.snapshot.Config = e.ve.Config
	e.snapshot.EffectiveLimit = e.ve.EffectiveLimit(lm.inv.TotalRAM)

	current := stats.IOStats{
		RdReq: e.ve.IOStats.RdReq,
		WrReq: e.ve.IOStats.WrReq,
	}

	if !e.hasPrev {
		e.snapshot.IORate = 0
		e.snapshot.MajFltRate = 0
	} else {
		dt := now.Sub(e.prevAt).Seconds()
		rdRate := stats.Rate(current.RdReq, e.prevIO.RdReq, dt)
		wrRate := stats.Rate(current.WrReq, e.prevIO.WrReq, dt)
		if rdRate == stats.Unknown || wrRate == stats.Unknown {
			e.snapshot.IORate = 0
		} else {
			e.snapshot.IORate = rdRate + wrRate
		}
		e.snapshot.MajFltRate = stats.Rate(e.ve.MemStats.MajFlt, e.prevMajFlt, dt)
	}

	e.prevIO = current
	e.prevMajFlt = e.ve.MemStats.MajFlt
	e.prevAt = now
	e.hasPrev = true
}

// rebalance runs one full balance cycle: refresh stats, ask the
// policy, apply the resulting bounds. A knob-write failure for a VE
// unregisters it rather than stalling the cycle for everyone else.
func (lm *LoadManager) rebalance() {
	var timer *metrics.Timer
	if lm.metrics != nil {
		timer = lm.metrics.StartTimer()
	}
	failed := false
	defer func() {
		if timer != nil {
			timer.Stop(failed)
		}
	}()

	entries := lm.refreshActiveStats()

	snapshots := make([]*policy.Snapshot, 0, len(entries))
	byName := make(map[string]*entry, len(entries))
	for _, e := range entries {
		snapshots = append(snapshots, e.snapshot)
		byName[e.ve.Name] = e
	}

	quotas := lm.pol.Balance(snapshots, lm.inv.MemAvailable())

	for name, q := range quotas {
		e, ok := byName[name]
		if !ok {
			continue
		}
		bounds := ve.Bounds{Low: q.Low, High: q.High, Max: q.Max, SwapMax: q.SwapMax}
		if err := e.ve.Apply(bounds); err != nil {
			lm.log.WithError(err).WithField("ve", name).
				Error("knob write failed during balance; unregistering VE")
			lm.registry.unregister(name)
			failed = true
			if lm.metrics != nil {
				lm.metrics.RecordKnobWriteError()
				lm.metrics.RecordEvicted()
				lm.metrics.ForgetQuota(name)
			}
			continue
		}
		if lm.metrics != nil {
			lm.metrics.RecordQuota(name, q.Low)
		}
	}

	lm.nextRebalance = time.Now().Add(lm.pol.Timeout())
	lm.persistSnapshot()
}
