package loadmgr

import (
	"sync"
	"time"

	"github.com/OpenVZ/vcmmd/pkg/persist"
	"github.com/OpenVZ/vcmmd/pkg/policy"
	"github.com/OpenVZ/vcmmd/pkg/stats"
	"github.com/OpenVZ/vcmmd/pkg/ve"
	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

// entry bundles a VE with the policy snapshot and statistics-layer
// bookkeeping the Load Manager keeps alongside it. Only the worker
// goroutine reads or writes entry.ve and entry.snapshot's contents;
// registry's mutex exists to publish those writes safely to readers
// (list/get), not to arbitrate between writers.
type entry struct {
	ve       *ve.VE
	snapshot *policy.Snapshot

	prevIO     stats.IOStats
	prevMajFlt int64
	prevAt     time.Time
	hasPrev    bool
}

// registry holds the VE set plus insertion order, guarded by an
// RWMutex: the worker goroutine takes the write lock around every
// mutation, RPC-facing reads take the read lock.
type registry struct {
	mu     sync.RWMutex
	byName map[string]*entry
	order  []string
}

func newRegistry() *registry {
	return &registry{byName: make(map[string]*entry)}
}

func (r *registry) exists(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byName[name]
	return ok
}

func (r *registry) lookup(name string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byName[name]
}

func (r *registry) register(v *ve.VE) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byName[v.Name] = &entry{
		ve:       v,
		snapshot: &policy.Snapshot{Name: v.Name, Config: v.Config},
	}
	r.order = append(r.order, v.Name)
}

func (r *registry) unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byName, name)
	for i, n := range r.order {
		if n == name {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry) setActive(name string, active bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[name]; ok {
		e.ve.Active = active
	}
}

func (r *registry) setConfig(name string, cfg veconfig.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.byName[name]; ok {
		e.ve.Config = cfg
		e.snapshot.Config = cfg
	}
}

func (r *registry) list() []VEInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]VEInfo, 0, len(r.order))
	for _, name := range r.order {
		e := r.byName[name]
		if e == nil {
			continue
		}
		out = append(out, VEInfo{
			Name:   e.ve.Name,
			Type:   e.ve.Type,
			Active: e.ve.Active,
			Config: e.ve.Config,
		})
	}
	return out
}

func (r *registry) get(name string) (VEInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byName[name]
	if !ok {
		return VEInfo{}, false
	}
	return VEInfo{
		Name:   e.ve.Name,
		Type:   e.ve.Type,
		Active: e.ve.Active,
		Config: e.ve.Config,
	}, true
}

func (r *registry) records() []persist.VERecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]persist.VERecord, 0, len(r.order))
	for _, name := range r.order {
		e := r.byName[name]
		if e == nil {
			continue
		}
		out = append(out, persist.VERecord{
			Name:   e.ve.Name,
			Type:   int(e.ve.Type),
			Config: e.ve.Config,
		})
	}
	return out
}

// admits checks whether registering `name` with `cfg` keeps the sum of
// guarantees within available; name is assumed not yet present.
func (r *registry) admits(name string, cfg veconfig.Config, available uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := cfg.Guarantee
	for _, e := range r.byName {
		sum += e.ve.Config.Guarantee
	}
	return sum <= available
}

// admitsUpdate checks the same, substituting cfg for name's existing
// guarantee.
func (r *registry) admitsUpdate(name string, cfg veconfig.Config, available uint64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sum := cfg.Guarantee
	for n, e := range r.byName {
		if n == name {
			continue
		}
		sum += e.ve.Config.Guarantee
	}
	return sum <= available
}

// activeEntries returns the live entries for every currently active VE,
// for the worker's exclusive use during stat refresh and balance.
func (r *registry) activeEntries() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*entry, 0, len(r.order))
	for _, name := range r.order {
		e := r.byName[name]
		if e != nil && e.ve.Active {
			out = append(out, e)
		}
	}
	return out
}
