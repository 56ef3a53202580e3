// Package loadmgr implements the Load Manager: the single-writer event
// loop that owns the VE registry, serializes all lifecycle operations
// through a bounded request queue, and drives periodic rebalancing via
// the installed policy.
package loadmgr

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/OpenVZ/vcmmd/pkg/errno"
	"github.com/OpenVZ/vcmmd/pkg/host"
	"github.com/OpenVZ/vcmmd/pkg/metrics"
	"github.com/OpenVZ/vcmmd/pkg/persist"
	"github.com/OpenVZ/vcmmd/pkg/policy"
	"github.com/OpenVZ/vcmmd/pkg/ve"
	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

const requestQueueCapacity = 64

const statFetchConcurrency = 4

// VEInfo is the read-only listing shape returned by get_all_registered_ves.
type VEInfo struct {
	Name   string
	Type   ve.Type
	Active bool
	Config veconfig.Config
}

// LoadManager owns the VE registry and its worker goroutine.
type LoadManager struct {
	log     *logrus.Entry
	inv     *host.Inventory
	pol     policy.Policy
	store   *persist.Store
	metrics *metrics.Collector
	statSem *semaphore.Weighted

	registry *registry

	reqCh chan request
	done  chan struct{}

	nextRebalance time.Time
}

// Options bundles the collaborators a LoadManager needs at construction.
type Options struct {
	Inventory *host.Inventory
	Policy    policy.Policy
	Store     *persist.Store // may be nil to disable persistence
	Metrics   *metrics.Collector
	Log       *logrus.Entry
}

// New constructs a LoadManager. Call Run in its own goroutine to start
// the worker loop.
func New(opts Options) *LoadManager {
	log := opts.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	log = log.WithField("component", "loadmgr")

	return &LoadManager{
		log:           log,
		inv:           opts.Inventory,
		pol:           opts.Policy,
		store:         opts.Store,
		metrics:       opts.Metrics,
		statSem:       semaphore.NewWeighted(statFetchConcurrency),
		registry:      newRegistry(),
		reqCh:         make(chan request, requestQueueCapacity),
		done:          make(chan struct{}),
		nextRebalance: time.Now().Add(opts.Policy.Timeout()),
	}
}

// LoadPersisted reads the persisted (name, type, config) records from
// the persistence store, if one is configured, and returns them. It
// does not add them to the registry: each VE still has to be
// registered via RegisterVE with live knob writers before it can be
// activated. It must be called before Run.
func (lm *LoadManager) LoadPersisted() ([]persist.VERecord, error) {
	if lm.store == nil {
		return nil, nil
	}
	return lm.store.Load()
}

// Run is the single worker goroutine. It must be started exactly once.
func (lm *LoadManager) Run() {
	for {
		timeout := time.Until(lm.nextRebalance)
		if timeout < 0 {
			timeout = 0
		}
		timer := time.NewTimer(timeout)
		select {
		case req, ok := <-lm.reqCh:
			timer.Stop()
			if !ok {
				return
			}
			lm.handle(req)
			if req.kind == reqShutdown {
				close(lm.done)
				return
			}
		case <-timer.C:
			lm.rebalance()
		}
	}
}

// Shutdown enqueues a shutdown request as the last request the worker
// will process; it blocks until the worker drains everything ahead of
// it and exits.
func (lm *LoadManager) Shutdown() {
	reply := make(chan result, 1)
	lm.reqCh <- request{kind: reqShutdown, reply: reply}
	<-reply
	<-lm.done
}

// Done is closed once the worker has fully exited after Shutdown.
func (lm *LoadManager) Done() <-chan struct{} {
	return lm.done
}

func (lm *LoadManager) submit(req request) result {
	reply := make(chan result, 1)
	req.reply = reply
	lm.reqCh <- req
	return <-reply
}

// RegisterVE adds a new VE in the REGISTERED (inactive) state.
func (lm *LoadManager) RegisterVE(name string, t ve.Type, cfg veconfig.Config, knobs ve.Knobs, force bool) error {
	res := lm.submit(request{
		kind:   reqRegister,
		name:   name,
		veType: t,
		config: cfg,
		knobs:  knobs,
		force:  force,
	})
	return res.err
}

// ActivateVE transitions a registered VE to ACTIVE, pushing its
// pending configuration to the knobs.
func (lm *LoadManager) ActivateVE(name string) error {
	res := lm.submit(request{kind: reqActivate, name: name})
	return res.err
}

// UpdateVE applies a new configuration to a VE, admission-checked
// unless force is set.
func (lm *LoadManager) UpdateVE(name string, cfg veconfig.Config, force bool) error {
	res := lm.submit(request{kind: reqUpdate, name: name, config: cfg, force: force})
	return res.err
}

// DeactivateVE transitions an active VE back to REGISTERED.
func (lm *LoadManager) DeactivateVE(name string) error {
	res := lm.submit(request{kind: reqDeactivate, name: name})
	return res.err
}

// UnregisterVE removes a VE entirely, from either lifecycle state.
func (lm *LoadManager) UnregisterVE(name string) error {
	res := lm.submit(request{kind: reqUnregister, name: name})
	return res.err
}

// GetAllRegisteredVEs lists every registered VE in registration order.
// This is a read-side operation: it does not traverse the worker.
func (lm *LoadManager) GetAllRegisteredVEs() []VEInfo {
	return lm.registry.list()
}

// GetVE looks up a single VE's public info.
func (lm *LoadManager) GetVE(name string) (VEInfo, bool) {
	return lm.registry.get(name)
}

// IsActive reports whether name is currently active.
func (lm *LoadManager) IsActive(name string) bool {
	info, ok := lm.registry.get(name)
	return ok && info.Active
}

// Metrics returns the collector configured at construction time, or nil
// if none was given.
func (lm *LoadManager) Metrics() *metrics.Collector {
	return lm.metrics
}

func (lm *LoadManager) handle(req request) {
	switch req.kind {
	case reqRegister:
		req.reply <- result{err: lm.doRegister(req)}
	case reqActivate:
		req.reply <- result{err: lm.doActivate(req)}
	case reqUpdate:
		req.reply <- result{err: lm.doUpdate(req)}
	case reqDeactivate:
		req.reply <- result{err: lm.doDeactivate(req)}
	case reqUnregister:
		req.reply <- result{err: lm.doUnregister(req)}
	case reqShutdown:
		req.reply <- result{}
	default:
		req.reply <- result{err: fmt.Errorf("unknown request kind %d", req.kind)}
	}
	lm.persistSnapshot()
}

func (lm *LoadManager) persistSnapshot() {
	if lm.store == nil {
		return
	}
	records := lm.registry.records()
	if err := lm.store.Save(records); err != nil {
		lm.log.WithError(err).Warn("failed to persist VE registry snapshot")
		if lm.metrics != nil {
			lm.metrics.RecordPersistError()
		}
	}
}

func (lm *LoadManager) doRegister(req request) error {
	if !validVEName(req.name) {
		return errno.New(errno.InvalidVEName, req.name)
	}
	if req.veType < ve.CT || req.veType > ve.VMWindows {
		return errno.New(errno.InvalidVEType, req.name)
	}
	if err := req.config.Validate(); err != nil {
		return errno.New(errno.InvalidVEConfig, req.name)
	}
	if lm.registry.exists(req.name) {
		return errno.New(errno.VENameAlreadyInUse, req.name)
	}

	lm.refreshActiveStats()
	if !req.force && !lm.registry.admits(req.name, req.config, lm.inv.MemAvailable()) {
		return errno.New(errno.NoSpace, req.name)
	}

	entity := ve.New(req.name, req.veType, req.config, req.knobs)
	lm.registry.register(entity)
	if lm.metrics != nil {
		lm.metrics.RecordRegistered()
	}
	return nil
}

func (lm *LoadManager) doActivate(req request) error {
	e := lm.registry.lookup(req.name)
	if e == nil {
		return errno.New(errno.VENotRegistered, req.name)
	}
	if e.ve.Active {
		return errno.New(errno.VEAlreadyActive, req.name)
	}
	if err := e.ve.Apply(ve.Bounds{
		Low:     e.ve.Config.Guarantee,
		High:    e.ve.Config.Limit,
		Max:     e.ve.Config.Limit,
		SwapMax: e.ve.Config.Swap,
	}); err != nil {
		return errno.Wrap(errno.VEOperationFailed, req.name, err)
	}
	lm.registry.setActive(req.name, true)
	lm.pol.VEActivated(e.snapshot)
	return nil
}

func (lm *LoadManager) doUpdate(req request) error {
	e := lm.registry.lookup(req.name)
	if e == nil {
		return errno.New(errno.VENotRegistered, req.name)
	}
	if err := req.config.Validate(); err != nil {
		return errno.New(errno.InvalidVEConfig, req.name)
	}

	lm.refreshActiveStats()
	if !req.force && !lm.registry.admitsUpdate(req.name, req.config, lm.inv.MemAvailable()) {
		return errno.New(errno.NoSpace, req.name)
	}

	lm.registry.setConfig(req.name, req.config)
	if e.ve.Active {
		lm.pol.VEConfigUpdated(e.snapshot)
	}
	return nil
}

func (lm *LoadManager) doDeactivate(req request) error {
	e := lm.registry.lookup(req.name)
	if e == nil {
		return errno.New(errno.VENotRegistered, req.name)
	}
	if !e.ve.Active {
		return errno.New(errno.VENotActive, req.name)
	}
	lm.registry.setActive(req.name, false)
	lm.pol.VEDeactivated(e.snapshot)
	return nil
}

func (lm *LoadManager) doUnregister(req request) error {
	if !lm.registry.exists(req.name) {
		return errno.New(errno.VENotRegistered, req.name)
	}
	lm.registry.unregister(req.name)
	if lm.metrics != nil {
		lm.metrics.RecordUnregistered()
		lm.metrics.ForgetQuota(req.name)
	}
	return nil
}

func validVEName(name string) bool {
	if name == "" {
		return false
	}
	for _, r := range name {
		if r == '/' || r == '\\' {
			return false
		}
	}
	return true
}
