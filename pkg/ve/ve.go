// Package ve defines the Virtualization Entity abstraction: the
// polymorphic entity the Load Manager balances memory across, closed
// over the {Container, VirtualMachine} variant set.
package ve

import (
	"github.com/sirupsen/logrus"

	"github.com/OpenVZ/vcmmd/pkg/stats"
	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

// Type tags the kind of VE. The core only ever branches on CT vs VM;
// the Linux/Windows VM subtags exist purely so an implementation's
// policy can differentiate if it wants to.
type Type int

const (
	CT Type = iota
	VM
	VMLinux
	VMWindows
)

func (t Type) String() string {
	switch t {
	case CT:
		return "CT"
	case VM:
		return "VM"
	case VMLinux:
		return "VM_LINUX"
	case VMWindows:
		return "VM_WINDOWS"
	default:
		return "UNKNOWN"
	}
}

// Knobs is the behavioral contract every VE variant must satisfy: four
// memory-bound writers, two stats readers (memory and I/O) and Close. Implementations own
// whatever I/O (cgroup files, hypervisor calls, guest-agent RPCs) is
// needed to realize them.
type Knobs interface {
	// FetchMemStats reads current usage. Fields the backing knob can't
	// report are set to stats.Unknown.
	FetchMemStats() (stats.MemStats, error)

	// FetchIOStats reads cumulative I/O request/byte counters. A knob
	// that cannot report I/O (e.g. a VM with no guest-reported disk
	// counters) may return an error; the caller keeps the previous
	// snapshot in that case.
	FetchIOStats() (stats.IOStats, error)

	// SetMemLow sets the best-effort protection floor.
	SetMemLow(bytes uint64) error

	// SetMemHigh sets the throttle level.
	SetMemHigh(bytes uint64) error

	// SetMemMax sets the hard limit. Implementations must honor the
	// mem/swap ceiling ordering constraint documented on VE.Apply.
	SetMemMax(bytes uint64) error

	// SetSwapMax sets the hard swap limit.
	SetSwapMax(bytes uint64) error

	// Close releases any held resources (connections, file handles).
	Close() error
}

// Bounds is the result of one balance cycle for one VE, ready to apply
// via Knobs.
type Bounds struct {
	Low     uint64
	High    uint64
	Max     uint64
	SwapMax uint64
}

// VE is one managed entity. The Load Manager's worker goroutine is the
// only mutator; registry-level read snapshots copy out of a VE rather
// than holding a reference across a lock boundary, so VE itself carries
// no internal synchronization.
type VE struct {
	Name   string
	Type   Type
	Config veconfig.Config
	Active bool

	MemStats stats.MemStats
	IOStats  stats.IOStats

	// PolicyState is scratch space owned exclusively by the installed
	// policy; the Load Manager never inspects or mutates it.
	PolicyState interface{}

	Knobs Knobs

	// lastAppliedMax and haveAppliedMax track the mem ceiling this VE
	// was last actually given, so Apply can tell whether the new bound
	// raises or lowers it. Config.Limit is the *target* configuration,
	// not the currently-applied value, and the two diverge exactly when
	// update_ve changes the limit — the case the ordering exists for.
	lastAppliedMax uint64
	haveAppliedMax bool
}

// New constructs an inactive VE with the given configuration, bound to
// the given knob writer.
func New(name string, t Type, cfg veconfig.Config, knobs Knobs) *VE {
	return &VE{
		Name:   name,
		Type:   t,
		Config: cfg,
		Knobs:  knobs,
	}
}

// EffectiveLimit is min(Config.Limit, hostTotalRAM).
func (v *VE) EffectiveLimit(hostTotalRAM uint64) uint64 {
	return v.Config.EffectiveLimit(hostTotalRAM)
}

// RefreshStats fetches and stores the latest MemStats, falling back to
// the previous snapshot on error per the §7 external-error semantics
// (the caller decides whether that failure is tolerable or fatal to the
// VE's registration).
func (v *VE) RefreshStats() error {
	s, err := v.Knobs.FetchMemStats()
	if err != nil {
		return err
	}
	v.MemStats = s

	if io, ioErr := v.Knobs.FetchIOStats(); ioErr == nil {
		v.IOStats = io
	}
	return nil
}

// Apply writes the given bounds to the VE's knobs, respecting the
// mem/swap combined-ceiling ordering: raising mem+swap together raises
// the combined ceiling before the mem ceiling; lowering does the
// reverse. The ordering is expressed purely by the order in which
// SetMemMax/SetSwapMax are called here; how each knob realizes the swap
// limit is up to the implementation. When lowering, a rejected swap
// write after the mem ceiling was lowered is logged and does not fail
// the Apply.
//
// The raise/lower direction is determined against the mem ceiling this
// VE was last actually given (lastAppliedMax), not against Config.Limit
// — the configured target can lag or lead what's currently applied by
// exactly one update_ve call, and it's the real transition that must
// never momentarily violate the combined ceiling.
func (v *VE) Apply(b Bounds) error {
	if err := v.Knobs.SetMemLow(translate(b.Low)); err != nil {
		return err
	}
	if err := v.Knobs.SetMemHigh(translate(b.High)); err != nil {
		return err
	}

	raising := !v.haveAppliedMax || b.Max >= v.lastAppliedMax
	if raising {
		if err := v.Knobs.SetSwapMax(translate(b.SwapMax)); err != nil {
			return err
		}
		if err := v.Knobs.SetMemMax(translate(b.Max)); err != nil {
			return err
		}
	} else {
		if err := v.Knobs.SetMemMax(translate(b.Max)); err != nil {
			return err
		}
		if err := v.Knobs.SetSwapMax(translate(b.SwapMax)); err != nil {
			logrus.WithError(err).WithField("ve", v.Name).
				Warn("swap ceiling write rejected after lowering mem ceiling")
		}
	}

	v.lastAppliedMax = b.Max
	v.haveAppliedMax = true
	return nil
}

// translate clamps to INT64_MAX and maps the veconfig.Unlimited
// sentinel straight through; knob implementations recognize
// veconfig.Unlimited and translate it to their own "unlimited" value.
func translate(bytes uint64) uint64 {
	if bytes == veconfig.Unlimited {
		return veconfig.Unlimited
	}
	return veconfig.Clamp(bytes)
}
