// Package policy defines the pluggable balancing decision and its
// three implementations: WFB (the reference), Static, and NoOp.
package policy

import (
	"time"

	"github.com/OpenVZ/vcmmd/pkg/stats"
	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

// Snapshot is one VE's view as handed to a policy for one balance
// cycle: its configuration, its latest stats, the per-second rates
// the statistics layer derived from cumulative counters, and the
// policy's own scratch state from the previous cycle.
type Snapshot struct {
	Name           string
	Config         veconfig.Config
	EffectiveLimit uint64
	Stats          stats.MemStats
	IORate         int64
	MajFltRate     int64

	// State is scratch space owned exclusively by the installed
	// policy; set it on VEActivated and read/write it in Balance.
	State interface{}
}

// Quota is the per-VE outcome of a balance cycle.
type Quota struct {
	Low     uint64
	High    uint64
	Max     uint64
	SwapMax uint64
}

// Policy is the balancing decision interface shared by WFB, Static,
// and NoOp.
type Policy interface {
	Name() string

	// Timeout is the interval between rebalance cycles.
	Timeout() time.Duration

	// VEActivated is called once when a VE transitions to active,
	// giving the policy a chance to initialize State.
	VEActivated(s *Snapshot)

	// VEDeactivated is called when a VE stops being active.
	VEDeactivated(s *Snapshot)

	// VEConfigUpdated is called whenever a VE's configuration changes
	// while active.
	VEConfigUpdated(s *Snapshot)

	// Balance computes a target Quota for every snapshot given the
	// memory pool available to distribute.
	Balance(snapshots []*Snapshot, memAvailable uint64) map[string]Quota
}

const mib = 1 << 20
