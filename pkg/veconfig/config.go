// Package veconfig holds the VE resource configuration value object.
package veconfig

import "github.com/OpenVZ/vcmmd/pkg/errno"

// Unlimited is the sentinel denoting "no limit" for any byte-valued field.
const Unlimited uint64 = 1<<64 - 1

// Config is a VE's (guarantee, limit, swap) triple, all in bytes.
type Config struct {
	Guarantee uint64
	Limit     uint64
	Swap      uint64
}

// Default is the zero-guarantee, unlimited configuration. Nothing assigns
// it implicitly: a VE always takes the configuration passed to
// register_ve.
var Default = Config{Guarantee: 0, Limit: Unlimited, Swap: Unlimited}

// Validate checks only the guarantee <= limit invariant. Values are
// stored as given; nothing clamps them to [0, INT64_MAX] at ingest. The
// clamp is applied when bounds are written to the knobs (see Clamp and
// pkg/ve).
func (c Config) Validate() error {
	if c.Guarantee > c.Limit {
		return errno.New(errno.InvalidVEConfig, "")
	}
	return nil
}

// EffectiveLimit is min(limit, hostTotalRAM).
func (c Config) EffectiveLimit(hostTotalRAM uint64) uint64 {
	if c.Limit > hostTotalRAM {
		return hostTotalRAM
	}
	return c.Limit
}

// Clamp bounds v to [0, maxInt64], translating nothing else; callers map
// the Unlimited sentinel to a kernel-specific "unlimited" representation
// themselves (see pkg/ve).
func Clamp(v uint64) uint64 {
	const maxInt64 = 1<<63 - 1
	if v > maxInt64 {
		return maxInt64
	}
	return v
}
