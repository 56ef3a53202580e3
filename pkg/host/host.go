// Package host computes the static memory reservations carved out of
// total RAM before anything is left for VEs, and exposes the resulting
// pool the policy may distribute.
package host

import (
	"fmt"

	cgroup2 "github.com/containerd/cgroups/v3/cgroup2"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// SliceConfig is the (share, min, max) triple used to size one of the
// host/sys/user reservations.
type SliceConfig struct {
	Share float64 // fraction of total RAM
	Min   uint64  // bytes
	Max   uint64  // bytes
}

// Config is the set of reservation inputs read from configuration.
type Config struct {
	Host SliceConfig
	Sys  SliceConfig
	User SliceConfig
}

// DefaultConfig matches §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		Host: SliceConfig{Share: 0.04, Min: 128 << 20, Max: 320 << 20},
		Sys:  SliceConfig{Share: 0.04, Min: 128 << 20, Max: 320 << 20},
		User: SliceConfig{Share: 0.02, Min: 32 << 20, Max: 128 << 20},
	}
}

// Inventory is the immutable, once-computed view of host memory the
// Load Manager consults for admission and balancing.
type Inventory struct {
	TotalRAM    uint64
	HostReserve uint64
	SysReserve  uint64
	UserReserve uint64
	VEPool      uint64
}

func clampReserve(total uint64, s SliceConfig) uint64 {
	v := uint64(float64(total) * s.Share)
	if v < s.Min {
		v = s.Min
	}
	if v > s.Max {
		v = s.Max
	}
	return v
}

// New reads total RAM from the kernel and computes the reservation
// split, writing the sys/user slice's memory.low best-effort. No
// oom-guarantee knob is written.
func New(cfg Config, log *logrus.Entry) (*Inventory, error) {
	total, err := totalRAM()
	if err != nil {
		return nil, fmt.Errorf("read total RAM: %w", err)
	}

	inv := &Inventory{
		TotalRAM:    total,
		HostReserve: clampReserve(total, cfg.Host),
		SysReserve:  clampReserve(total, cfg.Sys),
		UserReserve: clampReserve(total, cfg.User),
	}

	reserved := inv.HostReserve + inv.SysReserve + inv.UserReserve
	if reserved > total {
		log.WithFields(logrus.Fields{
			"total_ram": total,
			"reserved":  reserved,
		}).Error("static reservations exceed total RAM; ve_pool will be zero")
		inv.VEPool = 0
	} else {
		inv.VEPool = total - reserved
	}

	writeSliceReservation(log, "system.slice", inv.SysReserve)
	writeSliceReservation(log, "user.slice", inv.UserReserve)

	return inv, nil
}

// MemAvailable returns the pool the policy may distribute to VEs.
func (inv *Inventory) MemAvailable() uint64 {
	return inv.VEPool
}

func totalRAM() (uint64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, err
	}
	return uint64(si.Totalram) * uint64(si.Unit), nil
}

// writeSliceReservation best-effort writes memory.low on a systemd
// cgroup slice; it writes no oom-guarantee value. Failures are logged, never propagated: the
// reservation arithmetic above already accounted for this memory
// whether or not the kernel accepts the write.
func writeSliceReservation(log *logrus.Entry, slice string, bytes uint64) {
	mgr, err := cgroup2.LoadManager("/sys/fs/cgroup", "/"+slice)
	if err != nil {
		log.WithError(err).WithField("slice", slice).Warn("could not load slice cgroup")
		return
	}
	low := int64(bytes)
	if err := mgr.Update(&cgroup2.Resources{Memory: &cgroup2.Memory{Low: &low}}); err != nil {
		log.WithError(err).WithField("slice", slice).Warn("could not write slice memory.low")
	}
}
