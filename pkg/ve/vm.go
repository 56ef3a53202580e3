package ve

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/firecracker-microvm/firecracker-go-sdk"
	"github.com/firecracker-microvm/firecracker-go-sdk/client/models"
	"github.com/mdlayher/vsock"
	"github.com/sirupsen/logrus"

	"github.com/OpenVZ/vcmmd/pkg/stats"
	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

// statsRequest/statsReply are the guest agent's memory-stats protocol:
// a single JSON request/reply pair over the VM's vsock channel, in the
// same lightweight style as the container-agent's exec/lifecycle
// protocol, just narrowed to a read-only stats query.
type statsRequest struct {
	Method string `json:"method"`
}

type statsReply struct {
	MemTotal int64 `json:"mem_total"`
	MemFree  int64 `json:"mem_free"`
	MemAvail int64 `json:"mem_avail"`
	RdReq    int64 `json:"rd_req"`
	WrReq    int64 `json:"wr_req"`
}

// VirtualMachineVE backs a VE with a running Firecracker microVM plus
// its guest agent.
type VirtualMachineVE struct {
	mu sync.Mutex

	name    string
	machine *firecracker.Machine
	log     *logrus.Entry

	vsockPath string
	cid       uint32
	port      uint32

	desiredMemMB int64 // last requested hard limit, in MiB
}

// NewVirtualMachineVE wraps an already-started Firecracker machine.
func NewVirtualMachineVE(name string, machine *firecracker.Machine, vsockPath string, cid, port uint32, log *logrus.Entry) *VirtualMachineVE {
	return &VirtualMachineVE{
		name:      name,
		machine:   machine,
		vsockPath: vsockPath,
		cid:       cid,
		port:      port,
		log:       log.WithField("ve", name),
	}
}

// SetMemLow requests the guest balloon device target the difference so
// that approximately `bytes` remains available to the guest workload.
// Firecracker's balloon only grows/shrinks guest-visible memory; there
// is no separate "low" protection knob, so this and SetMemHigh both
// drive the same balloon target, biased by SetMemHigh's tighter value
// when both are applied in the same cycle.
func (v *VirtualMachineVE) SetMemLow(bytes uint64) error {
	return v.setBalloonTarget(bytes)
}

func (v *VirtualMachineVE) SetMemHigh(bytes uint64) error {
	return v.setBalloonTarget(bytes)
}

func (v *VirtualMachineVE) setBalloonTarget(bytes uint64) error {
	if bytes == veconfig.Unlimited {
		return nil
	}
	targetMB := int64(veconfig.Clamp(bytes) / (1 << 20))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	amount := float64(targetMB)
	return v.machine.UpdateBalloon(ctx, models.Balloon{AmountMib: &amount})
}

// SetMemMax tracks the desired hard limit. Firecracker does not support
// resizing a running guest's total memory; the value is recorded and
// logged rather than applied, matching the best-effort posture this
// core takes toward hypervisor knobs it can only partially honor.
func (v *VirtualMachineVE) SetMemMax(bytes uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if bytes == veconfig.Unlimited {
		v.desiredMemMB = -1
		return nil
	}
	v.desiredMemMB = int64(veconfig.Clamp(bytes) / (1 << 20))
	v.log.WithField("desired_mem_mb", v.desiredMemMB).Debug("hard limit change recorded; not applied to running guest")
	return nil
}

// SetSwapMax is a no-op for VMs in this core: guest swap is managed
// inside the guest OS, not by the host-side knob contract.
func (v *VirtualMachineVE) SetSwapMax(bytes uint64) error {
	return nil
}

// FetchMemStats queries the guest agent over vsock for memtotal/
// memfree/memavail; actual comes from the hypervisor's own balloon
// stats where available. rss is not reported and stays stats.Unknown.
func (v *VirtualMachineVE) FetchMemStats() (stats.MemStats, error) {
	out := stats.MemStats{
		Actual:    stats.Unknown,
		RSS:       stats.Unknown,
		Committed: stats.Unknown,
		WSS:       stats.Unknown,
		SwapIn:    stats.Unknown,
		SwapOut:   stats.Unknown,
		MinFlt:    stats.Unknown,
		MajFlt:    stats.Unknown,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if bs, err := v.machine.GetBalloonStats(ctx); err == nil {
		if bs.ActualMib != nil {
			out.Actual = int64(*bs.ActualMib) << 20
		}
	}

	reply, err := v.queryAgent()
	if err != nil {
		v.log.WithError(err).Warn("guest agent stats query failed")
		return out, nil
	}
	out.MemTotal = reply.MemTotal
	out.MemFree = reply.MemFree
	out.MemAvail = reply.MemAvail
	return out, nil
}

// FetchIOStats queries the same guest agent for cumulative disk
// request counters. Unlike the container case there is no host-visible
// blkio cgroup for a microVM's virtual disk, so this is the only
// source available and, like FetchMemStats, is best-effort: a query
// failure is returned to the caller, which keeps the previous
// snapshot rather than treating it as fatal to the VE.
func (v *VirtualMachineVE) FetchIOStats() (stats.IOStats, error) {
	reply, err := v.queryAgent()
	if err != nil {
		return stats.IOStats{}, fmt.Errorf("query guest agent io stats: %w", err)
	}
	return stats.IOStats{
		RdReq:   reply.RdReq,
		WrReq:   reply.WrReq,
		RdBytes: stats.Unknown,
		WrBytes: stats.Unknown,
	}, nil
}

func (v *VirtualMachineVE) queryAgent() (*statsReply, error) {
	var conn net.Conn
	var err error
	vconn, verr := vsock.Dial(v.cid, v.port, &vsock.Config{})
	if verr != nil {
		conn, err = net.DialTimeout("unix", v.vsockPath, 2*time.Second)
		if err != nil {
			return nil, fmt.Errorf("dial guest agent: %w", err)
		}
	} else {
		conn = vconn
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(2 * time.Second)); err != nil {
		return nil, err
	}
	if err := json.NewEncoder(conn).Encode(statsRequest{Method: "mem_stats"}); err != nil {
		return nil, fmt.Errorf("send stats request: %w", err)
	}
	var reply statsReply
	if err := json.NewDecoder(conn).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decode stats reply: %w", err)
	}
	return &reply, nil
}

func (v *VirtualMachineVE) Close() error {
	return nil
}
