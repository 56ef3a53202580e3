package loadmgr

import (
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/OpenVZ/vcmmd/pkg/errno"
	"github.com/OpenVZ/vcmmd/pkg/host"
	"github.com/OpenVZ/vcmmd/pkg/policy"
	"github.com/OpenVZ/vcmmd/pkg/stats"
	"github.com/OpenVZ/vcmmd/pkg/ve"
	"github.com/OpenVZ/vcmmd/pkg/veconfig"
)

type mockKnobs struct {
	mu   sync.Mutex
	out  stats.MemStats
	fail bool
}

func (m *mockKnobs) FetchMemStats() (stats.MemStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.out, nil
}
func (m *mockKnobs) FetchIOStats() (stats.IOStats, error) { return stats.IOStats{}, nil }
func (m *mockKnobs) SetMemLow(uint64) error  { return m.err() }
func (m *mockKnobs) SetMemHigh(uint64) error { return m.err() }
func (m *mockKnobs) SetMemMax(uint64) error  { return m.err() }
func (m *mockKnobs) SetSwapMax(uint64) error { return m.err() }
func (m *mockKnobs) Close() error            { return nil }

func (m *mockKnobs) err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errno.New(errno.VEOperationFailed, "mock")
	}
	return nil
}

func newTestManager(t *testing.T, interval time.Duration) *LoadManager {
	t.Helper()
	inv := &host.Inventory{TotalRAM: 10 << 30, VEPool: 8 << 30}
	pol := policy.NewNoOp(interval)
	lm := New(Options{
		Inventory: inv,
		Policy:    pol,
		Log:       logrus.NewEntry(logrus.New()),
	})
	go lm.Run()
	t.Cleanup(func() {
		lm.Shutdown()
		<-lm.Done()
	})
	return lm
}

func TestRegisterActivateDeactivateUnregister(t *testing.T) {
	lm := newTestManager(t, time.Hour)
	cfg := veconfig.Config{Guarantee: 100 << 20, Limit: 500 << 20}

	if err := lm.RegisterVE("ct1", ve.CT, cfg, &mockKnobs{}, false); err != nil {
		t.Fatalf("RegisterVE: %v", err)
	}
	info, ok := lm.GetVE("ct1")
	if !ok || info.Active {
		t.Fatalf("GetVE after register = %+v, %v; want inactive entry", info, ok)
	}

	if err := lm.ActivateVE("ct1"); err != nil {
		t.Fatalf("ActivateVE: %v", err)
	}
	if !lm.IsActive("ct1") {
		t.Error("IsActive = false after ActivateVE")
	}

	if err := lm.DeactivateVE("ct1"); err != nil {
		t.Fatalf("DeactivateVE: %v", err)
	}
	if lm.IsActive("ct1") {
		t.Error("IsActive = true after DeactivateVE")
	}

	if err := lm.UnregisterVE("ct1"); err != nil {
		t.Fatalf("UnregisterVE: %v", err)
	}
	if _, ok := lm.GetVE("ct1"); ok {
		t.Error("GetVE found entry after UnregisterVE")
	}
}

func TestRegisterVE_Errors(t *testing.T) {
	lm := newTestManager(t, time.Hour)
	cfg := veconfig.Config{Guarantee: 100 << 20, Limit: 500 << 20}

	if err := lm.RegisterVE("", ve.CT, cfg, &mockKnobs{}, false); errno.CodeOf(err) != errno.InvalidVEName {
		t.Errorf("empty name: err = %v, want InvalidVEName", err)
	}
	if err := lm.RegisterVE("bad/name", ve.CT, cfg, &mockKnobs{}, false); errno.CodeOf(err) != errno.InvalidVEName {
		t.Errorf("slash name: err = %v, want InvalidVEName", err)
	}
	if err := lm.RegisterVE("ct1", ve.Type(99), cfg, &mockKnobs{}, false); errno.CodeOf(err) != errno.InvalidVEType {
		t.Errorf("bad type: err = %v, want InvalidVEType", err)
	}
	badCfg := veconfig.Config{Guarantee: 500 << 20, Limit: 100 << 20}
	if err := lm.RegisterVE("ct1", ve.CT, badCfg, &mockKnobs{}, false); errno.CodeOf(err) != errno.InvalidVEConfig {
		t.Errorf("guarantee>limit: err = %v, want InvalidVEConfig", err)
	}

	if err := lm.RegisterVE("ct1", ve.CT, cfg, &mockKnobs{}, false); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := lm.RegisterVE("ct1", ve.CT, cfg, &mockKnobs{}, false); errno.CodeOf(err) != errno.VENameAlreadyInUse {
		t.Errorf("duplicate register: err = %v, want VENameAlreadyInUse", err)
	}
}

func TestActivateVE_Errors(t *testing.T) {
	lm := newTestManager(t, time.Hour)
	cfg := veconfig.Config{Guarantee: 0, Limit: 500 << 20}

	if err := lm.ActivateVE("missing"); errno.CodeOf(err) != errno.VENotRegistered {
		t.Errorf("activate missing: err = %v, want VENotRegistered", err)
	}

	if err := lm.RegisterVE("ct1", ve.CT, cfg, &mockKnobs{}, false); err != nil {
		t.Fatalf("RegisterVE: %v", err)
	}
	if err := lm.ActivateVE("ct1"); err != nil {
		t.Fatalf("ActivateVE: %v", err)
	}
	if err := lm.ActivateVE("ct1"); errno.CodeOf(err) != errno.VEAlreadyActive {
		t.Errorf("double activate: err = %v, want VEAlreadyActive", err)
	}
}

func TestDeactivateVE_NotActive(t *testing.T) {
	lm := newTestManager(t, time.Hour)
	cfg := veconfig.Config{Guarantee: 0, Limit: 500 << 20}

	if err := lm.RegisterVE("ct1", ve.CT, cfg, &mockKnobs{}, false); err != nil {
		t.Fatalf("RegisterVE: %v", err)
	}
	if err := lm.DeactivateVE("ct1"); errno.CodeOf(err) != errno.VENotActive {
		t.Errorf("deactivate inactive VE: err = %v, want VENotActive", err)
	}
}

func TestAdmissionControl_NoSpaceUnlessForced(t *testing.T) {
	lm := newTestManager(t, time.Hour)

	big := veconfig.Config{Guarantee: 6 << 30, Limit: 6 << 30}
	if err := lm.RegisterVE("a", ve.CT, big, &mockKnobs{}, false); err != nil {
		t.Fatalf("RegisterVE a: %v", err)
	}

	// pool is 8GiB; a second 6GiB guarantee would exceed it
	if err := lm.RegisterVE("b", ve.CT, big, &mockKnobs{}, false); errno.CodeOf(err) != errno.NoSpace {
		t.Errorf("RegisterVE b (unforced): err = %v, want NoSpace", err)
	}
	if err := lm.RegisterVE("b", ve.CT, big, &mockKnobs{}, true); err != nil {
		t.Errorf("RegisterVE b (forced): err = %v, want nil", err)
	}
}

func TestGetAllRegisteredVEs_PreservesInsertionOrder(t *testing.T) {
	lm := newTestManager(t, time.Hour)
	cfg := veconfig.Config{Guarantee: 0, Limit: 1 << 20}

	names := []string{"c", "a", "b"}
	for _, n := range names {
		if err := lm.RegisterVE(n, ve.CT, cfg, &mockKnobs{}, false); err != nil {
			t.Fatalf("RegisterVE %s: %v", n, err)
		}
	}

	list := lm.GetAllRegisteredVEs()
	if len(list) != len(names) {
		t.Fatalf("GetAllRegisteredVEs() returned %d entries, want %d", len(list), len(names))
	}
	for i, n := range names {
		if list[i].Name != n {
			t.Errorf("entry %d = %s, want %s", i, list[i].Name, n)
		}
	}

	if err := lm.UnregisterVE("a"); err != nil {
		t.Fatalf("UnregisterVE: %v", err)
	}
	list = lm.GetAllRegisteredVEs()
	if len(list) != 2 {
		t.Fatalf("GetAllRegisteredVEs() after unregister returned %d entries, want 2", len(list))
	}
	for _, v := range list {
		if v.Name == "a" {
			t.Error("unregistered VE still listed")
		}
	}
}

func TestConcurrentRegisterAndList(t *testing.T) {
	lm := newTestManager(t, time.Hour)
	cfg := veconfig.Config{Guarantee: 0, Limit: 1 << 20}

	var wg sync.WaitGroup
	const n = 50
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := "ve" + string(rune('A'+i%26)) + string(rune('0'+i/26))
			_ = lm.RegisterVE(name, ve.CT, cfg, &mockKnobs{}, false)
		}()
	}

	// concurrent readers racing with the writers above must never panic
	// or deadlock against the registry's RWMutex.
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				lm.GetAllRegisteredVEs()
			}
		}
	}()

	wg.Wait()
	close(done)
}

func TestRebalance_UnregistersVEOnKnobWriteFailure(t *testing.T) {
	lm := newTestManager(t, 20*time.Millisecond)
	cfg := veconfig.Config{Guarantee: 0, Limit: 1 << 20}
	knobs := &mockKnobs{}

	if err := lm.RegisterVE("ct1", ve.CT, cfg, knobs, false); err != nil {
		t.Fatalf("RegisterVE: %v", err)
	}
	if err := lm.ActivateVE("ct1"); err != nil {
		t.Fatalf("ActivateVE: %v", err)
	}

	knobs.mu.Lock()
	knobs.fail = true
	knobs.mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := lm.GetVE("ct1"); !ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("VE was not unregistered after a knob write failure during rebalance")
}
