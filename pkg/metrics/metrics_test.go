package metrics

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestCollector_Quotas(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := NewCollector(log)

	c.RecordQuota("ct1", 100<<20)
	c.RecordQuota("ct2", 200<<20)
	c.RecordQuota("ct1", 150<<20) // overwrite

	if q, ok := c.Quota("ct1"); !ok || q != 150<<20 {
		t.Errorf("Quota(ct1) = (%d, %v), want (%d, true)", q, ok, 150<<20)
	}
	if q, ok := c.Quota("ct2"); !ok || q != 200<<20 {
		t.Errorf("Quota(ct2) = (%d, %v), want (%d, true)", q, ok, 200<<20)
	}
	if _, ok := c.Quota("missing"); ok {
		t.Error("Quota(missing) = ok, want not found")
	}

	c.ForgetQuota("ct1")
	if _, ok := c.Quota("ct1"); ok {
		t.Error("Quota(ct1) still present after ForgetQuota")
	}

	snap := c.GetSnapshot()
	if len(snap.Quotas) != 1 || snap.Quotas["ct2"] != 200<<20 {
		t.Errorf("GetSnapshot().Quotas = %v, want only ct2=%d", snap.Quotas, 200<<20)
	}
}

func TestCollector_Counters(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := NewCollector(log)

	c.RecordRegistered()
	c.RecordRegistered()
	c.RecordUnregistered()
	c.RecordEvicted()
	c.RecordStatFetchError()
	c.RecordKnobWriteError()
	c.RecordPersistError()

	snap := c.GetSnapshot()
	if snap.VEsRegistered != 2 {
		t.Errorf("VEsRegistered = %d, want 2", snap.VEsRegistered)
	}
	if snap.VEsUnregistered != 1 {
		t.Errorf("VEsUnregistered = %d, want 1", snap.VEsUnregistered)
	}
	if snap.VEsEvicted != 1 {
		t.Errorf("VEsEvicted = %d, want 1", snap.VEsEvicted)
	}
	if snap.StatFetchErrors != 1 {
		t.Errorf("StatFetchErrors = %d, want 1", snap.StatFetchErrors)
	}
	if snap.KnobWriteErrors != 1 {
		t.Errorf("KnobWriteErrors = %d, want 1", snap.KnobWriteErrors)
	}
	if snap.PersistErrors != 1 {
		t.Errorf("PersistErrors = %d, want 1", snap.PersistErrors)
	}
}

func TestCollector_CycleLatency(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := NewCollector(log)

	for i := 0; i < 3; i++ {
		timer := c.StartTimer()
		time.Sleep(time.Millisecond)
		timer.Stop(false)
	}
	timer := c.StartTimer()
	timer.Stop(true)

	snap := c.GetSnapshot()
	if snap.TotalCycles != 4 {
		t.Errorf("TotalCycles = %d, want 4", snap.TotalCycles)
	}
	if snap.FailedCycles != 1 {
		t.Errorf("FailedCycles = %d, want 1", snap.FailedCycles)
	}
	if snap.CycleLatencyP50 < 0 {
		t.Errorf("CycleLatencyP50 = %f, want >= 0", snap.CycleLatencyP50)
	}
}

func TestCollector_CycleLatencyRingBuffer(t *testing.T) {
	log := logrus.NewEntry(logrus.New())
	c := NewCollector(log)

	for i := 0; i < 150; i++ {
		c.recordCycle(time.Duration(i)*time.Millisecond, false)
	}
	if len(c.cycleLatencies) != 100 {
		t.Errorf("len(cycleLatencies) = %d, want 100 (capped)", len(c.cycleLatencies))
	}
	// oldest samples should have been dropped; the first retained sample
	// is from iteration 50 (150 - 100).
	if c.cycleLatencies[0] != 50 {
		t.Errorf("cycleLatencies[0] = %f, want 50", c.cycleLatencies[0])
	}
}

func TestGlobalCollector(t *testing.T) {
	c := Global()
	if c == nil {
		t.Error("Global() returned nil")
	}

	c2 := Global()
	if c != c2 {
		t.Error("Global() returned different instance")
	}

	custom := NewCollector(logrus.NewEntry(logrus.New()))
	SetGlobal(custom)
	if Global() != custom {
		t.Error("SetGlobal failed")
	}
}
