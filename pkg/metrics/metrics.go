// Package metrics collects in-process counters and latency samples for
// the Load Manager's balance cycle.
//
// There is no Prometheus registry here: the daemon has no HTTP surface
// of its own, so a Snapshot is read back directly by the control socket
// (pkg/ctlsock) instead of being scraped.
package metrics

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Collector collects and exposes Load Manager runtime metrics.
type Collector struct {
	mu sync.RWMutex

	// Balance cycle metrics
	cycleLatencies []float64 // recent rebalance() durations, in ms
	totalCycles    int64
	failedCycles   int64

	// Per-VE quota metrics: last low-watermark quota handed out, by name
	quotas map[string]uint64

	// Counters
	vesRegistered   int64
	vesUnregistered int64
	vesEvicted      int64 // unregistered due to a knob-write failure mid-cycle

	// Error counters
	statFetchErrors int64
	knobWriteErrors int64
	persistErrors   int64

	log *logrus.Entry
}

// NewCollector creates a new metrics collector.
func NewCollector(log *logrus.Entry) *Collector {
	return &Collector{
		log:            log.WithField("component", "metrics"),
		cycleLatencies: make([]float64, 0, 100),
		quotas:         make(map[string]uint64),
	}
}

// =============================================================================
// Balance cycle metrics
// =============================================================================

// Timer helps measure the duration of a balance cycle.
type Timer struct {
	start     time.Time
	collector *Collector
}

// StartTimer starts a timer for one rebalance() invocation.
func (c *Collector) StartTimer() *Timer {
	return &Timer{start: time.Now(), collector: c}
}

// Stop stops the timer and records the cycle's latency and outcome.
func (t *Timer) Stop(failed bool) time.Duration {
	d := time.Since(t.start)
	t.collector.recordCycle(d, failed)
	return d
}

func (c *Collector) recordCycle(d time.Duration, failed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cycleLatencies = appendWithLimit(c.cycleLatencies, float64(d.Milliseconds()), 100)
	c.totalCycles++
	if failed {
		c.failedCycles++
	}
}

// =============================================================================
// Per-VE quota metrics
// =============================================================================

// RecordQuota records the most recent low-watermark quota granted to a VE.
func (c *Collector) RecordQuota(name string, low uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotas[name] = low
}

// Quota returns the last recorded quota for name, or (0, false) if none.
func (c *Collector) Quota(name string) (uint64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotas[name]
	return q, ok
}

// ForgetQuota drops a VE's recorded quota, called on unregister.
func (c *Collector) ForgetQuota(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.quotas, name)
}

// =============================================================================
// Counters
// =============================================================================

// RecordRegistered increments the VE registration counter.
func (c *Collector) RecordRegistered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vesRegistered++
}

// RecordUnregistered increments the VE unregistration counter.
func (c *Collector) RecordUnregistered() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vesUnregistered++
}

// RecordEvicted increments the counter for VEs dropped mid-cycle after a
// knob-write failure.
func (c *Collector) RecordEvicted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vesEvicted++
}

// RecordStatFetchError increments the stat-fetch error counter.
func (c *Collector) RecordStatFetchError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statFetchErrors++
}

// RecordKnobWriteError increments the knob-write error counter.
func (c *Collector) RecordKnobWriteError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.knobWriteErrors++
}

// RecordPersistError increments the persistence error counter.
func (c *Collector) RecordPersistError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.persistErrors++
}

// =============================================================================
// Snapshot
// =============================================================================

// Snapshot is a point-in-time copy of the collector's state, safe to
// hand to the control socket without holding the collector's lock.
type Snapshot struct {
	TotalCycles     int64             `json:"total_cycles"`
	FailedCycles    int64             `json:"failed_cycles"`
	CycleLatencyP50 float64           `json:"cycle_latency_p50_ms"`
	CycleLatencyP99 float64           `json:"cycle_latency_p99_ms"`
	VEsRegistered   int64             `json:"ves_registered"`
	VEsUnregistered int64             `json:"ves_unregistered"`
	VEsEvicted      int64             `json:"ves_evicted"`
	StatFetchErrors int64             `json:"stat_fetch_errors"`
	KnobWriteErrors int64             `json:"knob_write_errors"`
	PersistErrors   int64             `json:"persist_errors"`
	Quotas          map[string]uint64 `json:"quotas"`
}

// GetSnapshot returns a consistent copy of the collector's current state.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	quotas := make(map[string]uint64, len(c.quotas))
	for k, v := range c.quotas {
		quotas[k] = v
	}

	return Snapshot{
		TotalCycles:     c.totalCycles,
		FailedCycles:    c.failedCycles,
		CycleLatencyP50: percentile(c.cycleLatencies, 0.50),
		CycleLatencyP99: percentile(c.cycleLatencies, 0.99),
		VEsRegistered:   c.vesRegistered,
		VEsUnregistered: c.vesUnregistered,
		VEsEvicted:      c.vesEvicted,
		StatFetchErrors: c.statFetchErrors,
		KnobWriteErrors: c.knobWriteErrors,
		PersistErrors:   c.persistErrors,
		Quotas:          quotas,
	}
}

// =============================================================================
// Helpers
// =============================================================================

func appendWithLimit(slice []float64, value float64, limit int) []float64 {
	if len(slice) >= limit {
		slice = slice[1:]
	}
	return append(slice, value)
}

func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)

	for i := 1; i < len(sorted); i++ {
		j := i
		for j > 0 && sorted[j-1] > sorted[j] {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
			j--
		}
	}

	index := int(float64(len(sorted)-1) * p)
	return sorted[index]
}

// =============================================================================
// Global collector (convenience)
// =============================================================================

var (
	globalCollector *Collector
	globalOnce      sync.Once
)

// Global returns the global metrics collector, constructing it on first use.
func Global() *Collector {
	globalOnce.Do(func() {
		globalCollector = NewCollector(logrus.NewEntry(logrus.StandardLogger()))
	})
	return globalCollector
}

// SetGlobal replaces the global metrics collector, used by tests.
func SetGlobal(c *Collector) {
	globalCollector = c
}
