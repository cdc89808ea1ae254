package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory agent metrics using atomic counters.
type Metrics struct {
	startTime     time.Time
	requests      atomic.Int64
	serverErrors  atomic.Int64
	clientErrors  atomic.Int64
	syncCycles    atomic.Int64
	pushedRecords atomic.Int64
	pulledRecords atomic.Int64
	conflicts     atomic.Int64
}

// MetricsSnapshot is a point-in-time view of agent metrics.
type MetricsSnapshot struct {
	UptimeSeconds float64 `json:"uptime_seconds"`
	Requests      int64   `json:"requests"`
	ServerErrors  int64   `json:"server_errors"`
	ClientErrors  int64   `json:"client_errors"`
	SyncCycles    int64   `json:"sync_cycles"`
	PushedRecords int64   `json:"pushed_records"`
	PulledRecords int64   `json:"pulled_records"`
	Conflicts     int64   `json:"conflicts"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

// RecordCycle increments the completed cycle counter.
func (m *Metrics) RecordCycle() {
	m.syncCycles.Add(1)
}

// RecordPushed adds n to the pushed record counter.
func (m *Metrics) RecordPushed(n int64) {
	m.pushedRecords.Add(n)
}

// RecordPulled adds n to the pulled record counter.
func (m *Metrics) RecordPulled(n int64) {
	m.pulledRecords.Add(n)
}

// RecordConflicts adds n to the conflict counter.
func (m *Metrics) RecordConflicts(n int64) {
	m.conflicts.Add(n)
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Requests:      m.requests.Load(),
		ServerErrors:  m.serverErrors.Load(),
		ClientErrors:  m.clientErrors.Load(),
		SyncCycles:    m.syncCycles.Load(),
		PushedRecords: m.pushedRecords.Load(),
		PulledRecords: m.pulledRecords.Load(),
		Conflicts:     m.conflicts.Load(),
	}
}
