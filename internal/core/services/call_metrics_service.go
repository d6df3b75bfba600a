package services

import (
	"sync"
	"time"

	"passpot/internal/core/domain"
)

// CallMetricsSnapshot is a point-in-time view of call outcome counters.
type CallMetricsSnapshot struct {
	TotalsByStatus map[domain.CallStatus]int64
	BusyRejects    int64
	Connected      int64
	AvgSetup       time.Duration
	AvgDuration    time.Duration
}

// CallMetricsExporter mirrors call outcome counters into an external
// registry. The Prometheus collector satisfies it.
type CallMetricsExporter interface {
	RecordCallSetup(setup time.Duration)
	RecordCallEnded(status domain.CallStatus, duration time.Duration)
	RecordBusyReject()
}

// CallMetricsService aggregates in-process call counters. It backs
// health/debug surfaces and tests; an optional exporter receives the same
// events for external scraping.
type CallMetricsService struct {
	mu sync.RWMutex

	totalsByStatus map[domain.CallStatus]int64
	busyRejects    int64
	connected      int64

	totalSetup    time.Duration
	totalDuration time.Duration
	completed     int64

	exporter CallMetricsExporter
}

func NewCallMetricsService() *CallMetricsService {
	return &CallMetricsService{
		totalsByStatus: make(map[domain.CallStatus]int64),
	}
}

// SetExporter attaches an external registry. Call before the coordinator
// starts recording.
func (m *CallMetricsService) SetExporter(exporter CallMetricsExporter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exporter = exporter
}

// RecordCallConnected notes a session reaching Active and its setup latency
// (initiation to media flowing).
func (m *CallMetricsService) RecordCallConnected(setup time.Duration) {
	m.mu.Lock()
	m.connected++
	m.totalSetup += setup
	exporter := m.exporter
	m.mu.Unlock()

	if exporter != nil {
		exporter.RecordCallSetup(setup)
	}
}

// RecordCallEnded notes a terminated session and its outcome.
func (m *CallMetricsService) RecordCallEnded(status domain.CallStatus, duration time.Duration) {
	m.mu.Lock()
	m.totalsByStatus[status]++
	if status == domain.CallCompleted {
		m.completed++
		m.totalDuration += duration
	}
	exporter := m.exporter
	m.mu.Unlock()

	if exporter != nil {
		exporter.RecordCallEnded(status, duration)
	}
}

// RecordBusyReject notes an offer auto-rejected because the line was busy.
func (m *CallMetricsService) RecordBusyReject() {
	m.mu.Lock()
	m.busyRejects++
	exporter := m.exporter
	m.mu.Unlock()

	if exporter != nil {
		exporter.RecordBusyReject()
	}
}

func (m *CallMetricsService) Snapshot() CallMetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	totals := make(map[domain.CallStatus]int64, len(m.totalsByStatus))
	for status, count := range m.totalsByStatus {
		totals[status] = count
	}

	snapshot := CallMetricsSnapshot{
		TotalsByStatus: totals,
		BusyRejects:    m.busyRejects,
		Connected:      m.connected,
	}
	if m.connected > 0 {
		snapshot.AvgSetup = m.totalSetup / time.Duration(m.connected)
	}
	if m.completed > 0 {
		snapshot.AvgDuration = m.totalDuration / time.Duration(m.completed)
	}
	return snapshot
}
