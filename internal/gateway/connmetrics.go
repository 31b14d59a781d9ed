package gateway

import (
	"sync"
	"time"
)

// Default alert thresholds for connection health. Each alert requires at
// least minAlertSamples completed attempts before it can fire.
const (
	DefaultMinSuccessRate = 0.95
	DefaultMaxAvgConnTime = 3 * time.Second
	DefaultMaxTimeoutRate = 0.05
	minAlertSamples       = 10
)

// Thresholds gate the alerts derived from connection statistics.
type Thresholds struct {
	MinSuccessRate float64
	MaxAvgConnTime time.Duration
	MaxTimeoutRate float64
}

// DefaultThresholds returns the standard alert thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinSuccessRate: DefaultMinSuccessRate,
		MaxAvgConnTime: DefaultMaxAvgConnTime,
		MaxTimeoutRate: DefaultMaxTimeoutRate,
	}
}

// Stats is a point-in-time snapshot of connection outcomes. The rates are
// recomputed from the raw counters on every read, never cached.
type Stats struct {
	TotalAttempts     int64
	Successful        int64
	Failed            int64
	Timeouts          int64
	ActiveConnections int64
	PeakConnections   int64

	// FailuresByReason breaks Failed down by classification code
	// (AUTH_REQUIRED, AUTH_INVALID, AUTH_EXPIRED, SESSION_CREATE_FAILED).
	FailuresByReason map[string]int64

	// SuccessRate is successful / (successful + failed); zero when no
	// attempt has completed.
	SuccessRate float64

	// TimeoutRate is timeouts / total attempts; zero when no attempt was made.
	TimeoutRate float64

	// Handshake timing from attempt to completion, success or failure.
	MinConnTime time.Duration
	MaxConnTime time.Duration
	AvgConnTime time.Duration
}

// ConnMetrics collects connection outcome counters, handshake timing, and
// derived rates. All methods are safe for concurrent use.
type ConnMetrics struct {
	now func() time.Time

	mu         sync.Mutex
	attempts   int64
	successful int64
	failed     int64
	timeouts   int64
	active     int64
	peak       int64
	byReason   map[string]int64

	// pending tracks the attempt start per connection id until the attempt
	// completes with success or failure.
	pending map[string]time.Time

	timingCount int64
	timingSum   time.Duration
	timingMin   time.Duration
	timingMax   time.Duration
}

// NewConnMetrics creates an empty collector.
func NewConnMetrics() *ConnMetrics {
	return &ConnMetrics{
		now:      time.Now,
		byReason: make(map[string]int64),
		pending:  make(map[string]time.Time),
	}
}

// RecordAttempt marks the start of a connection attempt.
func (m *ConnMetrics) RecordAttempt(connID string) {
	m.mu.Lock()
	m.attempts++
	m.pending[connID] = m.now()
	m.mu.Unlock()
}

// RecordSuccess completes an attempt successfully and bumps the live count.
func (m *ConnMetrics) RecordSuccess(connID string) {
	m.mu.Lock()
	m.successful++
	m.active++
	if m.active > m.peak {
		m.peak = m.active
	}
	m.settle(connID)
	m.mu.Unlock()
}

// RecordFailure completes an attempt with the given classification reason.
func (m *ConnMetrics) RecordFailure(connID, reason string) {
	m.mu.Lock()
	m.failed++
	m.byReason[reason]++
	m.settle(connID)
	m.mu.Unlock()
}

// RecordTimeout counts a heartbeat timeout on an established connection.
func (m *ConnMetrics) RecordTimeout(connID string) {
	m.mu.Lock()
	m.timeouts++
	delete(m.pending, connID)
	m.mu.Unlock()
}

// RecordDisconnection marks an established connection as gone.
func (m *ConnMetrics) RecordDisconnection(connID string) {
	m.mu.Lock()
	if m.active > 0 {
		m.active--
	}
	delete(m.pending, connID)
	m.mu.Unlock()
}

// SetActive overrides the live connection count (used on reconciliation).
func (m *ConnMetrics) SetActive(count int64) {
	m.mu.Lock()
	m.active = count
	if m.active > m.peak {
		m.peak = m.active
	}
	m.mu.Unlock()
}

// settle folds the pending attempt timing for connID into the running
// min/max/avg. Caller must hold mu.
func (m *ConnMetrics) settle(connID string) {
	start, ok := m.pending[connID]
	if !ok {
		return
	}
	delete(m.pending, connID)
	d := m.now().Sub(start)
	m.timingCount++
	m.timingSum += d
	if m.timingCount == 1 || d < m.timingMin {
		m.timingMin = d
	}
	if d > m.timingMax {
		m.timingMax = d
	}
}

// Snapshot returns the current statistics with all rates recomputed.
func (m *ConnMetrics) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		TotalAttempts:     m.attempts,
		Successful:        m.successful,
		Failed:            m.failed,
		Timeouts:          m.timeouts,
		ActiveConnections: m.active,
		PeakConnections:   m.peak,
		FailuresByReason:  make(map[string]int64, len(m.byReason)),
		MinConnTime:       m.timingMin,
		MaxConnTime:       m.timingMax,
	}
	for k, v := range m.byReason {
		s.FailuresByReason[k] = v
	}
	if completed := m.successful + m.failed; completed > 0 {
		s.SuccessRate = float64(m.successful) / float64(completed)
	}
	if m.attempts > 0 {
		s.TimeoutRate = float64(m.timeouts) / float64(m.attempts)
	}
	if m.timingCount > 0 {
		s.AvgConnTime = m.timingSum / time.Duration(m.timingCount)
	}
	return s
}

// Alert is a threshold violation derived from a [Stats] snapshot.
type Alert struct {
	Name    string
	Message string
}

// Alerts evaluates the snapshot against the thresholds. An alert fires only
// once at least minAlertSamples attempts have completed, so a cold start
// never alarms.
func (m *ConnMetrics) Alerts(t Thresholds) []Alert {
	s := m.Snapshot()
	if s.Successful+s.Failed < minAlertSamples {
		return nil
	}

	var alerts []Alert
	if t.MinSuccessRate > 0 && s.SuccessRate < t.MinSuccessRate {
		alerts = append(alerts, Alert{
			Name:    "low_success_rate",
			Message: "connection success rate below threshold",
		})
	}
	if t.MaxAvgConnTime > 0 && s.AvgConnTime > t.MaxAvgConnTime {
		alerts = append(alerts, Alert{
			Name:    "slow_connections",
			Message: "average handshake time above threshold",
		})
	}
	if t.MaxTimeoutRate > 0 && s.TimeoutRate > t.MaxTimeoutRate {
		alerts = append(alerts, Alert{
			Name:    "high_timeout_rate",
			Message: "heartbeat timeout rate above threshold",
		})
	}
	return alerts
}
