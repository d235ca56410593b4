package authcore

import "sync/atomic"

// MetricID identifies a single engine counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts successful credential verifications.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential verifications.
	MetricLoginFailure
	// MetricRefreshSuccess counts completed rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts refresh attempts with unknown, expired or revoked credentials.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts rotations rejected because the presented credential was already rotated.
	MetricRefreshReuseDetected
	// MetricSessionCreated counts issued refresh credentials.
	MetricSessionCreated
	// MetricSessionInvalidated counts refresh credentials revoked for any reason.
	MetricSessionInvalidated
	// MetricLogout counts single-session logout operations.
	MetricLogout
	// MetricLogoutAll counts logout-all operations.
	MetricLogoutAll
	// MetricPasswordResetRequest counts reset-token issuance requests.
	MetricPasswordResetRequest
	// MetricPasswordResetConfirmSuccess counts completed password resets.
	MetricPasswordResetConfirmSuccess
	// MetricPasswordResetConfirmFailure counts rejected reset confirmations.
	MetricPasswordResetConfirmFailure
	// MetricPasswordResetRateLimited counts reset requests denied by the throttle.
	MetricPasswordResetRateLimited
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds the engine's counters. All methods are safe for
// concurrent use; a nil or disabled Metrics is a no-op.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of every counter.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}
	return s
}
