package service

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	registrationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocktree",
		Subsystem: "service",
		Name:      "registrations_total",
		Help:      "Number of registration requests by outcome",
	}, []string{"outcome"})
	votesMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocktree",
		Subsystem: "service",
		Name:      "votes_total",
		Help:      "Number of votes recorded by party",
	}, []string{"party"})
	notificationsMetric = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blocktree",
		Subsystem: "service",
		Name:      "notifications_total",
		Help:      "Number of vote notifications by outcome",
	}, []string{"outcome"})
	notificationsPendingMetric = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blocktree",
		Subsystem: "service",
		Name:      "notifications_pending",
		Help:      "Number of vote notifications waiting for delivery",
	})
)

// MetricsCollector tracks request counts and processing time of the
// registration and voting operations.
type MetricsCollector struct {
	mu           sync.RWMutex
	registration operationStats
	voting       operationStats
}

type operationStats struct {
	start, end time.Time
	count      int
	failed     int
	total      time.Duration
}

func (s *operationStats) record(start time.Time, elapsed time.Duration, err error) {
	if s.count == 0 {
		s.start = start
	}
	s.count++
	if err != nil {
		s.failed++
	}
	s.end = start.Add(elapsed)
	s.total += elapsed
}

func (s *operationStats) snapshot() OperationMetrics {
	return OperationMetrics{
		StartTime:      s.start,
		EndTime:        s.end,
		Count:          s.count,
		Failed:         s.failed,
		ProcessingTime: s.total.Milliseconds(),
	}
}

// OperationMetrics contains timing information for an operation
type OperationMetrics struct {
	StartTime      time.Time `json:"startTime"`
	EndTime        time.Time `json:"endTime"`
	Count          int       `json:"count"`
	Failed         int       `json:"failed"`
	ProcessingTime int64     `json:"processingTimeMs"`
}

// MetricsResponse is served by the metrics endpoint.
type MetricsResponse struct {
	TotalUsers   int              `json:"totalUsers"`
	TotalBlocks  int              `json:"totalBlocks"`
	TotalVotes   int              `json:"totalVotes"`
	Sealing      int64            `json:"sealing"`
	LastBlockID  int              `json:"lastBlockId"`
	LastBlock    string           `json:"lastBlock"`
	Registration OperationMetrics `json:"registration"`
	Voting       OperationMetrics `json:"voting"`
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{}
}

func (mc *MetricsCollector) RecordRegistration(start time.Time, err error) {
	elapsed := time.Since(start)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.registration.record(start, elapsed, err)
}

func (mc *MetricsCollector) RecordVote(start time.Time, err error) {
	elapsed := time.Since(start)
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.voting.record(start, elapsed, err)
}

func (mc *MetricsCollector) Registration() OperationMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.registration.snapshot()
}

func (mc *MetricsCollector) Voting() OperationMetrics {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.voting.snapshot()
}

// Reset clears all metrics
func (mc *MetricsCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.registration = operationStats{}
	mc.voting = operationStats{}
}
