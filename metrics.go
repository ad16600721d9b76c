package memvault

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    putCounter      prometheus.Counter
//	    searchHistogram prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordPut(duration time.Duration, deduplicated bool, err error) {
//	    p.putCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordPut is called after each put. deduplicated is set when the put
	// returned an existing frame.
	RecordPut(duration time.Duration, deduplicated bool, err error)

	// RecordDelete is called after each delete.
	RecordDelete(duration time.Duration, err error)

	// RecordSearch is called after each search, image search included.
	// hits is the number of hits on the returned page.
	RecordSearch(hits int, duration time.Duration, err error)

	// RecordAsk is called after each ask.
	RecordAsk(duration time.Duration, err error)

	// RecordCommit is called after each commit, checkpoint or not.
	RecordCommit(duration time.Duration, err error)

	// RecordCheckpoint is called after each explicit checkpoint.
	RecordCheckpoint(duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPut(time.Duration, bool, error)   {}
func (NoopMetricsCollector) RecordDelete(time.Duration, error)      {}
func (NoopMetricsCollector) RecordSearch(int, time.Duration, error) {}
func (NoopMetricsCollector) RecordAsk(time.Duration, error)         {}
func (NoopMetricsCollector) RecordCommit(time.Duration, error)      {}
func (NoopMetricsCollector) RecordCheckpoint(time.Duration, error)  {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	PutCount         atomic.Int64
	PutErrors        atomic.Int64
	PutDeduplicated  atomic.Int64
	PutTotalNanos    atomic.Int64
	DeleteCount      atomic.Int64
	DeleteErrors     atomic.Int64
	SearchCount      atomic.Int64
	SearchErrors     atomic.Int64
	SearchHits       atomic.Int64
	SearchTotalNanos atomic.Int64
	AskCount         atomic.Int64
	AskErrors        atomic.Int64
	CommitCount      atomic.Int64
	CommitErrors     atomic.Int64
	CheckpointCount  atomic.Int64
	CheckpointErrors atomic.Int64
}

// RecordPut implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPut(duration time.Duration, deduplicated bool, err error) {
	b.PutCount.Add(1)
	b.PutTotalNanos.Add(duration.Nanoseconds())
	if deduplicated {
		b.PutDeduplicated.Add(1)
	}
	if err != nil {
		b.PutErrors.Add(1)
	}
}

// RecordDelete implements MetricsCollector.
func (b *BasicMetricsCollector) RecordDelete(duration time.Duration, err error) {
	b.DeleteCount.Add(1)
	if err != nil {
		b.DeleteErrors.Add(1)
	}
}

// RecordSearch implements MetricsCollector.
func (b *BasicMetricsCollector) RecordSearch(hits int, duration time.Duration, err error) {
	b.SearchCount.Add(1)
	b.SearchHits.Add(int64(hits))
	b.SearchTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.SearchErrors.Add(1)
	}
}

// RecordAsk implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAsk(duration time.Duration, err error) {
	b.AskCount.Add(1)
	if err != nil {
		b.AskErrors.Add(1)
	}
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(duration time.Duration, err error) {
	b.CommitCount.Add(1)
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordCheckpoint implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCheckpoint(duration time.Duration, err error) {
	b.CheckpointCount.Add(1)
	if err != nil {
		b.CheckpointErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutCount:         b.PutCount.Load(),
		PutErrors:        b.PutErrors.Load(),
		PutDeduplicated:  b.PutDeduplicated.Load(),
		PutAvgNanos:      avg(b.PutTotalNanos.Load(), b.PutCount.Load()),
		DeleteCount:      b.DeleteCount.Load(),
		DeleteErrors:     b.DeleteErrors.Load(),
		SearchCount:      b.SearchCount.Load(),
		SearchErrors:     b.SearchErrors.Load(),
		SearchHits:       b.SearchHits.Load(),
		SearchAvgNanos:   avg(b.SearchTotalNanos.Load(), b.SearchCount.Load()),
		AskCount:         b.AskCount.Load(),
		AskErrors:        b.AskErrors.Load(),
		CommitCount:      b.CommitCount.Load(),
		CommitErrors:     b.CommitErrors.Load(),
		CheckpointCount:  b.CheckpointCount.Load(),
		CheckpointErrors: b.CheckpointErrors.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutCount         int64
	PutErrors        int64
	PutDeduplicated  int64
	PutAvgNanos      int64
	DeleteCount      int64
	DeleteErrors     int64
	SearchCount      int64
	SearchErrors     int64
	SearchHits       int64
	SearchAvgNanos   int64
	AskCount         int64
	AskErrors        int64
	CommitCount      int64
	CommitErrors     int64
	CheckpointCount  int64
	CheckpointErrors int64
}
