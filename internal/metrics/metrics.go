// Copyright (C) 2024-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package metrics exposes this node's prometheus counters and histograms,
// registered under a single namespace so /metrics (§6) serves one
// coherent family per process.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry is the subset of prometheus.Registerer/Gatherer the node needs:
// a place to register collectors and a place for the HTTP handler to pull
// them from.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// NewRegistry returns a fresh, process-local registry.
func NewRegistry() Registry {
	return prometheus.NewRegistry()
}

// Metrics is the full set of counters and histograms emitted by this
// node's core subsystems.
type Metrics struct {
	VotesSubmitted  prometheus.Counter
	VotesFinalized  prometheus.Counter
	VotesRejected   *prometheus.CounterVec
	ConsensusRounds prometheus.Histogram
	ElectionTerms   prometheus.Counter
	ClockCorrections prometheus.Histogram
	MutexAcquireFailures prometheus.Counter
}

// New creates and registers every collector against registerer. namespace
// prefixes every metric name, e.g. "votecore".
func New(namespace string, registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		VotesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_submitted_total",
			Help:      "Number of votes submitted to this node via submit_vote.",
		}),
		VotesFinalized: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_finalized_total",
			Help:      "Number of votes this node has finalized (leader path) or replicated (follower path).",
		}),
		VotesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "votes_rejected_total",
			Help:      "Number of votes rejected, partitioned by reason.",
		}, []string{"reason"}),
		ConsensusRounds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consensus_round_seconds",
			Help:      "Wall time from proposal broadcast to finalization.",
			Buckets:   prometheus.DefBuckets,
		}),
		ElectionTerms: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "election_term_changes_total",
			Help:      "Number of times this node became leader or stepped down from leader.",
		}),
		ClockCorrections: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "clock_sync_correction_seconds",
			Help:      "Magnitude of applied clock offset corrections.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
		}),
		MutexAcquireFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mutex_acquire_failures_total",
			Help:      "Number of distributed mutex acquire attempts that failed or timed out.",
		}),
	}

	collectors := []prometheus.Collector{
		m.VotesSubmitted,
		m.VotesFinalized,
		m.VotesRejected,
		m.ConsensusRounds,
		m.ElectionTerms,
		m.ClockCorrections,
		m.MutexAcquireFailures,
	}
	for _, c := range collectors {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
