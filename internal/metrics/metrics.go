// Package metrics exposes Prometheus collectors for the allocator and
// coordination paths: allocation exhaustion, epoch frontier advancement,
// active participant count, and ownership revocations. This is additive
// instrumentation layered on top of callers' explicit error returns, not a
// structured logging subsystem.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// AllocExhausted counts Alloc calls that returned an invalid pointer
	// because the backing shelf (or, for DistHeap, every owned shelf) was
	// full.
	AllocExhausted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nvmm",
		Name:      "alloc_exhausted_total",
		Help:      "Number of Alloc calls that failed due to allocator exhaustion.",
	}, []string{"pool_id"})

	// EpochFrontier reports the current frontier epoch per registered
	// EpochManager instance.
	EpochFrontier = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nvmm",
		Name:      "epoch_frontier",
		Help:      "Current frontier epoch.",
	}, []string{"instance"})

	// EpochActiveParticipants reports the number of participants the
	// monitor considers live.
	EpochActiveParticipants = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nvmm",
		Name:      "epoch_active_participants",
		Help:      "Number of active (live) epoch participants.",
	}, []string{"instance"})

	// OwnershipRevocations counts CheckAndRevokeItem calls that
	// successfully reclaimed a slot from a dead owner.
	OwnershipRevocations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nvmm",
		Name:      "ownership_revocations_total",
		Help:      "Number of ownership slots revoked from a dead owner.",
	}, []string{"pool_id"})
)

func init() {
	prometheus.MustRegister(
		AllocExhausted,
		EpochFrontier,
		EpochActiveParticipants,
		OwnershipRevocations,
	)
}
