package metrics

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures metric const labels.
type Config struct {
	ServiceName string
	Environment string
}

func (c Config) constLabels() prometheus.Labels {
	serviceName := strings.TrimSpace(c.ServiceName)
	if serviceName == "" {
		serviceName = "binaryplan"
	}
	environment := strings.TrimSpace(c.Environment)
	if environment == "" {
		environment = "unknown"
	}
	return prometheus.Labels{"service": serviceName, "env": environment}
}

// Metrics exposes domain-level instruments. A nil *Metrics is a valid no-op.
type Metrics struct {
	placements       prometheus.Counter
	placementDepth   prometheus.Histogram
	placementRetries prometheus.Counter
	pointsCredited   *prometheus.CounterVec
	pointsWithdrawn  prometheus.Counter
	withdrawDenied   prometheus.Counter
	volumeAttributed *prometheus.CounterVec
	binaryPaid       prometheus.Counter
	rankPromotions   *prometheus.CounterVec
	membershipEvents *prometheus.CounterVec
	eventsPublished  *prometheus.CounterVec
	eventsPending    prometheus.Gauge
	eventsParked     *prometheus.CounterVec
}

// New registers the domain instruments on registerer.
func New(cfg Config, registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	labels := cfg.constLabels()

	m := &Metrics{
		placements: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binaryplan_members_placed_total", Help: "Members placed into the binary tree.", ConstLabels: labels,
		}),
		placementDepth: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "binaryplan_placement_walk_depth",
			Help:        "Nodes walked down the preferred leg before an open slot was found.",
			Buckets:     []float64{0, 1, 2, 4, 8, 16, 32, 64, 128, 256, 512},
			ConstLabels: labels,
		}),
		placementRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binaryplan_placement_retries_total", Help: "Placement transactions retried after a slot race.", ConstLabels: labels,
		}),
		pointsCredited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binaryplan_points_credited_total", Help: "Points credited by transaction type.", ConstLabels: labels,
		}, []string{"type"}),
		pointsWithdrawn: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binaryplan_points_withdrawn_total", Help: "Points withdrawn.", ConstLabels: labels,
		}),
		withdrawDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binaryplan_withdrawals_denied_total", Help: "Withdrawals rejected for insufficient balance.", ConstLabels: labels,
		}),
		volumeAttributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binaryplan_volume_attributed_total", Help: "Volume attributed to ancestor legs.", ConstLabels: labels,
		}, []string{"side"}),
		binaryPaid: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "binaryplan_binary_volume_paid_total", Help: "Weak-leg volume consumed by weekly payouts.", ConstLabels: labels,
		}),
		rankPromotions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binaryplan_rank_promotions_total", Help: "Rank promotions by achieved rank.", ConstLabels: labels,
		}, []string{"rank"}),
		membershipEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binaryplan_membership_transitions_total", Help: "Membership lifecycle transitions.", ConstLabels: labels,
		}, []string{"action"}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binaryplan_events_published_total", Help: "Outbox events delivered to sinks.", ConstLabels: labels,
		}, []string{"event_type"}),
		eventsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "binaryplan_events_pending", Help: "Outbox events awaiting delivery at the last relay pass.", ConstLabels: labels,
		}),
		eventsParked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "binaryplan_events_parked_total", Help: "Outbox events given up on after repeated delivery failures.", ConstLabels: labels,
		}, []string{"event_type"}),
	}

	registerer.MustRegister(
		m.placements,
		m.placementDepth,
		m.placementRetries,
		m.pointsCredited,
		m.pointsWithdrawn,
		m.withdrawDenied,
		m.volumeAttributed,
		m.binaryPaid,
		m.rankPromotions,
		m.membershipEvents,
		m.eventsPublished,
		m.eventsPending,
		m.eventsParked,
	)
	return m
}

func (m *Metrics) RecordPlacement(depth int) {
	if m == nil {
		return
	}
	m.placements.Inc()
	m.placementDepth.Observe(float64(depth))
}

func (m *Metrics) IncPlacementRetry() {
	if m == nil {
		return
	}
	m.placementRetries.Inc()
}

func (m *Metrics) RecordCredit(txType string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.pointsCredited.WithLabelValues(txType).Add(float64(amount))
}

func (m *Metrics) RecordWithdrawal(amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.pointsWithdrawn.Add(float64(amount))
}

func (m *Metrics) IncWithdrawalDenied() {
	if m == nil {
		return
	}
	m.withdrawDenied.Inc()
}

func (m *Metrics) RecordAttribution(side string, amount int64) {
	if m == nil || amount <= 0 {
		return
	}
	m.volumeAttributed.WithLabelValues(side).Add(float64(amount))
}

func (m *Metrics) RecordBinaryPaid(volume int64) {
	if m == nil || volume <= 0 {
		return
	}
	m.binaryPaid.Add(float64(volume))
}

func (m *Metrics) IncRankPromotion(rankCode string) {
	if m == nil {
		return
	}
	m.rankPromotions.WithLabelValues(rankCode).Inc()
}

func (m *Metrics) IncMembershipTransition(action string) {
	if m == nil {
		return
	}
	m.membershipEvents.WithLabelValues(action).Inc()
}

func (m *Metrics) IncEventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) IncEventParked(eventType string) {
	if m == nil {
		return
	}
	m.eventsParked.WithLabelValues(eventType).Inc()
}

func (m *Metrics) SetEventsPending(n int) {
	if m == nil {
		return
	}
	m.eventsPending.Set(float64(n))
}
