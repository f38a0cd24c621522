package chatsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what the engine did with each input.
type Metrics struct {
	EventsApplied   *prometheus.CounterVec
	EventsDropped   *prometheus.CounterVec
	SendsTotal      *prometheus.CounterVec
	RosterRefetches prometheus.Counter
	Notifications   *prometheus.CounterVec
}

// NewMetrics registers the engine metrics on reg. A nil reg keeps them
// unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		EventsApplied: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_events_applied_total",
				Help: "Push events applied to local state",
			},
			[]string{"event"},
		),
		EventsDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_events_dropped_total",
				Help: "Push events ignored without changing state",
			},
			[]string{"event", "reason"}, // duplicate, stale, invalid
		),
		SendsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_sends_total",
				Help: "Optimistic sends by outcome",
			},
			[]string{"outcome"}, // acked, failed
		),
		RosterRefetches: f.NewCounter(
			prometheus.CounterOpts{
				Name: "chatsync_roster_refetches_total",
				Help: "Full roster refetches",
			},
		),
		Notifications: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "chatsync_notifications_total",
				Help: "Notification side effects by kind",
			},
			[]string{"kind"}, // system, banner, mark_read
		),
	}
}
