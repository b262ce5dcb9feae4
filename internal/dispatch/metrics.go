package dispatch

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the dispatcher's Prometheus collectors.
type Metrics struct {
	Staged         prometheus.Counter
	Delivered      prometheus.Counter
	DeliveryFailed prometheus.Counter
	Deferred       prometheus.Counter
	Dropped        prometheus.Counter
	OpenGroupSent  prometheus.Counter
	Lanes          prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Staged: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_staged_total",
			Help: "Messages staged for a device.",
		}),
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_delivered_total",
			Help: "Messages delivered and acknowledged.",
		}),
		DeliveryFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_delivery_failed_total",
			Help: "Delivery attempts that failed and left the message staged.",
		}),
		Deferred: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_deferred_total",
			Help: "Drains deferred because the device had no session.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_dropped_total",
			Help: "Session control messages dropped at the dispatcher.",
		}),
		OpenGroupSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_open_group_sent_total",
			Help: "Messages posted to open group servers.",
		}),
		Lanes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatch_lanes",
			Help: "Per-device lanes created in this process.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Staged, m.Delivered, m.DeliveryFailed,
			m.Deferred, m.Dropped, m.OpenGroupSent,
			m.Lanes,
		)
	}
	return m
}
