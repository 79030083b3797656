package server

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	spawns         prometheus.Counter
	spawnFailures  prometheus.Counter
	active         prometheus.Gauge
	exits          *prometheus.CounterVec
	notifyFailures prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		spawns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warmfork_spawns_total",
			Help: "Workers started.",
		}),
		spawnFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warmfork_spawn_failures_total",
			Help: "Spawn calls that could not start a worker.",
		}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "warmfork_workers_active",
			Help: "Workers currently running.",
		}),
		exits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "warmfork_worker_exits_total",
			Help: "Worker exits by status.",
		}, []string{"status"}),
		notifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "warmfork_exit_notify_failures_total",
			Help: "Exit notifications that could not be delivered to the client.",
		}),
	}
	reg.MustRegister(m.spawns, m.spawnFailures, m.active, m.exits, m.notifyFailures)
	return m
}

func (m *metrics) exited(status int) {
	m.active.Dec()
	m.exits.WithLabelValues(strconv.Itoa(status)).Inc()
}
