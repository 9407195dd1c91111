package relay

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics lives on a per-server registry so parallel test servers never
// collide on the global one.
type metrics struct {
	registry      *prometheus.Registry
	connections   prometheus.Gauge
	registrations *prometheus.CounterVec
	forwarded     *prometheus.CounterVec
	errors        *prometheus.CounterVec
	polls         *prometheus.CounterVec
	sweeps        *prometheus.CounterVec
}

func newMetrics(s *Server) *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "deskrelay",
			Name:      "sockets_open",
			Help:      "Accepted websockets that are still open.",
		}),
		registrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskrelay",
			Name:      "registrations_total",
			Help:      "Workstation registrations by outcome.",
		}, []string{"outcome"}),
		forwarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskrelay",
			Name:      "frames_forwarded_total",
			Help:      "Frames routed between workstations and clients.",
		}, []string{"direction"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskrelay",
			Name:      "errors_total",
			Help:      "Error replies by wire code.",
		}, []string{"code"}),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskrelay",
			Name:      "poll_requests_total",
			Help:      "Polling REST requests by endpoint.",
		}, []string{"endpoint"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "deskrelay",
			Name:      "janitor_evictions_total",
			Help:      "Entities expired by the janitor.",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections, m.registrations, m.forwarded, m.errors, m.polls, m.sweeps,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "deskrelay",
			Name:      "workstations_online",
			Help:      "Registered workstations with a live socket.",
		}, func() float64 {
			_, online := s.workstations.Counts()
			return float64(online)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "deskrelay",
			Name:      "workstations_registered",
			Help:      "Registered workstations, online or not.",
		}, func() float64 {
			total, _ := s.workstations.Counts()
			return float64(total)
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "deskrelay",
			Name:      "socket_clients",
			Help:      "Bound socket clients.",
		}, func() float64 { return float64(s.sockets.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "deskrelay",
			Name:      "polling_clients",
			Help:      "Tracked polling clients.",
		}, func() float64 { return float64(s.polling.Len()) }),
	)
	return m
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
