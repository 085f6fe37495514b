// Package metrics defines beem's Prometheus collectors and the optional
// status HTTP listener that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics bundles every collector on a private registry, so tests can build
// isolated instances and nothing leaks into the default registry.
type Metrics struct {
	registry *prometheus.Registry

	// QueriesSent counts knowledge-bot queries by bot nick.
	QueriesSent *prometheus.CounterVec
	// QueriesAnswered counts replies routed back to a chat source.
	QueriesAnswered *prometheus.CounterVec
	// QueriesDropped counts replies that could not be routed, by reason.
	QueriesDropped *prometheus.CounterVec

	// ChatMessages counts chat lines by service and direction.
	ChatMessages *prometheus.CounterVec
	// CommandsRun counts executed bot commands by service.
	CommandsRun *prometheus.CounterVec

	// WatchedGames is the number of live WebTiles game sessions.
	WatchedGames prometheus.Gauge
	// TwitchChannels is the number of joined Twitch channels.
	TwitchChannels prometheus.Gauge

	// Reconnects counts connection re-establishments by component.
	Reconnects *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		QueriesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beem_queries_sent_total",
			Help: "Knowledge-bot queries sent, by bot nick.",
		}, []string{"bot"}),
		QueriesAnswered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beem_queries_answered_total",
			Help: "Knowledge-bot replies routed back to a chat source.",
		}, []string{"bot"}),
		QueriesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beem_queries_dropped_total",
			Help: "Knowledge-bot replies dropped before delivery.",
		}, []string{"bot", "reason"}),
		ChatMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beem_chat_messages_total",
			Help: "Chat lines processed, by service and direction.",
		}, []string{"service", "direction"}),
		CommandsRun: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beem_commands_total",
			Help: "Bot commands executed, by service.",
		}, []string{"service"}),
		WatchedGames: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beem_watched_games",
			Help: "Live WebTiles game sessions.",
		}),
		TwitchChannels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beem_twitch_channels",
			Help: "Joined Twitch channels.",
		}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "beem_reconnects_total",
			Help: "Connection re-establishments, by component.",
		}, []string{"component"}),
	}
	reg.MustRegister(
		m.QueriesSent, m.QueriesAnswered, m.QueriesDropped,
		m.ChatMessages, m.CommandsRun,
		m.WatchedGames, m.TwitchChannels,
		m.Reconnects,
	)
	return m
}

// Registry exposes the private registry for the status listener and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
