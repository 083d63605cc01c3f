package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "meshcore_gateway"

// Metrics holds the gateway collectors on a private registry. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	packets        *prometheus.CounterVec
	decrypted      prometheus.Counter
	malformed      prometheus.Counter
	messages       *prometheus.CounterVec
	suppressed     *prometheus.CounterVec
	pendingKeys    prometheus.Gauge
	channelKeys    *prometheus.GaugeVec
	reconnects     prometheus.Counter
	connected      prometheus.Gauge
	radioCommands  *prometheus.CounterVec
	handlerPanics  prometheus.Counter
	archiveFlushes prometheus.Counter
	wsClients      prometheus.Gauge
}

// New creates and registers every collector.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_decoded_total",
			Help:      "Raw packets decoded, by payload type.",
		}, []string{"payload_type"}),
		decrypted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_decrypted_total",
			Help:      "Group text packets decrypted with a registered channel key.",
		}),
		malformed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "packets_malformed_total",
			Help:      "Raw packets that could not be decoded.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_emitted_total",
			Help:      "Messages emitted, by source event.",
		}, []string{"source"}),
		suppressed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_suppressed_total",
			Help:      "Duplicate messages suppressed, by dedup strategy.",
		}, []string{"reason"}),
		pendingKeys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_keys_pending",
			Help:      "Channels still waiting for a device-sourced key.",
		}),
		channelKeys: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "channel_keys",
			Help:      "Registered channel keys after the last discovery pass, by origin.",
		}, []string{"origin"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radio_reconnects_total",
			Help:      "Reconnect attempts after a lost radio connection.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "radio_connected",
			Help:      "1 while the radio connection is up.",
		}),
		radioCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "radio_commands_total",
			Help:      "Radio commands issued, by command and result.",
		}, []string{"command", "result"}),
		handlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_handler_panics_total",
			Help:      "Radio events that panicked inside the handler.",
		}),
		archiveFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_flushes_total",
			Help:      "Archive buffer flushes written to disk.",
		}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "websocket_clients",
			Help:      "Connected dashboard websocket clients.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.packets, m.decrypted, m.malformed, m.messages, m.suppressed,
		m.pendingKeys, m.channelKeys, m.reconnects, m.connected,
		m.radioCommands, m.handlerPanics, m.archiveFlushes, m.wsClients,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) PacketDecoded(payloadType string, decrypted bool) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(payloadType).Inc()
	if decrypted {
		m.decrypted.Inc()
	}
}

func (m *Metrics) PacketMalformed() {
	if m == nil {
		return
	}
	m.malformed.Inc()
}

func (m *Metrics) MessageEmitted(source string) {
	if m == nil {
		return
	}
	m.messages.WithLabelValues(source).Inc()
}

func (m *Metrics) MessageSuppressed(reason string) {
	if m == nil {
		return
	}
	m.suppressed.WithLabelValues(reason).Inc()
}

// ChannelKeys records the outcome of a discovery pass.
func (m *Metrics) ChannelKeys(confirmed, fromCache, derived, pending int) {
	if m == nil {
		return
	}
	m.channelKeys.WithLabelValues("device").Set(float64(confirmed))
	m.channelKeys.WithLabelValues("cache").Set(float64(fromCache))
	m.channelKeys.WithLabelValues("name-derived").Set(float64(derived))
	m.pendingKeys.Set(float64(pending))
}

func (m *Metrics) PendingKeys(n int) {
	if m == nil {
		return
	}
	m.pendingKeys.Set(float64(n))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetConnected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

func (m *Metrics) RadioCommand(command string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.radioCommands.WithLabelValues(command, result).Inc()
}

func (m *Metrics) HandlerPanic() {
	if m == nil {
		return
	}
	m.handlerPanics.Inc()
}

func (m *Metrics) ArchiveFlushed() {
	if m == nil {
		return
	}
	m.archiveFlushes.Inc()
}

func (m *Metrics) WebsocketClients(n int) {
	if m == nil {
		return
	}
	m.wsClients.Set(float64(n))
}
