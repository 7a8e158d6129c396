package mcmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace = "mcapp"
	subsystem = "gateway"
)

// Label names for gateway metrics.
const (
	labelPayloadType = "payload_type"
	labelTopic       = "topic"
	labelSrcType     = "src_type"
	labelCommand     = "command"
	labelReason      = "reason"
)

// -------------------------------------------------------------------------
// Collector — Prometheus Gateway Metrics
// -------------------------------------------------------------------------

// Collector holds all gateway Prometheus metrics.
//
// Metrics cover the full message path of the gateway:
//   - Frame counters track UDP decode volume and failures per payload type.
//   - Router counters track pub/sub throughput and handler failures.
//   - Command counters track bot executions, throttles, and abuse blocks.
//   - Storage counters and the DB size gauge support capacity alerting.
//   - SSE and BLE gauges/counters track client and device connectivity.
type Collector struct {
	// FramesDecoded counts mesh frames successfully decoded, per payload type.
	FramesDecoded *prometheus.CounterVec

	// FrameDecodeErrors counts frames that failed to decode.
	FrameDecodeErrors prometheus.Counter

	// FCSMismatches counts frames whose checksum did not verify. Such
	// frames are still processed (permissive mode) but flag RF trouble.
	FCSMismatches prometheus.Counter

	// MessagesPublished counts messages published on the router, per topic.
	MessagesPublished *prometheus.CounterVec

	// HandlerErrors counts subscriber callbacks that returned an error,
	// per topic. Failures are isolated and never stop fan-out.
	HandlerErrors *prometheus.CounterVec

	// MessagesSuppressed counts outbound commands executed locally
	// instead of being transmitted to the mesh.
	MessagesSuppressed prometheus.Counter

	// UDPSent counts frames transmitted to the MeshCom node over UDP.
	UDPSent prometheus.Counter

	// UDPSendErrors counts failed UDP transmissions.
	UDPSendErrors prometheus.Counter

	// CommandsExecuted counts bot command executions, per command.
	CommandsExecuted *prometheus.CounterVec

	// CommandsRejected counts command requests denied before execution,
	// per reason (throttled, blocked, duplicate, denied).
	CommandsRejected *prometheus.CounterVec

	// MessagesStored counts messages persisted to SQLite, per src_type.
	MessagesStored *prometheus.CounterVec

	// PruneRuns counts completed retention prune cycles.
	PruneRuns prometheus.Counter

	// DBSizeBytes reports the SQLite database file size after the most
	// recent prune cycle.
	DBSizeBytes prometheus.Gauge

	// SSEClients tracks the number of currently connected SSE clients.
	SSEClients prometheus.Gauge

	// SSEEventsSent counts events written to SSE clients.
	SSEEventsSent prometheus.Counter

	// BLEConnected reports whether the BLE device link is up (1) or down (0).
	BLEConnected prometheus.Gauge

	// BLEReconnects counts reconnect attempts to the BLE service.
	BLEReconnects prometheus.Counter
}

// NewCollector creates a Collector with all gateway metrics registered
// against the provided prometheus.Registerer. If reg is nil,
// prometheus.DefaultRegisterer is used.
//
// All metrics are created with the "mcapp_gateway_" prefix
// (namespace_subsystem) to avoid collisions with other exporters.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.FramesDecoded,
		c.FrameDecodeErrors,
		c.FCSMismatches,
		c.MessagesPublished,
		c.HandlerErrors,
		c.MessagesSuppressed,
		c.UDPSent,
		c.UDPSendErrors,
		c.CommandsExecuted,
		c.CommandsRejected,
		c.MessagesStored,
		c.PruneRuns,
		c.DBSizeBytes,
		c.SSEClients,
		c.SSEEventsSent,
		c.BLEConnected,
		c.BLEReconnects,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	return &Collector{
		FramesDecoded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frames_decoded_total",
			Help:      "Total mesh frames successfully decoded.",
		}, []string{labelPayloadType}),

		FrameDecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "frame_decode_errors_total",
			Help:      "Total mesh frames that failed to decode.",
		}),

		FCSMismatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "fcs_mismatches_total",
			Help:      "Total frames accepted with a failed checksum verification.",
		}),

		MessagesPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_published_total",
			Help:      "Total messages published on the internal router.",
		}, []string{labelTopic}),

		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_errors_total",
			Help:      "Total subscriber callback failures during fan-out.",
		}, []string{labelTopic}),

		MessagesSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_suppressed_total",
			Help:      "Total outbound commands executed locally instead of transmitted.",
		}),

		UDPSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "udp_sent_total",
			Help:      "Total frames transmitted to the MeshCom node over UDP.",
		}),

		UDPSendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "udp_send_errors_total",
			Help:      "Total failed UDP frame transmissions.",
		}),

		CommandsExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_executed_total",
			Help:      "Total bot command executions.",
		}, []string{labelCommand}),

		CommandsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "commands_rejected_total",
			Help:      "Total command requests denied before execution.",
		}, []string{labelReason}),

		MessagesStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "messages_stored_total",
			Help:      "Total messages persisted to SQLite.",
		}, []string{labelSrcType}),

		PruneRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "prune_runs_total",
			Help:      "Total completed retention prune cycles.",
		}),

		DBSizeBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "db_size_bytes",
			Help:      "SQLite database file size after the last prune cycle.",
		}),

		SSEClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sse_clients",
			Help:      "Number of currently connected SSE clients.",
		}),

		SSEEventsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "sse_events_sent_total",
			Help:      "Total events written to SSE clients.",
		}),

		BLEConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ble_connected",
			Help:      "Whether the BLE device link is up (1) or down (0).",
		}),

		BLEReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ble_reconnects_total",
			Help:      "Total reconnect attempts to the BLE service.",
		}),
	}
}

// -------------------------------------------------------------------------
// Frame Path
// -------------------------------------------------------------------------

// IncFramesDecoded increments the decoded frames counter for the given
// payload type ("msg", "pos", "ack", "json").
func (c *Collector) IncFramesDecoded(payloadType string) {
	c.FramesDecoded.WithLabelValues(payloadType).Inc()
}

// IncFrameDecodeErrors increments the decode failure counter.
func (c *Collector) IncFrameDecodeErrors() {
	c.FrameDecodeErrors.Inc()
}

// IncFCSMismatches increments the checksum mismatch counter.
func (c *Collector) IncFCSMismatches() {
	c.FCSMismatches.Inc()
}

// -------------------------------------------------------------------------
// Router
// -------------------------------------------------------------------------

// IncPublished increments the published messages counter for a topic.
func (c *Collector) IncPublished(topic string) {
	c.MessagesPublished.WithLabelValues(topic).Inc()
}

// IncHandlerErrors increments the subscriber failure counter for a topic.
func (c *Collector) IncHandlerErrors(topic string) {
	c.HandlerErrors.WithLabelValues(topic).Inc()
}

// IncSuppressed increments the local-execution suppression counter.
func (c *Collector) IncSuppressed() {
	c.MessagesSuppressed.Inc()
}

// -------------------------------------------------------------------------
// Commands
// -------------------------------------------------------------------------

// IncCommandExecuted increments the execution counter for a command.
func (c *Collector) IncCommandExecuted(command string) {
	c.CommandsExecuted.WithLabelValues(command).Inc()
}

// IncCommandRejected increments the rejection counter for a reason
// ("throttled", "blocked", "duplicate", "denied").
func (c *Collector) IncCommandRejected(reason string) {
	c.CommandsRejected.WithLabelValues(reason).Inc()
}

// -------------------------------------------------------------------------
// Storage
// -------------------------------------------------------------------------

// IncMessagesStored increments the persisted messages counter per src_type.
func (c *Collector) IncMessagesStored(srcType string) {
	c.MessagesStored.WithLabelValues(srcType).Inc()
}

// RecordPrune records a completed prune cycle and the resulting DB size.
func (c *Collector) RecordPrune(dbSizeBytes int64) {
	c.PruneRuns.Inc()
	c.DBSizeBytes.Set(float64(dbSizeBytes))
}

// -------------------------------------------------------------------------
// Connectivity
// -------------------------------------------------------------------------

// SetBLEConnected records the BLE device link state.
func (c *Collector) SetBLEConnected(up bool) {
	if up {
		c.BLEConnected.Set(1)
	} else {
		c.BLEConnected.Set(0)
	}
}
