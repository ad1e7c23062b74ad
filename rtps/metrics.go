package rtps

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "rtps"

// metrics are the per participant protocol counters.
type metrics struct {
	messagesSent     prometheus.Counter
	messagesReceived prometheus.Counter
	bytesSent        prometheus.Counter
	malformed        prometheus.Counter
	sendErrors       prometheus.Counter
	overflows        prometheus.Counter
	samplesAccepted  prometheus.Counter
	samplesDropped   prometheus.Counter
	heartbeatsSent   prometheus.Counter
	ackNacksSent     prometheus.Counter
	resends          prometheus.Counter
	writeRejected    *prometheus.CounterVec
	matchEvents      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer, prefix GUIDPrefix) *metrics {
	labels := prometheus.Labels{"participant": prefix.String()}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}
	m := &metrics{
		messagesSent:     counter("messages_sent_total", "RTPS messages handed to the transport."),
		messagesReceived: counter("messages_received_total", "RTPS messages received."),
		bytesSent:        counter("bytes_sent_total", "Bytes handed to the transport."),
		malformed:        counter("malformed_total", "Messages or submessages dropped as malformed."),
		sendErrors:       counter("send_errors_total", "Transport send failures other than overflow."),
		overflows:        counter("send_overflows_total", "Sends abandoned because the transport overflowed."),
		samplesAccepted:  counter("samples_accepted_total", "DATA submessages accepted by a reader."),
		samplesDropped:   counter("samples_dropped_total", "DATA submessages dropped as duplicates or unroutable."),
		heartbeatsSent:   counter("heartbeats_sent_total", "HEARTBEAT submessages sent."),
		ackNacksSent:     counter("acknacks_sent_total", "ACKNACK submessages sent."),
		resends:          counter("resends_total", "DATA submessages resent after a negative acknowledgement."),
		writeRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "writes_rejected_total",
			Help:        "Writes rejected by a resource limit.",
			ConstLabels: labels,
		}, []string{"limit"}),
		matchEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   metricsNamespace,
			Name:        "match_events_total",
			Help:        "Discovery matching events by kind.",
			ConstLabels: labels,
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(
			m.messagesSent, m.messagesReceived, m.bytesSent, m.malformed,
			m.sendErrors, m.overflows, m.samplesAccepted, m.samplesDropped,
			m.heartbeatsSent, m.ackNacksSent, m.resends, m.writeRejected, m.matchEvents,
		)
	}
	return m
}
