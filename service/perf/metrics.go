// Copyright (c) 2022-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package perf

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	metricsSubSystemRTC     = "rtc"
	metricsSubSystemWS      = "ws"
	metricsSubSystemSignal  = "signal"
	metricsSubSystemExtract = "extract"
)

type Metrics struct {
	registry *prometheus.Registry

	RTPPacketCounters      *prometheus.CounterVec
	RTPPacketBytesCounters *prometheus.CounterVec
	RTCPPacketCounters     *prometheus.CounterVec
	RTCConnStateCounters   *prometheus.CounterVec
	RTCErrorCounters       *prometheus.CounterVec

	Sessions              prometheus.Gauge
	SessionEndCounters    *prometheus.CounterVec
	ProtocolErrorCounters *prometheus.CounterVec
	ExtractionCounters    *prometheus.CounterVec

	WSConnections     prometheus.Gauge
	WSMessageCounters *prometheus.CounterVec
}

func NewMetrics(namespace string, registry *prometheus.Registry) *Metrics {
	var m Metrics

	if registry != nil {
		m.registry = registry
	} else {
		m.registry = prometheus.NewRegistry()
		m.registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{
			Namespace: namespace,
		}))
		m.registry.MustRegister(collectors.NewGoCollector())
	}

	m.RTPPacketCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_samples_total",
			Help:      "Total number of media samples written to outgoing tracks",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTPPacketCounters)

	m.RTPPacketBytesCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtp_bytes_total",
			Help:      "Total number of media sample bytes written to outgoing tracks",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTPPacketBytesCounters)

	m.RTCPPacketCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "rtcp_packets_total",
			Help:      "Total number of received RTCP feedback packets",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCPPacketCounters)

	m.RTCConnStateCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "conn_states_total",
			Help:      "Total number of RTC connection state changes",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCConnStateCounters)

	m.RTCErrorCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemRTC,
			Name:      "errors_total",
			Help:      "Total number of media pipeline errors",
		},
		[]string{"type"},
	)
	m.registry.MustRegister(m.RTCErrorCounters)

	m.Sessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemSignal,
			Name:      "sessions_total",
			Help:      "Total number of live playback sessions",
		},
	)
	m.registry.MustRegister(m.Sessions)

	m.SessionEndCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemSignal,
			Name:      "session_ends_total",
			Help:      "Total number of ended sessions by reason",
		},
		[]string{"reason"},
	)
	m.registry.MustRegister(m.SessionEndCounters)

	m.ProtocolErrorCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemSignal,
			Name:      "protocol_errors_total",
			Help:      "Total number of protocol errors sent to clients",
		},
		[]string{"code"},
	)
	m.registry.MustRegister(m.ProtocolErrorCounters)

	m.ExtractionCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemExtract,
			Name:      "extractions_total",
			Help:      "Total number of media URL extractions by result",
		},
		[]string{"result"},
	)
	m.registry.MustRegister(m.ExtractionCounters)

	m.WSConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "connections_total",
			Help:      "Total number of active WebSocket connections",
		},
	)
	m.registry.MustRegister(m.WSConnections)

	m.WSMessageCounters = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubSystemWS,
			Name:      "messages_total",
			Help:      "Total number of sent/received WebSocket messages",
		},
		[]string{"type", "direction"},
	)
	m.registry.MustRegister(m.WSMessageCounters)

	return &m
}

func (m *Metrics) IncRTCConnState(state string) {
	m.RTCConnStateCounters.With(prometheus.Labels{"type": state}).Inc()
}

func (m *Metrics) IncRTCErrors(errType string) {
	m.RTCErrorCounters.With(prometheus.Labels{"type": errType}).Inc()
}

func (m *Metrics) IncRTPPackets(trackType string) {
	m.RTPPacketCounters.With(prometheus.Labels{"type": trackType}).Inc()
}

func (m *Metrics) AddRTPPacketBytes(trackType string, value int) {
	m.RTPPacketBytesCounters.With(prometheus.Labels{"type": trackType}).Add(float64(value))
}

func (m *Metrics) IncRTCPPackets(pktType string) {
	m.RTCPPacketCounters.With(prometheus.Labels{"type": pktType}).Inc()
}

func (m *Metrics) IncSessions() {
	m.Sessions.Inc()
}

func (m *Metrics) DecSessions() {
	m.Sessions.Dec()
}

func (m *Metrics) IncSessionEnds(reason string) {
	m.SessionEndCounters.With(prometheus.Labels{"reason": reason}).Inc()
}

func (m *Metrics) IncProtocolErrors(code string) {
	m.ProtocolErrorCounters.With(prometheus.Labels{"code": code}).Inc()
}

func (m *Metrics) IncExtractions(result string) {
	m.ExtractionCounters.With(prometheus.Labels{"result": result}).Inc()
}

func (m *Metrics) IncWSConnections() {
	m.WSConnections.Inc()
}

func (m *Metrics) DecWSConnections() {
	m.WSConnections.Dec()
}

func (m *Metrics) IncWSMessages(msgType, direction string) {
	m.WSMessageCounters.With(prometheus.Labels{"type": msgType, "direction": direction}).Inc()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
