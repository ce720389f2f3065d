package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sarchlab/ports/hooking"
	"github.com/sarchlab/ports/ports"
)

// MetricsHook counts port activity per node into Prometheus metrics.
type MetricsHook struct {
	registerer prometheus.Registerer

	messages      *prometheus.CounterVec
	bytes         *prometheus.CounterVec
	closedPorts   *prometheus.CounterVec
	createdPorts  *prometheus.CounterVec
	removedProxy  *prometheus.CounterVec
	droppedEvents *prometheus.CounterVec
}

// NewMetricsHook creates the metrics and registers them.
func NewMetricsHook(registerer prometheus.Registerer) *MetricsHook {
	h := &MetricsHook{
		registerer: registerer,
		messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ports_messages_total",
				Help: "Messages sent, accepted and retrieved, by node.",
			},
			[]string{"node", "action"},
		),
		bytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ports_message_bytes_total",
				Help: "Payload bytes sent and retrieved, by node.",
			},
			[]string{"node", "action"},
		),
		closedPorts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ports_closed_total",
				Help: "Ports closed locally, by node.",
			},
			[]string{"node"},
		),
		createdPorts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ports_created_total",
				Help: "Ports created, by node.",
			},
			[]string{"node"},
		),
		removedProxy: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ports_proxies_removed_total",
				Help: "Proxy ports removed, by node.",
			},
			[]string{"node"},
		),
		droppedEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ports_events_dropped_total",
				Help: "Incoming events that could not be delivered, by node and type.",
			},
			[]string{"node", "type"},
		),
	}

	registerer.MustRegister(
		h.messages,
		h.bytes,
		h.closedPorts,
		h.createdPorts,
		h.removedProxy,
		h.droppedEvents,
	)

	return h
}

// CollectNode attaches the hook to a node and exports the node's port count
// as a gauge.
func (h *MetricsHook) CollectNode(node *ports.Node) {
	node.AcceptHook(h)

	h.registerer.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "ports_open",
			Help:        "Ports currently held by the node.",
			ConstLabels: prometheus.Labels{"node": node.Name().String()},
		},
		func() float64 { return float64(node.PortCount()) },
	))
}

// Func updates the counters for one hook firing.
func (h *MetricsHook) Func(ctx hooking.HookCtx) {
	node, ok := ctx.Domain.(interface{ Name() ports.NodeName })
	if !ok {
		return
	}

	name := node.Name().String()

	switch ctx.Pos {
	case ports.HookPosMsgSent:
		h.countMessage(name, "sent", ctx.Item)
	case ports.HookPosMsgAccepted:
		h.countMessage(name, "accepted", ctx.Item)
	case ports.HookPosMsgRetrieved:
		h.countMessage(name, "retrieved", ctx.Item)
	case ports.HookPosPortCreated:
		h.createdPorts.WithLabelValues(name).Inc()
	case ports.HookPosPortClosed:
		h.closedPorts.WithLabelValues(name).Inc()
	case ports.HookPosProxyRemoved:
		h.removedProxy.WithLabelValues(name).Inc()
	case ports.HookPosEventDropped:
		event := ctx.Item.(ports.Event)
		h.droppedEvents.WithLabelValues(name, event.Type().String()).Inc()
	}
}

func (h *MetricsHook) countMessage(node, action string, item any) {
	h.messages.WithLabelValues(node, action).Inc()

	if msg, ok := item.(*ports.Message); ok {
		h.bytes.WithLabelValues(node, action).Add(float64(msg.NumBytes()))
	}
}
