// Package metrics exposes daemon counters in Prometheus format, fed from the
// event bus rather than instrumented call sites.
package metrics

import (
	"context"
	"net/http"

	"github.com/agentctl/agentctl/pkg/events"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns the registry and the counters derived from bus traffic.
type Collector struct {
	registry *prometheus.Registry

	eventsTotal      *prometheus.CounterVec
	tasksCreated     prometheus.Counter
	tasksCompleted   prometheus.Counter
	escalationsTotal *prometheus.CounterVec
	workflowSteps    prometheus.Counter
	streamChunks     prometheus.Counter
}

// New builds a collector with its own registry.
func New() *Collector {
	c := &Collector{registry: prometheus.NewRegistry()}

	c.eventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentctl",
		Name:      "events_total",
		Help:      "Events emitted on the bus, by type.",
	}, []string{"type"})
	c.tasksCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentctl",
		Name:      "tasks_created_total",
		Help:      "Tasks created through handoffs.",
	})
	c.tasksCompleted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentctl",
		Name:      "tasks_completed_total",
		Help:      "Tasks accepted to completion.",
	})
	c.escalationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentctl",
		Name:      "sla_escalations_total",
		Help:      "SLA escalations, by action.",
	}, []string{"action"})
	c.workflowSteps = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentctl",
		Name:      "workflow_step_events_total",
		Help:      "Workflow step transitions observed.",
	})
	c.streamChunks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "agentctl",
		Name:      "agent_stream_chunks_total",
		Help:      "Streaming chunks relayed from model calls.",
	})

	c.registry.MustRegister(
		c.eventsTotal, c.tasksCreated, c.tasksCompleted,
		c.escalationsTotal, c.workflowSteps, c.streamChunks,
	)
	return c
}

// Watch subscribes to the whole bus and counts until ctx is done.
func (c *Collector) Watch(ctx context.Context, bus *events.Bus) {
	sub := bus.SubscribeAll()
	defer sub.Close()
	for {
		select {
		case ev := <-sub.C():
			c.observe(ev)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Collector) observe(ev events.Event) {
	c.eventsTotal.WithLabelValues(string(ev.Type)).Inc()
	switch ev.Type {
	case events.EventTaskCreated:
		c.tasksCreated.Inc()
	case events.EventTaskCompleted:
		c.tasksCompleted.Inc()
	case events.EventEscalation:
		action, _ := ev.Payload["action"].(string)
		if action == "" {
			action = "unknown"
		}
		c.escalationsTotal.WithLabelValues(action).Inc()
	case events.EventWorkflowStep:
		c.workflowSteps.Inc()
	case events.EventAgentStreamChunk:
		c.streamChunks.Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
