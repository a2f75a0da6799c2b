package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// executionsTotal counts every execution the orchestrator finishes running,
// labeled by terminal outcome, on the default Prometheus registry — the
// same registry the (out-of-scope) HTTP surface's /metrics handler scrapes.
var executionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "torale",
	Subsystem: "orchestrator",
	Name:      "executions_total",
	Help:      "Task executions completed by the orchestrator, by outcome.",
}, []string{"outcome"})

const (
	outcomeSuccess        = "success"
	outcomeAgentFailed    = "agent_call_failed"
	outcomePersistFailed  = "persist_failed"
	outcomeTaskNotFound   = "task_not_found"
)
