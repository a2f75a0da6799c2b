package scheduler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// staleExecutionsReapedTotal counts RUNNING executions the reaper has force-
// failed for exceeding their maximum runtime.
var staleExecutionsReapedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "torale",
	Subsystem: "scheduler",
	Name:      "stale_executions_reaped_total",
	Help:      "Executions force-failed by the stale-execution reaper.",
})

// webhookRetriesTotal counts webhook retry-sweep attempts, by outcome.
var webhookRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "torale",
	Subsystem: "scheduler",
	Name:      "webhook_retries_total",
	Help:      "Webhook redeliveries attempted by the retry sweep, by outcome.",
}, []string{"outcome"})

const (
	webhookRetryOutcomeDelivered = "delivered"
	webhookRetryOutcomeFailed    = "failed"
)
