package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pipeyard_operations_total",
		Help: "Engine operations by name and outcome.",
	}, []string{"op", "outcome"})

	capacityConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeyard_capacity_conflicts_total",
		Help: "Allocations refused for insufficient capacity.",
	})

	reconciliationMismatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeyard_reconciliation_mismatches_total",
		Help: "Load completions whose actual quantity exceeded the mismatch tolerance.",
	})
)

func countOp(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	operationsTotal.WithLabelValues(op, outcome).Inc()
}
