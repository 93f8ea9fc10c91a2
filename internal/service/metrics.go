package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	submitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_submits_total",
		Help: "Submitted transactions by result (created, replayed, rejected)",
	}, []string{"result"})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transitions_total",
		Help: "Committed status transitions",
	}, []string{"from", "to"})

	reconcilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_reconciles_total",
		Help: "Re-reads after ambiguous writes by outcome (applied, indeterminate)",
	}, []string{"outcome"})

	cacheErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_idempotency_cache_errors_total",
		Help: "Idempotency cache failures that fell back to the repository",
	})
)
