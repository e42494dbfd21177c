package config

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CountSubmissionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocktake_count_submissions_total",
		Help: "Operator count submissions accepted.",
	})
	CountWriteConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocktake_count_write_conflicts_total",
		Help: "Optimistic-concurrency conflicts detected on count line writes (including retried ones).",
	})
	RecountRoundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocktake_recount_rounds_total",
		Help: "Recount rounds opened after operator disagreement.",
	})
	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocktake_commits_total",
		Help: "Stock count commits applied to the stock ledger.",
	})
	CommitFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "stocktake_commit_failures_total",
		Help: "Stock count commits rolled back due to an error.",
	})
)
