// Package metrics holds the process-wide prometheus collectors, exposed on
// /metrics by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "partyhub",
		Name:      "queue_depth",
		Help:      "Players currently waiting in the matchmaking queue.",
	})

	MatchesFormed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "partyhub",
		Name:      "matches_formed_total",
		Help:      "Matches released by the formation engine.",
	})

	MatchQuality = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "partyhub",
		Name:      "match_quality",
		Help:      "Quality score of released matches.",
		Buckets:   []float64{0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
	})

	PlayersBackfilled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "partyhub",
		Name:      "players_backfilled_total",
		Help:      "Queued players placed into existing open lobbies.",
	})

	LobbiesCleaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partyhub",
		Name:      "lobbies_cleaned_total",
		Help:      "Lobbies removed by the cleanup scheduler.",
	}, []string{"reason"})

	RateLimitDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "partyhub",
		Name:      "rate_limit_denials_total",
		Help:      "Requests denied by the per-player rate limiter.",
	}, []string{"action"})
)
