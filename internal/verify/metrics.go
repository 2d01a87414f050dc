package verify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	attemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusattend",
		Subsystem: "verify",
		Name:      "attempts_total",
		Help:      "Verification attempts by outcome.",
	}, []string{"outcome"})

	factorFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "campusattend",
		Subsystem: "verify",
		Name:      "factor_failures_total",
		Help:      "Failed factor evaluations by factor.",
	}, []string{"factor"})
)
