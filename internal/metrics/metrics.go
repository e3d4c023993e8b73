package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SessionsIssued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_sessions_issued_total",
		Help: "Check-in sessions opened after token validation.",
	})

	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "checkpoint_submissions_total",
		Help: "Attendance submissions by outcome.",
	}, []string{"outcome"})

	Rotations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "checkpoint_token_rotations_total",
		Help: "Rotating token replacements.",
	})
)
