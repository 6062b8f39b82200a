// metrics — Prometheus-счётчики доменных событий сервиса.
// Экспонируются через promhttp на служебном листенере (см. cmd/auth-service).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Значения label outcome.
const (
	OutcomeOK           = "ok"
	OutcomeInvalid      = "invalid"
	OutcomeRevoked      = "revoked"
	OutcomeExpired      = "expired"
	OutcomeDevice       = "device_mismatch"
	OutcomeConflict     = "conflict"
	OutcomeUserNotFound = "user_not_found"
	OutcomeError        = "error"
)

var (
	// Logins считает попытки логина по исходу.
	Logins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auth",
		Name:      "logins_total",
		Help:      "Login attempts by outcome.",
	}, []string{"outcome"})

	// Rotations считает попытки ротации refresh-токена по исходу.
	Rotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auth",
		Name:      "rotations_total",
		Help:      "Refresh-token rotation attempts by outcome.",
	}, []string{"outcome"})

	// ReuseDetected считает предъявления уже отозванных секретов —
	// основной сигнал кражи токена.
	ReuseDetected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "auth",
		Name:      "reuse_detected_total",
		Help:      "Presentations of already-revoked refresh secrets.",
	})

	// ChainRevocations считает записи, отозванные каскадом при детекте кражи.
	ChainRevocations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "auth",
		Name:      "chain_revocations_total",
		Help:      "Descendant records revoked by reuse-detection cascade.",
	})
)
