// SPDX-License-Identifier: MIT
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tokenRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tonearm_token_refresh_total",
		Help: "Total number of token refresh attempts by service and outcome",
	}, []string{"service", "outcome"}) // outcome=success|transient_error|needs_reauth

	tokenExpirySeconds = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "tonearm_token_expiry_seconds",
		Help: "Seconds until the cached access token expires, by service",
	}, []string{"service"})

	sessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "tonearm_sessions_active",
		Help: "Number of live browser sessions in the session store",
	})
)

func IncTokenRefresh(service, outcome string) {
	tokenRefreshTotal.WithLabelValues(service, outcome).Inc()
}

func SetTokenExpiry(service string, seconds float64) {
	tokenExpirySeconds.WithLabelValues(service).Set(seconds)
}

func SetSessionsActive(n int) { sessionsActive.Set(float64(n)) }
