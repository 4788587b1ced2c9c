package main

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	verificationCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilitator_verifications_total",
		Help: "Verification verdicts by outcome and token.",
	}, []string{"verdict", "token"})
	verificationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "facilitator_verification_duration_seconds",
		Help: "Latency of chain verification in seconds.",
	}, []string{"verdict"})
	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name: "http_response_duration_seconds",
		Help: "Latency of requests in second.",
	}, []string{"path"})
)

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		timer := prometheus.NewTimer(httpDuration.WithLabelValues(r.URL.Path))

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		timer.ObserveDuration()
	})
}
