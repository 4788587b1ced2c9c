package main

import (
	"net/http"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	quotesIssuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_quotes_issued_total",
		Help: "Quotes issued by endpoint and token.",
	}, []string{"endpoint_slug", "pay_token"})
	redemptionCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "merchant_redemptions_total",
		Help: "Payment proof redemptions by outcome.",
	}, []string{"outcome"})
	rateLimitedCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "merchant_rate_limited_total",
		Help: "Requests rejected by the rate limiter.",
	})
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
