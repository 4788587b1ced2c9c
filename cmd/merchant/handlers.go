package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/tollgatehq/tollgate/internal/quote"
	"github.com/tollgatehq/tollgate/internal/ratelimit"
	"github.com/tollgatehq/tollgate/internal/resilient"
	"github.com/tollgatehq/tollgate/internal/x402"
)

// paymentHeader carries the client's payment proof as a JSON object.
const paymentHeader = "X-PAYMENT"

type pinger interface {
	Ping(ctx context.Context) error
}

type redisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

type handlers struct {
	svc     *quote.Service
	db      pinger
	rdb     redisPinger
	limiter *ratelimit.Limiter
	log     *logrus.Logger
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// handleResource sells access to a priced endpoint. Without a payment proof
// the response is a 402 challenge; with one, the proof is redeemed and the
// resource released exactly once per payment.
func (h *handlers) handleResource(w http.ResponseWriter, r *http.Request) {
	var (
		ctx  = r.Context()
		slug = chi.URLParam(r, "slug")
	)

	raw := r.Header.Get(paymentHeader)
	if raw == "" {
		h.issueChallenge(ctx, w, r, slug)
		return
	}

	var proof x402.PaymentProof
	if err := json.Unmarshal([]byte(raw), &proof); err != nil {
		writeError(w, http.StatusPaymentRequired, "VERIFICATION_ERROR", "malformed payment header")
		return
	}
	if err := proof.Validate(); err != nil {
		writeError(w, http.StatusPaymentRequired, "VERIFICATION_ERROR", err.Error())
		return
	}

	result, err := h.svc.Redeem(ctx, proof)
	if err != nil {
		h.writeRedeemError(w, proof, err)
		return
	}
	if result.Quote.EndpointSlug != slug {
		redemptionCounter.WithLabelValues("wrong_endpoint").Inc()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "quote does not belong to this endpoint")
		return
	}

	if result.Verdict != x402.VerdictPaid {
		redemptionCounter.WithLabelValues("unpaid").Inc()
		writeError(w, http.StatusPaymentRequired, "PAYMENT_UNVERIFIED", result.Reason)
		return
	}

	redemptionCounter.WithLabelValues("paid").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"data": map[string]interface{}{
			"message":   fmt.Sprintf("access granted to %s", slug),
			"timestamp": time.Now().UTC().Format(time.RFC3339),
			"quoteId":   result.Quote.ID,
		},
		"attestation": map[string]string{
			"signature": result.Signature,
			"signer":    result.Signer,
			"expiresAt": result.SignatureExpiresAt,
		},
	})
}

func (h *handlers) issueChallenge(ctx context.Context, w http.ResponseWriter, r *http.Request, slug string) {
	challenge, err := h.svc.Issue(ctx, quote.IssueRequest{
		Slug:    slug,
		Method:  r.Method,
		Path:    r.URL.Path,
		Headers: boundHeaders(r.Header),
	})
	if err != nil {
		if errors.Is(err, quote.ErrEndpointNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "no such endpoint")
			return
		}
		h.log.WithError(err).WithField("slug", slug).Error("issue quote")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	quotesIssuedCounter.WithLabelValues(slug, string(challenge.Quote.PayToken)).Inc()
	writeJSON(w, http.StatusPaymentRequired, challenge.Wire())
}

func (h *handlers) writeRedeemError(w http.ResponseWriter, proof x402.PaymentProof, err error) {
	var unavailable *resilient.Unavailable
	switch {
	case errors.Is(err, quote.ErrQuoteNotFound):
		redemptionCounter.WithLabelValues("not_found").Inc()
		writeError(w, http.StatusNotFound, "NOT_FOUND", "quote not found")
	case errors.Is(err, quote.ErrQuoteExpired):
		redemptionCounter.WithLabelValues("expired").Inc()
		writeError(w, http.StatusPaymentRequired, "QUOTE_EXPIRED", "quote expired before payment was verified")
	case errors.Is(err, quote.ErrPaymentReplayed):
		redemptionCounter.WithLabelValues("replayed").Inc()
		writeError(w, http.StatusPaymentRequired, "ALREADY_USED", "payment transaction was already used")
	case errors.As(err, &unavailable), errors.Is(err, resilient.ErrCircuitOpen):
		redemptionCounter.WithLabelValues("unavailable").Inc()
		h.log.WithError(err).Warn("facilitator unavailable")
		writeError(w, http.StatusBadGateway, "UPSTREAM_UNAVAILABLE", "verification temporarily unavailable")
	default:
		redemptionCounter.WithLabelValues("error").Inc()
		h.log.WithError(err).WithField("quote_id", proof.QuoteID).Error("redeem failed")
		writeError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", "database unreachable")
		return
	}
	if h.rdb != nil {
		if err := h.rdb.Ping(r.Context()).Err(); err != nil {
			writeError(w, http.StatusServiceUnavailable, "UNHEALTHY", "redis unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// rateLimitMiddleware enforces a per-client sliding window. The limiter
// failing open keeps redis outages from taking the merchant down with them.
func (h *handlers) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := h.limiter.Allow(r.Context(), clientIP(r)+":"+r.URL.Path)
		if err != nil {
			h.log.WithError(err).Warn("rate limiter unavailable")
			next.ServeHTTP(w, r)
			return
		}
		if !allowed {
			rateLimitedCounter.Inc()
			w.Header().Set("Retry-After", fmt.Sprintf("%d", int(retryAfter.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many requests")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// headerSubset is the canonical set of headers a quote's request hash binds.
var headerSubset = []string{"Accept", "Content-Type"}

func boundHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(headerSubset))
	for _, k := range headerSubset {
		if v := h.Get(k); v != "" {
			out[strings.ToLower(k)] = v
		}
	}
	return out
}

func clientIP(r *http.Request) string {
	if ip := r.Header.Get("X-Forwarded-For"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Code: code, Message: message}})
}
