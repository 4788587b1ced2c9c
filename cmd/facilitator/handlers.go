package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/sirupsen/logrus"

	"github.com/tollgatehq/tollgate/internal/facilitator"
	"github.com/tollgatehq/tollgate/internal/quote"
	"github.com/tollgatehq/tollgate/internal/resilient"
	"github.com/tollgatehq/tollgate/internal/x402"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type chainProber interface {
	ChainID(ctx context.Context) (*big.Int, error)
}

type handlers struct {
	svc   *facilitator.Service
	db    pinger
	chain chainProber
	log   *logrus.Logger
}

// handleVerify checks an on-chain payment against its quote and returns a
// signed verdict. Unpaid is a 200 with verdict "unpaid"; only requests the
// facilitator could not process get an error status.
func (h *handlers) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req x402.VerificationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now()

	resp, err := h.svc.Verify(ctx, req)

	// Every determination lands in the metrics: expired and unknown quotes
	// count as unpaid, operational failures under their own label.
	outcome := "error"
	switch {
	case err == nil:
		outcome = string(resp.Verdict)
	case errors.Is(err, quote.ErrQuoteNotFound), errors.Is(err, quote.ErrQuoteExpired):
		outcome = string(x402.VerdictUnpaid)
	}
	verificationCounter.WithLabelValues(outcome, string(req.Token)).Inc()
	verificationDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())

	if err != nil {
		var unavailable *resilient.Unavailable
		switch {
		case errors.Is(err, quote.ErrQuoteNotFound):
			writeError(w, http.StatusNotFound, "quote not found")
		case errors.Is(err, quote.ErrQuoteExpired):
			writeError(w, http.StatusBadRequest, "quote expired")
		case errors.Is(err, facilitator.ErrUnknownToken):
			writeError(w, http.StatusBadRequest, "unsupported pay token")
		case errors.As(err, &unavailable), errors.Is(err, resilient.ErrCircuitOpen):
			h.log.WithError(err).Warn("chain unavailable")
			writeError(w, http.StatusBadGateway, "verification temporarily unavailable")
		default:
			var verr validation.Errors
			if errors.As(err, &verr) {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			h.log.WithError(err).WithField("quote_id", req.QuoteID).Error("verify failed")
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := h.db.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	if h.chain != nil {
		if _, err := h.chain.ChainID(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, "rpc unreachable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
