// Package quote owns the quote lifecycle: a priced, time-boxed
// authorization to pay for one resource access, from issuance through
// settlement.
package quote

import (
	"fmt"
	"math/big"
	"time"

	"github.com/tollgatehq/tollgate/internal/x402"
)

// Status is a quote's position in the state machine. Transitions are
// one-directional: PENDING may move to any terminal state, and a PAID quote
// never leaves PAID.
type Status string

const (
	StatusPending Status = "pending"
	StatusPaid    Status = "paid"
	StatusExpired Status = "expired"
	StatusFailed  Status = "failed"
)

// Quote is one priced offer for one protected request.
type Quote struct {
	ID           string        `db:"id" json:"id"`
	EndpointSlug string        `db:"endpoint_slug" json:"endpoint_slug"`
	Nonce        string        `db:"nonce" json:"nonce"`
	RequestHash  string        `db:"request_hash" json:"request_hash"`
	PayToken     x402.PayToken `db:"pay_token" json:"pay_token"`
	Treasury     string        `db:"treasury" json:"treasury"`
	AmountCents  int64         `db:"amount_cents" json:"amount_cents"`
	AmountWei    string        `db:"amount_wei" json:"amount_wei"`
	Status       Status        `db:"status" json:"status"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	ExpiresAt    time.Time     `db:"expires_at" json:"expires_at"`
}

// ExpiredAt reports whether the quote's fixed horizon has passed. The
// horizon is set at creation and never extended.
func (q *Quote) ExpiredAt(now time.Time) bool {
	return now.After(q.ExpiresAt)
}

// MinAmount parses the quoted atomic amount.
func (q *Quote) MinAmount() (*big.Int, error) {
	amount, ok := new(big.Int).SetString(q.AmountWei, 10)
	if !ok {
		return nil, fmt.Errorf("quote %s has malformed amount %q", q.ID, q.AmountWei)
	}
	return amount, nil
}

// Verification is the facilitator's attestation for a quote. At most one
// exists per quote and it is immutable after creation.
type Verification struct {
	QuoteID   string       `db:"quote_id" json:"quote_id"`
	Verdict   x402.Verdict `db:"verdict" json:"verdict"`
	Signature string       `db:"signature" json:"signature"`
	Signer    string       `db:"signer" json:"signer"`
	CreatedAt time.Time    `db:"created_at" json:"created_at"`
	ExpiresAt time.Time    `db:"expires_at" json:"expires_at"`
}

// PaymentStatus tracks an observed on-chain payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentFailed    PaymentStatus = "failed"
)

// Payment is keyed by transaction hash: repeated verification attempts for
// the same transaction reconcile to one row.
type Payment struct {
	Tx          string        `db:"tx" json:"tx"`
	QuoteID     string        `db:"quote_id" json:"quote_id"`
	Payer       string        `db:"payer" json:"payer"`
	Token       x402.PayToken `db:"token" json:"token"`
	AmountWei   string        `db:"amount_wei" json:"amount_wei"`
	BlockNumber int64         `db:"block_number" json:"block_number"`
	Status      PaymentStatus `db:"status" json:"status"`
}

// Endpoint is a protected resource with a price.
type Endpoint struct {
	Slug            string        `db:"slug" json:"slug"`
	BasePriceCents  int64         `db:"base_price_cents" json:"base_price_cents"`
	TokenPreference x402.PayToken `db:"token_preference" json:"token_preference"`
	Treasury        string        `db:"treasury" json:"treasury"`
	Active          bool          `db:"active" json:"active"`
}
