package quote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/tollgatehq/tollgate/internal/pricing"
	"github.com/tollgatehq/tollgate/internal/x402"
)

type repository interface {
	GetEndpoint(ctx context.Context, slug string) (*Endpoint, error)
	CreateQuote(ctx context.Context, q *Quote) error
	GetQuote(ctx context.Context, id string) (*Quote, error)
	Transition(ctx context.Context, id string, from []Status, to Status) error
	GetPaymentByTx(ctx context.Context, tx string) (*Payment, error)
	GetVerification(ctx context.Context, quoteID string) (*Verification, error)
}

type verdictClient interface {
	Verify(ctx context.Context, req x402.VerificationRequest) (x402.VerificationResponse, error)
}

type replayGuard interface {
	Consume(ctx context.Context, txHash, quoteID string) (ok bool, holder string, err error)
}

type nonceStore interface {
	Put(ctx context.Context, nonce, quoteID string, ttl time.Duration) error
}

// Config carries the issuance parameters the challenge advertises.
type Config struct {
	Network           string
	QuoteTTL          time.Duration
	FacilitatorURL    string
	FacilitatorSigner string
}

const defaultQuoteTTL = 2 * time.Minute

// Service drives the issue/redeem protocol on the merchant side.
type Service struct {
	cfg     Config
	repo    repository
	verdict verdictClient
	replay  replayGuard
	nonces  nonceStore
	price   pricing.Func
	now     func() time.Time
}

func New(cfg Config, repo repository, verdict verdictClient, replay replayGuard, nonces nonceStore, price pricing.Func) *Service {
	if cfg.QuoteTTL == 0 {
		cfg.QuoteTTL = defaultQuoteTTL
	}
	return &Service{
		cfg:     cfg,
		repo:    repo,
		verdict: verdict,
		replay:  replay,
		nonces:  nonces,
		price:   price,
		now:     time.Now,
	}
}

// IssueRequest is the canonical request material a quote is bound to.
type IssueRequest struct {
	Slug    string
	Method  string
	Path    string
	Headers map[string]string
}

// Issue creates a PENDING quote for an active endpoint and returns the 402
// challenge payload. The nonce is registered with the quote's TTL for
// downstream binding checks.
func (s *Service) Issue(ctx context.Context, req IssueRequest) (*Challenge, error) {
	ep, err := s.repo.GetEndpoint(ctx, req.Slug)
	if err != nil {
		return nil, fmt.Errorf("get endpoint: %w", err)
	}
	if ep == nil || !ep.Active {
		return nil, ErrEndpointNotFound
	}

	nonce, err := x402.GenerateNonce()
	if err != nil {
		return nil, err
	}
	amount, err := s.price(ep.BasePriceCents, ep.TokenPreference)
	if err != nil {
		return nil, fmt.Errorf("price endpoint %s: %w", ep.Slug, err)
	}

	now := s.now()
	q := &Quote{
		ID:           uuid.New().String(),
		EndpointSlug: ep.Slug,
		Nonce:        nonce,
		RequestHash:  x402.HashRequest(canonicalRequest(req)),
		PayToken:     ep.TokenPreference,
		Treasury:     ep.Treasury,
		AmountCents:  ep.BasePriceCents,
		AmountWei:    amount.String(),
		Status:       StatusPending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.cfg.QuoteTTL),
	}
	if err := s.repo.CreateQuote(ctx, q); err != nil {
		return nil, fmt.Errorf("create quote: %w", err)
	}
	if err := s.nonces.Put(ctx, nonce, q.ID, s.cfg.QuoteTTL); err != nil {
		return nil, fmt.Errorf("register nonce: %w", err)
	}

	return &Challenge{Quote: q, wire: s.challenge(q)}, nil
}

// Challenge pairs the stored quote with its wire form.
type Challenge struct {
	Quote *Quote
	wire  x402.Challenge
}

func (c *Challenge) Wire() x402.Challenge { return c.wire }

func (s *Service) challenge(q *Quote) x402.Challenge {
	return x402.Challenge{
		Standard:  x402.Standard,
		Price:     fmt.Sprintf("%d.%02d", q.AmountCents/100, q.AmountCents%100),
		Currency:  "USD",
		Network:   s.cfg.Network,
		PayToken:  q.PayToken,
		AmountWei: q.AmountWei,
		Treasury:  q.Treasury,
		QuoteID:   q.ID,
		Nonce:     q.Nonce,
		ExpiresAt: q.ExpiresAt.UTC().Format(time.RFC3339),
		Facilitator: x402.FacilitatorInfo{
			URL:    s.cfg.FacilitatorURL,
			Signer: s.cfg.FacilitatorSigner,
		},
		RequestHash: q.RequestHash,
	}
}

// RedeemResult is the outcome of presenting a payment proof.
type RedeemResult struct {
	Quote   *Quote
	Verdict x402.Verdict
	Reason  string

	// Attestation fields, set when the verdict is paid.
	Signature          string
	Signer             string
	SignatureExpiresAt string
}

// Redeem settles a payment proof against its quote. Terminal quotes answer
// idempotently: redeeming an already-PAID quote with the proof that settled
// it returns the original success, while a different proof against the same
// quote, or the same transaction against a different quote, fails as a
// replay.
func (s *Service) Redeem(ctx context.Context, proof x402.PaymentProof) (*RedeemResult, error) {
	q, err := s.repo.GetQuote(ctx, proof.QuoteID)
	if err != nil {
		return nil, fmt.Errorf("get quote: %w", err)
	}
	if q == nil {
		return nil, ErrQuoteNotFound
	}

	switch q.Status {
	case StatusPaid:
		return s.redeemSettled(ctx, q, proof)
	case StatusFailed:
		return &RedeemResult{Quote: q, Verdict: x402.VerdictUnpaid, Reason: "payment verification previously failed"}, nil
	case StatusExpired:
		return nil, ErrQuoteExpired
	}

	// Fast path only: the facilitator re-checks expiry against its own
	// clock as the source of truth.
	if q.ExpiredAt(s.now()) {
		if err := s.repo.Transition(ctx, q.ID, []Status{StatusPending}, StatusExpired); err != nil && !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("expire quote: %w", err)
		}
		return nil, ErrQuoteExpired
	}

	resp, err := s.verdict.Verify(ctx, x402.VerificationRequest{
		QuoteID:     proof.QuoteID,
		Tx:          proof.Tx,
		Token:       proof.Token,
		AmountWei:   proof.AmountWei,
		RequestHash: proof.RequestHash,
	})
	if err != nil {
		return nil, err
	}

	if resp.Verdict != x402.VerdictPaid {
		if err := s.repo.Transition(ctx, q.ID, []Status{StatusPending}, StatusFailed); err != nil && !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("fail quote: %w", err)
		}
		return &RedeemResult{Quote: q, Verdict: x402.VerdictUnpaid, Reason: resp.Error}, nil
	}

	ok, holder, err := s.replay.Consume(ctx, proof.Tx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("replay guard: %w", err)
	}
	if !ok && holder != q.ID {
		return nil, ErrPaymentReplayed
	}

	if err := s.repo.Transition(ctx, q.ID, []Status{StatusPending, StatusPaid}, StatusPaid); err != nil {
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("mark quote paid: %w", err)
		}
		// Lost the race; the final state decides.
		current, rerr := s.repo.GetQuote(ctx, q.ID)
		if rerr != nil {
			return nil, fmt.Errorf("re-read quote: %w", rerr)
		}
		if current == nil || current.Status != StatusPaid {
			return nil, ErrQuoteExpired
		}
		q = current
	}

	// The facilitator's settle transaction owns the payment row, carrying
	// the chain-observed payer, amount and block. The claimed amount in the
	// proof is never written anywhere.
	q.Status = StatusPaid
	return &RedeemResult{
		Quote:              q,
		Verdict:            x402.VerdictPaid,
		Signature:          resp.Signature,
		Signer:             resp.Signer,
		SignatureExpiresAt: resp.ExpiresAt,
	}, nil
}

// redeemSettled answers repeat redeems of a PAID quote from stored records
// without another facilitator round trip.
func (s *Service) redeemSettled(ctx context.Context, q *Quote, proof x402.PaymentProof) (*RedeemResult, error) {
	p, err := s.repo.GetPaymentByTx(ctx, proof.Tx)
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	if p == nil || p.QuoteID != q.ID {
		return nil, ErrPaymentReplayed
	}

	result := &RedeemResult{Quote: q, Verdict: x402.VerdictPaid}
	v, err := s.repo.GetVerification(ctx, q.ID)
	if err != nil {
		return nil, fmt.Errorf("get verification: %w", err)
	}
	if v != nil {
		result.Signature = v.Signature
		result.Signer = v.Signer
		result.SignatureExpiresAt = v.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return result, nil
}

// canonicalRequest flattens the bound request material: method, path, then
// the header subset in sorted order.
func canonicalRequest(req IssueRequest) string {
	out := req.Method + "\n" + req.Path + "\n"
	for _, k := range sortedKeys(req.Headers) {
		out += k + ":" + req.Headers[k] + "\n"
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
