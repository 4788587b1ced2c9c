// Package facilitator determines payment verdicts: it reads the chain,
// signs attestations, and records the outcome against the quote. The
// facilitator's clock, not the merchant's, is the source of truth for
// expiry.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/tollgatehq/tollgate/internal/quote"
	"github.com/tollgatehq/tollgate/internal/verifier"
	"github.com/tollgatehq/tollgate/internal/x402"
)

type repository interface {
	GetQuote(ctx context.Context, id string) (*quote.Quote, error)
	Transition(ctx context.Context, id string, from []quote.Status, to quote.Status) error
	GetVerification(ctx context.Context, quoteID string) (*quote.Verification, error)
	Settle(ctx context.Context, quoteID string, v quote.Verification, p quote.Payment) error
}

type chainVerifier interface {
	VerifyNative(ctx context.Context, txHash, treasury string, minAmount *big.Int) (verifier.Result, error)
	VerifyToken(ctx context.Context, txHash, tokenAddr, treasury string, minAmount *big.Int) (verifier.Result, error)
}

// ErrUnknownToken means the request named a token with no configured
// contract address.
var ErrUnknownToken = errors.New("unknown pay token")

type verdictSigner interface {
	SignVerdict(req x402.VerificationRequest) (string, error)
	Address() string
}

const defaultSignatureTTL = 10 * time.Minute

type Service struct {
	repo   repository
	chain  chainVerifier
	signer verdictSigner
	tokens map[x402.PayToken]string
	sigTTL time.Duration
	now    func() time.Time
}

// New builds the verify service. tokens maps each fungible pay token to its
// contract address.
func New(repo repository, chain chainVerifier, signer verdictSigner, tokens map[x402.PayToken]string, sigTTL time.Duration) *Service {
	if sigTTL == 0 {
		sigTTL = defaultSignatureTTL
	}
	return &Service{
		repo:   repo,
		chain:  chain,
		signer: signer,
		tokens: tokens,
		sigTTL: sigTTL,
		now:    time.Now,
	}
}

// Verify resolves the quote's recorded treasury and minimum amount, reads
// the chain, and emits a verdict. An insufficient or misdirected payment is
// a successful determination with verdict unpaid, never an error; an
// exhausted chain read surfaces as an operational error so callers cannot
// mistake "could not determine" for "determined unpaid".
func (s *Service) Verify(ctx context.Context, req x402.VerificationRequest) (x402.VerificationResponse, error) {
	q, err := s.repo.GetQuote(ctx, req.QuoteID)
	if err != nil {
		return x402.VerificationResponse{}, fmt.Errorf("get quote: %w", err)
	}
	if q == nil {
		return x402.VerificationResponse{}, quote.ErrQuoteNotFound
	}

	// Repeat attempts after settlement replay the stored attestation.
	if q.Status == quote.StatusPaid {
		return s.storedResponse(ctx, q)
	}

	if q.ExpiredAt(s.now()) || q.Status == quote.StatusExpired {
		if q.Status == quote.StatusPending {
			if err := s.repo.Transition(ctx, q.ID, []quote.Status{quote.StatusPending}, quote.StatusExpired); err != nil && !errors.Is(err, quote.ErrConflict) {
				return x402.VerificationResponse{}, fmt.Errorf("expire quote: %w", err)
			}
		}
		return x402.VerificationResponse{}, quote.ErrQuoteExpired
	}

	// The quote record, not the caller's claim, decides the required
	// amount.
	minAmount, err := q.MinAmount()
	if err != nil {
		return x402.VerificationResponse{}, err
	}

	var result verifier.Result
	if req.Token.Native() {
		result, err = s.chain.VerifyNative(ctx, req.Tx, q.Treasury, minAmount)
	} else {
		tokenAddr, ok := s.tokens[req.Token]
		if !ok {
			return x402.VerificationResponse{}, fmt.Errorf("%w: %s", ErrUnknownToken, req.Token)
		}
		result, err = s.chain.VerifyToken(ctx, req.Tx, tokenAddr, q.Treasury, minAmount)
	}
	if err != nil {
		return x402.VerificationResponse{}, err
	}

	if !result.Success {
		if err := s.repo.Transition(ctx, q.ID, []quote.Status{quote.StatusPending}, quote.StatusFailed); err != nil && !errors.Is(err, quote.ErrConflict) {
			return x402.VerificationResponse{}, fmt.Errorf("fail quote: %w", err)
		}
		return x402.VerificationResponse{
			QuoteID: q.ID,
			Verdict: x402.VerdictUnpaid,
			Error:   "payment verification failed: insufficient amount or invalid recipient",
		}, nil
	}

	signature, err := s.signer.SignVerdict(req)
	if err != nil {
		return x402.VerificationResponse{}, fmt.Errorf("sign verdict: %w", err)
	}

	now := s.now()
	expiresAt := now.Add(s.sigTTL)
	v := quote.Verification{
		QuoteID:   q.ID,
		Verdict:   x402.VerdictPaid,
		Signature: signature,
		Signer:    s.signer.Address(),
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}
	p := quote.Payment{
		Tx:          req.Tx,
		QuoteID:     q.ID,
		Payer:       result.Payer,
		Token:       req.Token,
		AmountWei:   result.Amount.String(),
		BlockNumber: int64(result.BlockNumber),
		Status:      quote.PaymentConfirmed,
	}

	if err := s.repo.Settle(ctx, q.ID, v, p); err != nil {
		switch {
		case errors.Is(err, quote.ErrConflict):
			// A concurrent verify settled first; its attestation wins.
			return s.storedResponse(ctx, q)
		case errors.Is(err, quote.ErrPaymentReplayed):
			// The tx already settled another quote. The payment row keyed
			// by tx is the durable backstop beyond the redis guard's TTL.
			if terr := s.repo.Transition(ctx, q.ID, []quote.Status{quote.StatusPending}, quote.StatusFailed); terr != nil && !errors.Is(terr, quote.ErrConflict) {
				return x402.VerificationResponse{}, fmt.Errorf("fail quote: %w", terr)
			}
			return x402.VerificationResponse{
				QuoteID: q.ID,
				Verdict: x402.VerdictUnpaid,
				Error:   "transaction already redeemed for another quote",
			}, nil
		default:
			return x402.VerificationResponse{}, fmt.Errorf("settle: %w", err)
		}
	}

	return x402.VerificationResponse{
		QuoteID:   q.ID,
		Verdict:   x402.VerdictPaid,
		Signature: signature,
		Signer:    s.signer.Address(),
		ExpiresAt: expiresAt.UTC().Format(time.RFC3339),
	}, nil
}

func (s *Service) storedResponse(ctx context.Context, q *quote.Quote) (x402.VerificationResponse, error) {
	v, err := s.repo.GetVerification(ctx, q.ID)
	if err != nil {
		return x402.VerificationResponse{}, fmt.Errorf("get verification: %w", err)
	}
	if v == nil {
		// Paid without an attestation should not happen; the settle
		// transaction writes both.
		return x402.VerificationResponse{QuoteID: q.ID, Verdict: x402.VerdictPaid}, nil
	}
	return x402.VerificationResponse{
		QuoteID:   q.ID,
		Verdict:   v.Verdict,
		Signature: v.Signature,
		Signer:    v.Signer,
		ExpiresAt: v.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil
}
