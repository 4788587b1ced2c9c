package facilitator

import (
	"context"
	"math/big"

	"github.com/tollgatehq/tollgate/internal/quote"
	"github.com/tollgatehq/tollgate/internal/verifier"
)

type mockRepo struct {
	GetQuoteQ   *quote.Quote
	GetQuoteErr error

	TransitionErr error
	Transitions   []quote.Status

	GetVerificationV   *quote.Verification
	GetVerificationErr error

	SettleErr error
	SettledV  *quote.Verification
	SettledP  *quote.Payment
}

func (m *mockRepo) GetQuote(ctx context.Context, id string) (*quote.Quote, error) {
	return m.GetQuoteQ, m.GetQuoteErr
}

func (m *mockRepo) Transition(ctx context.Context, id string, from []quote.Status, to quote.Status) error {
	m.Transitions = append(m.Transitions, to)
	return m.TransitionErr
}

func (m *mockRepo) GetVerification(ctx context.Context, quoteID string) (*quote.Verification, error) {
	return m.GetVerificationV, m.GetVerificationErr
}

func (m *mockRepo) Settle(ctx context.Context, quoteID string, v quote.Verification, p quote.Payment) error {
	m.SettledV = &v
	m.SettledP = &p
	return m.SettleErr
}

type mockChainVerifier struct {
	NativeResult verifier.Result
	NativeErr    error

	TokenResult verifier.Result
	TokenErr    error
	TokenAddr   string
}

func (m *mockChainVerifier) VerifyNative(ctx context.Context, txHash, treasury string, minAmount *big.Int) (verifier.Result, error) {
	return m.NativeResult, m.NativeErr
}

func (m *mockChainVerifier) VerifyToken(ctx context.Context, txHash, tokenAddr, treasury string, minAmount *big.Int) (verifier.Result, error) {
	m.TokenAddr = tokenAddr
	return m.TokenResult, m.TokenErr
}
