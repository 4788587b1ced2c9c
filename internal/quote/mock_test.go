package quote

import (
	"context"
	"time"

	"github.com/tollgatehq/tollgate/internal/x402"
)

type mockRepo struct {
	GetEndpointEp  *Endpoint
	GetEndpointErr error

	CreateQuoteErr error
	CreatedQuote   *Quote

	// GetQuote pops from GetQuoteQueue first, then falls back to GetQuoteQ.
	GetQuoteQ     *Quote
	GetQuoteQueue []*Quote
	GetQuoteErr   error

	// Transition pops from TransitionErrs first, then TransitionErr.
	TransitionErr  error
	TransitionErrs []error
	Transitions    []Status

	GetPaymentByTxP   *Payment
	GetPaymentByTxErr error

	GetVerificationV   *Verification
	GetVerificationErr error
}

func (m *mockRepo) GetEndpoint(ctx context.Context, slug string) (*Endpoint, error) {
	return m.GetEndpointEp, m.GetEndpointErr
}

func (m *mockRepo) CreateQuote(ctx context.Context, q *Quote) error {
	m.CreatedQuote = q
	return m.CreateQuoteErr
}

func (m *mockRepo) GetQuote(ctx context.Context, id string) (*Quote, error) {
	if len(m.GetQuoteQueue) > 0 {
		q := m.GetQuoteQueue[0]
		m.GetQuoteQueue = m.GetQuoteQueue[1:]
		return q, m.GetQuoteErr
	}
	return m.GetQuoteQ, m.GetQuoteErr
}

func (m *mockRepo) Transition(ctx context.Context, id string, from []Status, to Status) error {
	m.Transitions = append(m.Transitions, to)
	if len(m.TransitionErrs) > 0 {
		err := m.TransitionErrs[0]
		m.TransitionErrs = m.TransitionErrs[1:]
		return err
	}
	return m.TransitionErr
}

func (m *mockRepo) GetPaymentByTx(ctx context.Context, tx string) (*Payment, error) {
	return m.GetPaymentByTxP, m.GetPaymentByTxErr
}

func (m *mockRepo) GetVerification(ctx context.Context, quoteID string) (*Verification, error) {
	return m.GetVerificationV, m.GetVerificationErr
}

type mockVerdictClient struct {
	VerifyResp x402.VerificationResponse
	VerifyErr  error
	VerifyReq  *x402.VerificationRequest
}

func (m *mockVerdictClient) Verify(ctx context.Context, req x402.VerificationRequest) (x402.VerificationResponse, error) {
	m.VerifyReq = &req
	return m.VerifyResp, m.VerifyErr
}

type mockReplayGuard struct {
	ConsumeOK     bool
	ConsumeHolder string
	ConsumeErr    error
}

func (m *mockReplayGuard) Consume(ctx context.Context, txHash, quoteID string) (bool, string, error) {
	return m.ConsumeOK, m.ConsumeHolder, m.ConsumeErr
}

type mockNonceStore struct {
	PutErr   error
	PutNonce string
}

func (m *mockNonceStore) Put(ctx context.Context, nonce, quoteID string, ttl time.Duration) error {
	m.PutNonce = nonce
	return m.PutErr
}
