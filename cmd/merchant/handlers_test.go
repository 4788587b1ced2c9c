package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tollgatehq/tollgate/internal/pricing"
	"github.com/tollgatehq/tollgate/internal/quote"
	"github.com/tollgatehq/tollgate/internal/ratelimit"
	"github.com/tollgatehq/tollgate/internal/x402"
)

const (
	testTreasury = "0x1111111111111111111111111111111111111111"
	testTx       = "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	testQuoteID  = "7f9c24e8-3b1a-4b6f-9e2d-8c5a1f0b3d6e"
)

// Stub collaborators keep the handler tests to HTTP semantics. The quote
// state machine has its own tests.
type stubRepo struct {
	endpoint     *quote.Endpoint
	storedQuote  *quote.Quote
	payment      *quote.Payment
	verification *quote.Verification
}

func (s *stubRepo) GetEndpoint(ctx context.Context, slug string) (*quote.Endpoint, error) {
	if s.endpoint != nil && s.endpoint.Slug == slug {
		return s.endpoint, nil
	}
	return nil, nil
}

func (s *stubRepo) CreateQuote(ctx context.Context, q *quote.Quote) error {
	s.storedQuote = q
	return nil
}

func (s *stubRepo) GetQuote(ctx context.Context, id string) (*quote.Quote, error) {
	if s.storedQuote != nil && s.storedQuote.ID == id {
		return s.storedQuote, nil
	}
	return nil, nil
}

func (s *stubRepo) Transition(ctx context.Context, id string, from []quote.Status, to quote.Status) error {
	if s.storedQuote != nil && s.storedQuote.ID == id {
		s.storedQuote.Status = to
	}
	return nil
}

func (s *stubRepo) GetPaymentByTx(ctx context.Context, tx string) (*quote.Payment, error) {
	if s.payment != nil && s.payment.Tx == tx {
		return s.payment, nil
	}
	return nil, nil
}

func (s *stubRepo) GetVerification(ctx context.Context, quoteID string) (*quote.Verification, error) {
	return s.verification, nil
}

func (s *stubRepo) Ping(ctx context.Context) error { return nil }

type stubVerdictClient struct {
	resp x402.VerificationResponse
	err  error
}

func (s *stubVerdictClient) Verify(ctx context.Context, req x402.VerificationRequest) (x402.VerificationResponse, error) {
	return s.resp, s.err
}

type stubReplayGuard struct {
	ok     bool
	holder string
}

func (s *stubReplayGuard) Consume(ctx context.Context, txHash, quoteID string) (bool, string, error) {
	if s.ok {
		return true, quoteID, nil
	}
	return false, s.holder, nil
}

type stubNonceStore struct{}

func (s *stubNonceStore) Put(ctx context.Context, nonce, quoteID string, ttl time.Duration) error {
	return nil
}

func testEndpoint() *quote.Endpoint {
	return &quote.Endpoint{
		Slug:            "route-quote",
		BasePriceCents:  150,
		TokenPreference: x402.TokenBNB,
		Treasury:        testTreasury,
		Active:          true,
	}
}

func newTestHandlers(t *testing.T, repo *stubRepo, verdict *stubVerdictClient, replay *stubReplayGuard) *handlers {
	t.Helper()

	priceFn, err := pricing.FixedRate("600")
	require.NoError(t, err)

	svc := quote.New(quote.Config{
		Network:           "bsc-testnet",
		QuoteTTL:          2 * time.Minute,
		FacilitatorURL:    "http://facilitator.local",
		FacilitatorSigner: "0x2222222222222222222222222222222222222222",
	}, repo, verdict, replay, &stubNonceStore{}, priceFn)

	log := logrus.New()
	log.SetOutput(io.Discard)

	return &handlers{svc: svc, db: repo, log: log}
}

func testRouter(h *handlers) http.Handler {
	r := chi.NewRouter()
	r.Get("/route-quote/{slug}", h.handleResource)
	r.Get("/healthz", h.handleHealthz)
	return r
}

func decodeError(t *testing.T, body *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var out errorBody
	require.NoError(t, json.NewDecoder(body.Body).Decode(&out))
	return out
}

func TestHandleResourceChallenge(t *testing.T) {
	t.Run("no payment header gets a 402 challenge", func(t *testing.T) {
		repo := &stubRepo{endpoint: testEndpoint()}
		h := newTestHandlers(t, repo, &stubVerdictClient{}, &stubReplayGuard{})

		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusPaymentRequired, w.Code)

		var ch x402.Challenge
		require.NoError(t, json.NewDecoder(w.Body).Decode(&ch))
		assert.Equal(t, x402.Standard, ch.Standard)
		assert.Equal(t, "1.50", ch.Price)
		assert.Equal(t, "USD", ch.Currency)
		assert.Equal(t, x402.TokenBNB, ch.PayToken)
		assert.NotEmpty(t, ch.AmountWei)
		assert.Equal(t, testTreasury, ch.Treasury)
		assert.NotEmpty(t, ch.QuoteID)
		assert.NotEmpty(t, ch.Nonce)
		assert.Regexp(t, `^sha256:[a-f0-9]{64}$`, ch.RequestHash)
		assert.Equal(t, "http://facilitator.local", ch.Facilitator.URL)
	})

	t.Run("request hash binds the header subset", func(t *testing.T) {
		repo := &stubRepo{endpoint: testEndpoint()}
		h := newTestHandlers(t, repo, &stubVerdictClient{}, &stubReplayGuard{})

		issue := func(accept string) x402.Challenge {
			req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
			req.Header.Set("Accept", accept)
			w := httptest.NewRecorder()
			testRouter(h).ServeHTTP(w, req)
			require.Equal(t, http.StatusPaymentRequired, w.Code)

			var ch x402.Challenge
			require.NoError(t, json.NewDecoder(w.Body).Decode(&ch))
			return ch
		}

		jsonCh := issue("application/json")
		textCh := issue("text/plain")
		assert.NotEqual(t, jsonCh.RequestHash, textCh.RequestHash)
		assert.Equal(t, jsonCh.RequestHash, issue("application/json").RequestHash)
	})

	t.Run("unknown endpoint is 404", func(t *testing.T) {
		h := newTestHandlers(t, &stubRepo{}, &stubVerdictClient{}, &stubReplayGuard{})

		req := httptest.NewRequest(http.MethodGet, "/route-quote/nope", nil)
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", decodeError(t, w).Error.Code)
	})
}

func TestHandleResourceRedeem(t *testing.T) {
	proofHeader := func(t *testing.T, quoteID string) string {
		t.Helper()
		b, err := json.Marshal(x402.PaymentProof{
			QuoteID:     quoteID,
			Tx:          testTx,
			Token:       x402.TokenBNB,
			AmountWei:   "2500000000000000",
			RequestHash: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		})
		require.NoError(t, err)
		return string(b)
	}

	pendingQuote := func() *quote.Quote {
		return &quote.Quote{
			ID:           testQuoteID,
			EndpointSlug: "route-quote",
			PayToken:     x402.TokenBNB,
			Treasury:     testTreasury,
			AmountCents:  150,
			AmountWei:    "2500000000000000",
			Status:       quote.StatusPending,
			CreatedAt:    time.Now(),
			ExpiresAt:    time.Now().Add(time.Minute),
		}
	}

	t.Run("paid verdict releases the resource", func(t *testing.T) {
		repo := &stubRepo{endpoint: testEndpoint(), storedQuote: pendingQuote()}
		verdict := &stubVerdictClient{
			resp: x402.VerificationResponse{
				QuoteID:   testQuoteID,
				Verdict:   x402.VerdictPaid,
				Signature: "0xsig",
				Signer:    "0x2222222222222222222222222222222222222222",
			},
		}
		h := newTestHandlers(t, repo, verdict, &stubReplayGuard{ok: true})

		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		req.Header.Set(paymentHeader, proofHeader(t, testQuoteID))
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Success bool `json:"success"`
			Data    struct {
				QuoteID string `json:"quoteId"`
			} `json:"data"`
			Attestation struct {
				Signature string `json:"signature"`
			} `json:"attestation"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.True(t, body.Success)
		assert.Equal(t, testQuoteID, body.Data.QuoteID)
		assert.Equal(t, "0xsig", body.Attestation.Signature)
	})

	t.Run("unpaid verdict is 402", func(t *testing.T) {
		repo := &stubRepo{endpoint: testEndpoint(), storedQuote: pendingQuote()}
		verdict := &stubVerdictClient{
			resp: x402.VerificationResponse{
				QuoteID: testQuoteID,
				Verdict: x402.VerdictUnpaid,
				Error:   "payment verification failed: insufficient amount or invalid recipient",
			},
		}
		h := newTestHandlers(t, repo, verdict, &stubReplayGuard{})

		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		req.Header.Set(paymentHeader, proofHeader(t, testQuoteID))
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, "PAYMENT_UNVERIFIED", decodeError(t, w).Error.Code)
	})

	t.Run("replayed payment is 402", func(t *testing.T) {
		repo := &stubRepo{endpoint: testEndpoint(), storedQuote: pendingQuote()}
		verdict := &stubVerdictClient{
			resp: x402.VerificationResponse{QuoteID: testQuoteID, Verdict: x402.VerdictPaid},
		}
		h := newTestHandlers(t, repo, verdict, &stubReplayGuard{ok: false, holder: "other-quote"})

		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		req.Header.Set(paymentHeader, proofHeader(t, testQuoteID))
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, "ALREADY_USED", decodeError(t, w).Error.Code)
	})

	t.Run("malformed header is 402", func(t *testing.T) {
		h := newTestHandlers(t, &stubRepo{endpoint: testEndpoint()}, &stubVerdictClient{}, &stubReplayGuard{})

		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		req.Header.Set(paymentHeader, "{not json")
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, "VERIFICATION_ERROR", decodeError(t, w).Error.Code)
	})

	t.Run("proof shape is validated", func(t *testing.T) {
		h := newTestHandlers(t, &stubRepo{endpoint: testEndpoint()}, &stubVerdictClient{}, &stubReplayGuard{})

		b, err := json.Marshal(x402.PaymentProof{
			QuoteID:     "not-a-uuid",
			Tx:          "0xshort",
			Token:       x402.TokenBNB,
			AmountWei:   "100",
			RequestHash: "sha256:e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		})
		require.NoError(t, err)

		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		req.Header.Set(paymentHeader, string(b))
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, "VERIFICATION_ERROR", decodeError(t, w).Error.Code)
	})

	t.Run("unknown quote is 404", func(t *testing.T) {
		h := newTestHandlers(t, &stubRepo{endpoint: testEndpoint()}, &stubVerdictClient{}, &stubReplayGuard{})

		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		req.Header.Set(paymentHeader, proofHeader(t, "00000000-0000-4000-8000-000000000000"))
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "NOT_FOUND", decodeError(t, w).Error.Code)
	})

	t.Run("quote for another endpoint is 404", func(t *testing.T) {
		q := pendingQuote()
		q.EndpointSlug = "other-endpoint"
		repo := &stubRepo{endpoint: testEndpoint(), storedQuote: q}
		verdict := &stubVerdictClient{
			resp: x402.VerificationResponse{QuoteID: testQuoteID, Verdict: x402.VerdictPaid},
		}
		h := newTestHandlers(t, repo, verdict, &stubReplayGuard{ok: true})

		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		req.Header.Set(paymentHeader, proofHeader(t, testQuoteID))
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		require.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRateLimitMiddleware(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	h := newTestHandlers(t, &stubRepo{endpoint: testEndpoint()}, &stubVerdictClient{}, &stubReplayGuard{})
	h.limiter = ratelimit.New(client, time.Minute, 2)

	r := chi.NewRouter()
	r.Use(h.rateLimitMiddleware)
	r.Get("/route-quote/{slug}", h.handleResource)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
		req.RemoteAddr = "1.2.3.4:5678"
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		require.Equal(t, http.StatusPaymentRequired, w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/route-quote/route-quote", nil)
	req.RemoteAddr = "1.2.3.4:5678"
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decodeError(t, w).Error.Code)
}

func TestClientIP(t *testing.T) {
	var tests = []struct {
		name       string
		remoteAddr string
		forwarded  string
		expected   string
	}{
		{"remote addr with port", "1.2.3.4:5678", "", "1.2.3.4"},
		{"forwarded header wins", "1.2.3.4:5678", "9.8.7.6", "9.8.7.6"},
		{"bare addr", "1.2.3.4", "", "1.2.3.4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			assert.Equal(t, tt.expected, clientIP(req))
		})
	}
}

func TestHandleHealthz(t *testing.T) {
	mr := miniredis.RunT(t)
	h := newTestHandlers(t, &stubRepo{}, &stubVerdictClient{}, &stubReplayGuard{})
	h.rdb = redis.NewClient(&redis.Options{Addr: mr.Addr()})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	testRouter(h).ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	t.Run("redis down", func(t *testing.T) {
		mr.Close()

		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		w := httptest.NewRecorder()
		testRouter(h).ServeHTTP(w, req)

		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}
