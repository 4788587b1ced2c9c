// Package x402 defines the wire contract of the pay-per-request protocol:
// the 402 challenge the merchant issues, the payment proof the client
// presents, and the verification exchange between merchant and facilitator.
package x402

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Standard is the value of the "standard" field on every challenge.
const Standard = "x402"

// PayToken identifies the asset a quote is payable in. BNB is the chain's
// native coin; the rest are ERC-20 contracts.
type PayToken string

const (
	TokenBNB  PayToken = "BNB"
	TokenBUSD PayToken = "BUSD"
	TokenUSDT PayToken = "USDT"
	TokenGTX  PayToken = "GTX"
)

// Native reports whether the token is paid by direct value transfer rather
// than a contract call.
func (t PayToken) Native() bool { return t == TokenBNB }

var payTokens = []interface{}{TokenBNB, TokenBUSD, TokenUSDT, TokenGTX}

// Challenge is the 402 response body offering a priced, time-boxed quote.
type Challenge struct {
	Standard    string          `json:"standard"`
	Price       string          `json:"price"`
	Currency    string          `json:"currency"`
	Network     string          `json:"network"`
	PayToken    PayToken        `json:"payToken"`
	AmountWei   string          `json:"amountWei"`
	Treasury    string          `json:"treasury"`
	QuoteID     string          `json:"quoteId"`
	Nonce       string          `json:"nonce"`
	ExpiresAt   string          `json:"expiresAt"`
	Facilitator FacilitatorInfo `json:"facilitator"`
	RequestHash string          `json:"requestHash"`
}

// FacilitatorInfo tells the client where verdicts come from and which
// address they will be signed by.
type FacilitatorInfo struct {
	URL    string `json:"url"`
	Signer string `json:"signer"`
}

// PaymentProof is the X-PAYMENT header payload a client presents after
// paying on-chain.
type PaymentProof struct {
	QuoteID     string   `json:"quoteId"`
	Tx          string   `json:"tx"`
	Token       PayToken `json:"token"`
	AmountWei   string   `json:"amountWei"`
	RequestHash string   `json:"requestHash"`
}

var (
	txHashPattern      = regexp.MustCompile(`^0x[a-fA-F0-9]{64}$`)
	requestHashPattern = regexp.MustCompile(`^sha256:[a-f0-9]{64}$`)
	addressPattern     = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
)

// Validate checks the proof's shape. The claimed amount is only a hint; the
// facilitator resolves the authoritative amount from the quote record.
func (p PaymentProof) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.QuoteID, validation.Required, is.UUIDv4),
		validation.Field(&p.Tx, validation.Required, validation.Match(txHashPattern)),
		validation.Field(&p.Token, validation.Required, validation.In(payTokens...)),
		validation.Field(&p.AmountWei, validation.Required, is.Digit),
		validation.Field(&p.RequestHash, validation.Required, validation.Match(requestHashPattern)),
	)
}

// VerificationRequest is the facilitator /verify request body. Field order
// matters: the verdict signature covers the canonical serialization of
// exactly these fields in exactly this order.
type VerificationRequest struct {
	QuoteID     string   `json:"quoteId"`
	Tx          string   `json:"tx"`
	Token       PayToken `json:"token"`
	AmountWei   string   `json:"amountWei"`
	RequestHash string   `json:"requestHash"`
}

func (r VerificationRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.QuoteID, validation.Required, is.UUIDv4),
		validation.Field(&r.Tx, validation.Required, validation.Match(txHashPattern)),
		validation.Field(&r.Token, validation.Required, validation.In(payTokens...)),
		validation.Field(&r.AmountWei, validation.Required, is.Digit),
		validation.Field(&r.RequestHash, validation.Required, validation.Match(requestHashPattern)),
	)
}

// Verdict is the facilitator's determination. Unpaid is a successful
// determination with a negative outcome, not an error.
type Verdict string

const (
	VerdictPaid   Verdict = "paid"
	VerdictUnpaid Verdict = "unpaid"
)

// VerificationResponse is the facilitator /verify response body.
type VerificationResponse struct {
	QuoteID   string  `json:"quoteId"`
	Verdict   Verdict `json:"verdict"`
	Signature string  `json:"signature,omitempty"`
	Signer    string  `json:"signer,omitempty"`
	ExpiresAt string  `json:"expiresAt,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// ValidAddress reports whether s looks like a 0x-prefixed EVM address.
func ValidAddress(s string) bool { return addressPattern.MatchString(s) }

// HashRequest digests canonical request material into the form carried by
// challenges and proofs.
func HashRequest(data string) string {
	sum := sha256.Sum256([]byte(data))
	return "sha256:" + hex.EncodeToString(sum[:])
}

// GenerateNonce returns a 32-character random hex token.
func GenerateNonce() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}
