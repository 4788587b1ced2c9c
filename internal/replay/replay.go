// Package replay keeps a short-lived ledger of redeemed transaction hashes
// so a single on-chain payment cannot be consumed twice. Entries expire;
// the durable uniqueness constraint on the payment table remains the source
// of truth once they do.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	replayPrefix = "payment:replay:"
	noncePrefix  = "nonce:"

	// DefaultTTL bounds how long a consumed tx hash stays marked.
	DefaultTTL = 24 * time.Hour
)

type Guard struct {
	client redis.UniversalClient
	ttl    time.Duration
}

func New(client redis.UniversalClient, ttl time.Duration) *Guard {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Guard{client: client, ttl: ttl}
}

// Consume atomically claims txHash for quoteID. The claim is a single
// set-if-not-present so concurrent redeems of the same hash cannot both
// win. Returns ok=true when this call claimed the hash; otherwise holder is
// the quote that already did, letting callers treat a repeat redeem by the
// same quote as idempotent rather than as a replay.
func (g *Guard) Consume(ctx context.Context, txHash, quoteID string) (ok bool, holder string, err error) {
	key := replayPrefix + txHash

	ok, err = g.client.SetNX(ctx, key, quoteID, g.ttl).Result()
	if err != nil {
		return false, "", fmt.Errorf("replay setnx %s: %w", txHash, err)
	}
	if ok {
		return true, quoteID, nil
	}

	holder, err = g.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		// Entry expired between SetNX and Get; claim again.
		return g.Consume(ctx, txHash, quoteID)
	}
	if err != nil {
		return false, "", fmt.Errorf("replay get %s: %w", txHash, err)
	}
	return false, holder, nil
}

// Seen reports whether txHash is currently marked as redeemed.
func (g *Guard) Seen(ctx context.Context, txHash string) (bool, error) {
	n, err := g.client.Exists(ctx, replayPrefix+txHash).Result()
	if err != nil {
		return false, fmt.Errorf("replay exists %s: %w", txHash, err)
	}
	return n > 0, nil
}

// NonceStore binds issued nonces to their quote for the quote's lifetime.
type NonceStore struct {
	client redis.UniversalClient
}

func NewNonceStore(client redis.UniversalClient) *NonceStore {
	return &NonceStore{client: client}
}

func (s *NonceStore) Put(ctx context.Context, nonce, quoteID string, ttl time.Duration) error {
	if err := s.client.Set(ctx, noncePrefix+nonce, quoteID, ttl).Err(); err != nil {
		return fmt.Errorf("nonce set: %w", err)
	}
	return nil
}

// Get returns the quote a nonce was issued for, or "" when unknown or
// expired.
func (s *NonceStore) Get(ctx context.Context, nonce string) (string, error) {
	quoteID, err := s.client.Get(ctx, noncePrefix+nonce).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("nonce get: %w", err)
	}
	return quoteID, nil
}
