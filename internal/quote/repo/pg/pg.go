// Package pg is the durable store for quotes, verifications, payments and
// the endpoint catalog. Status transitions are compare-and-set updates, and
// settlement applies its three writes in one transaction.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/tollgatehq/tollgate/internal/quote"
)

func New(dbConnStr string) (*Repo, error) {
	db, err := sqlx.Connect("postgres", dbConnStr)
	if err != nil {
		return nil, fmt.Errorf("sqlx.Connect: %w", err)
	}

	// sqlx default is 0 (unlimited), while postgresql by default accepts up to 100 connections
	db.SetMaxOpenConns(80)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("db.Exec schema: %w", err)
	}

	return &Repo{db: db}, nil
}

// NewWithDB wraps an existing connection, used by tests.
func NewWithDB(db *sqlx.DB) *Repo {
	return &Repo{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS endpoint (
	slug TEXT PRIMARY KEY,
	base_price_cents BIGINT NOT NULL,
	token_preference TEXT NOT NULL,
	treasury TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS quote (
	id UUID PRIMARY KEY,
	endpoint_slug TEXT NOT NULL REFERENCES endpoint(slug),
	nonce TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	pay_token TEXT NOT NULL,
	treasury TEXT NOT NULL,
	amount_cents BIGINT NOT NULL,
	amount_wei TEXT NOT NULL,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS verification (
	quote_id UUID PRIMARY KEY REFERENCES quote(id),
	verdict TEXT NOT NULL,
	signature TEXT NOT NULL,
	signer TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS payment (
	tx TEXT PRIMARY KEY,
	quote_id UUID NOT NULL,
	payer TEXT NOT NULL DEFAULT '',
	token TEXT NOT NULL,
	amount_wei TEXT NOT NULL,
	block_number BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quote_status ON quote(status);
CREATE INDEX IF NOT EXISTS idx_payment_quote ON payment(quote_id);
`

type Repo struct {
	db *sqlx.DB
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) Ping(ctx context.Context) error { return r.db.PingContext(ctx) }

func (r *Repo) UpsertEndpoint(ctx context.Context, e quote.Endpoint) error {
	const query = `INSERT INTO endpoint (slug, base_price_cents, token_preference, treasury, active)
VALUES (:slug, :base_price_cents, :token_preference, :treasury, :active)
ON CONFLICT (slug) DO UPDATE SET
	base_price_cents = EXCLUDED.base_price_cents,
	token_preference = EXCLUDED.token_preference,
	treasury = EXCLUDED.treasury,
	active = EXCLUDED.active;`

	if _, err := r.db.NamedExecContext(ctx, query, e); err != nil {
		return fmt.Errorf("db.Exec upsert endpoint: %w", err)
	}
	return nil
}

func (r *Repo) GetEndpoint(ctx context.Context, slug string) (*quote.Endpoint, error) {
	const query = `SELECT * FROM endpoint WHERE slug=$1;`

	var e quote.Endpoint
	if err := r.db.GetContext(ctx, &e, query, slug); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.Get endpoint: %w", err)
	}
	return &e, nil
}

// CreateQuote inserts a new PENDING quote. The primary key guards against
// id collisions; a duplicate insert fails instead of overwriting.
func (r *Repo) CreateQuote(ctx context.Context, q *quote.Quote) error {
	const query = `INSERT INTO quote (id, endpoint_slug, nonce, request_hash, pay_token, treasury, amount_cents, amount_wei, status, created_at, expires_at)
VALUES (:id, :endpoint_slug, :nonce, :request_hash, :pay_token, :treasury, :amount_cents, :amount_wei, :status, :created_at, :expires_at);`

	if _, err := r.db.NamedExecContext(ctx, query, q); err != nil {
		return fmt.Errorf("db.Exec create quote: %w", err)
	}
	return nil
}

func (r *Repo) GetQuote(ctx context.Context, id string) (*quote.Quote, error) {
	const query = `SELECT * FROM quote WHERE id=$1;`

	var q quote.Quote
	if err := r.db.GetContext(ctx, &q, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.Get quote: %w", err)
	}
	return &q, nil
}

// Transition moves a quote to its next status iff the current status is in
// from. A zero-row update means a concurrent writer got there first and
// surfaces as quote.ErrConflict.
func (r *Repo) Transition(ctx context.Context, id string, from []quote.Status, to quote.Status) error {
	const query = `UPDATE quote SET status=$2 WHERE id=$1 AND status = ANY($3);`

	statuses := make([]string, len(from))
	for i, s := range from {
		statuses[i] = string(s)
	}

	res, err := r.db.ExecContext(ctx, query, id, to, pq.Array(statuses))
	if err != nil {
		return fmt.Errorf("db.Exec transition quote: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition rows affected: %w", err)
	}
	if n == 0 {
		return quote.ErrConflict
	}
	return nil
}

// The conflict clause never touches quote_id: the first settlement owns the
// row for good, and repeat verifications of the same tx only refresh the
// chain-observed fields.
const upsertPaymentQuery = `INSERT INTO payment (tx, quote_id, payer, token, amount_wei, block_number, status)
VALUES (:tx, :quote_id, :payer, :token, :amount_wei, :block_number, :status)
ON CONFLICT (tx) DO UPDATE SET
	block_number = EXCLUDED.block_number,
	status = EXCLUDED.status;`

func (r *Repo) GetPaymentByTx(ctx context.Context, tx string) (*quote.Payment, error) {
	const query = `SELECT * FROM payment WHERE tx=$1;`

	var p quote.Payment
	if err := r.db.GetContext(ctx, &p, query, tx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.Get payment: %w", err)
	}
	return &p, nil
}

func (r *Repo) GetVerification(ctx context.Context, quoteID string) (*quote.Verification, error) {
	const query = `SELECT * FROM verification WHERE quote_id=$1;`

	var v quote.Verification
	if err := r.db.GetContext(ctx, &v, query, quoteID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("db.Get verification: %w", err)
	}
	return &v, nil
}

// Settle applies the PAID flip, the verification insert and the payment
// upsert as one atomic unit: all three effects become visible or none do.
// The status flip is the compare-and-set; losing it rolls the transaction
// back with quote.ErrConflict. A payment row already settled for another
// quote rolls back with quote.ErrPaymentReplayed, keeping the tx primary
// key the durable replay backstop after the redis guard expires.
func (r *Repo) Settle(ctx context.Context, quoteID string, v quote.Verification, p quote.Payment) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin settle: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var existing quote.Payment
	if err := tx.GetContext(ctx, &existing, `SELECT * FROM payment WHERE tx=$1 FOR UPDATE;`, p.Tx); err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("db.Get settle payment: %w", err)
		}
	} else if existing.QuoteID != quoteID {
		return quote.ErrPaymentReplayed
	}

	res, err := tx.ExecContext(ctx, `UPDATE quote SET status=$2 WHERE id=$1 AND status=$3;`,
		quoteID, quote.StatusPaid, quote.StatusPending)
	if err != nil {
		return fmt.Errorf("db.Exec settle transition: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("settle rows affected: %w", err)
	}
	if n == 0 {
		return quote.ErrConflict
	}

	const insertVerification = `INSERT INTO verification (quote_id, verdict, signature, signer, created_at, expires_at)
VALUES (:quote_id, :verdict, :signature, :signer, :created_at, :expires_at);`
	if _, err := tx.NamedExecContext(ctx, insertVerification, v); err != nil {
		return fmt.Errorf("db.Exec insert verification: %w", err)
	}

	if _, err := tx.NamedExecContext(ctx, upsertPaymentQuery, p); err != nil {
		return fmt.Errorf("db.Exec settle payment: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settle: %w", err)
	}
	return nil
}
