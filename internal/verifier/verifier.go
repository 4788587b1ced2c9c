// Package verifier decides whether an on-chain transaction paid at least a
// required amount to a treasury address. Two paths: native coin transfers
// read the transaction itself, token transfers aggregate Transfer event
// logs from the receipt. Both fail closed when chain data is absent.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/tollgatehq/tollgate/internal/resilient"
)

// ChainReader is the slice of the RPC surface the verifier needs. ethclient
// satisfies it.
type ChainReader interface {
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Result is the outcome of a verification read. Success=false with a nil
// error is the common "payment not yet observed" case and is distinct from
// an operational failure.
type Result struct {
	Success     bool
	Amount      *big.Int
	Payer       string
	BlockNumber uint64
}

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

type Verifier struct {
	reader ChainReader
	inv    *resilient.Invoker
	target string
}

// New wraps reader with inv; target names the upstream in operational
// errors.
func New(reader ChainReader, inv *resilient.Invoker, target string) *Verifier {
	return &Verifier{reader: reader, inv: inv, target: target}
}

// VerifyNative checks a direct value transfer: the transaction's recipient
// must equal treasury (case-insensitively) and its value must reach
// minAmount. The payer is the transaction sender.
func (v *Verifier) VerifyNative(ctx context.Context, txHash, treasury string, minAmount *big.Int) (Result, error) {
	hash := common.HexToHash(txHash)

	receipt, err := v.receipt(ctx, hash)
	if err != nil {
		return Result{}, err
	}
	if receipt == nil {
		return notObserved(), nil
	}

	tx, err := resilient.Invoke(ctx, v.inv, func(ctx context.Context) (*types.Transaction, error) {
		tx, pending, err := v.reader.TransactionByHash(ctx, hash)
		if err != nil {
			return nil, err
		}
		if pending {
			return nil, ethereum.NotFound
		}
		return tx, nil
	})
	if errors.Is(err, ethereum.NotFound) {
		return notObserved(), nil
	}
	if err != nil {
		return Result{}, &resilient.Unavailable{Target: v.target, Err: err}
	}
	if tx.To() == nil {
		return notObserved(), nil
	}

	if !strings.EqualFold(tx.To().Hex(), treasury) {
		return Result{Success: false, Amount: new(big.Int), BlockNumber: receipt.BlockNumber.Uint64()}, nil
	}

	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return Result{}, fmt.Errorf("recover sender of %s: %w", txHash, err)
	}

	amount := tx.Value()
	return Result{
		Success:     amount.Cmp(minAmount) >= 0,
		Amount:      amount,
		Payer:       from.Hex(),
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// VerifyToken checks a fungible-token payment by summing the value of every
// Transfer log the token contract emitted whose recipient is the treasury.
// A single transaction may carry several qualifying transfers
// (fee-on-transfer tokens), so matches aggregate rather than
// short-circuit. Logs that are not Transfer events are skipped, not errors.
func (v *Verifier) VerifyToken(ctx context.Context, txHash, tokenAddr, treasury string, minAmount *big.Int) (Result, error) {
	receipt, err := v.receipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return Result{}, err
	}
	if receipt == nil {
		return notObserved(), nil
	}

	total := new(big.Int)
	var payer string
	for _, log := range receipt.Logs {
		from, to, value, ok := parseTransfer(log)
		if !ok {
			continue
		}
		if strings.EqualFold(log.Address.Hex(), tokenAddr) && strings.EqualFold(to.Hex(), treasury) {
			total.Add(total, value)
			payer = from.Hex()
		}
	}

	return Result{
		Success:     total.Cmp(minAmount) >= 0 && payer != "",
		Amount:      total,
		Payer:       payer,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

// receipt fetches the receipt through the invoker. A missing receipt maps
// to (nil, nil): not yet mined is a verdict input, not a failure.
func (v *Verifier) receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	receipt, err := resilient.Invoke(ctx, v.inv, func(ctx context.Context) (*types.Receipt, error) {
		return v.reader.TransactionReceipt(ctx, hash)
	})
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &resilient.Unavailable{Target: v.target, Err: err}
	}
	return receipt, nil
}

func parseTransfer(log *types.Log) (from, to common.Address, value *big.Int, ok bool) {
	if len(log.Topics) != 3 || log.Topics[0] != transferTopic || len(log.Data) != 32 {
		return common.Address{}, common.Address{}, nil, false
	}
	from = common.BytesToAddress(log.Topics[1].Bytes())
	to = common.BytesToAddress(log.Topics[2].Bytes())
	value = new(big.Int).SetBytes(log.Data)
	return from, to, value, true
}

func notObserved() Result {
	return Result{Success: false, Amount: new(big.Int)}
}
