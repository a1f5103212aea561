// Package wallet abstracts the external value-transfer node. The
// orchestrator is written against the Gateway interface only; one
// implementation exists per supported backend.
package wallet

import (
	"context"
	"errors"

	"github.com/btcsuite/btcutil"
)

var (
	// ErrUnavailable wraps transport failures reaching the node. Polling
	// callers treat it as balance-zero; one-shot callers surface it.
	ErrUnavailable = errors.New("wallet: gateway unavailable")

	// ErrRejected wraps requests the node refused.
	ErrRejected = errors.New("wallet: gateway rejected request")
)

// Output is one spendable output held by a deposit address.
type Output struct {
	TxID   string         `json:"txid"`
	Vout   uint32         `json:"vout"`
	Amount btcutil.Amount `json:"amount"`
}

// Gateway is the narrow command surface the orchestrator needs from the
// value network. All calls are synchronous and may be slow or fail; none
// are retried here.
type Gateway interface {
	// NewAddress issues a fresh deposit address together with the custodial
	// key able to spend from it. The key is sensitive material.
	NewAddress(ctx context.Context) (address, custodialKey string, err error)

	// ReceivedBalance reports the total received by the address at the
	// given confirmation depth.
	ReceivedBalance(ctx context.Context, address string, minConfirmations int) (btcutil.Amount, error)

	// SpendableOutputs lists confirmed outputs spendable from the address.
	SpendableOutputs(ctx context.Context, address string) ([]Output, error)

	// BuildSignedTransaction constructs and signs a transaction paying the
	// full amount to destination, returning the signed serialization in
	// hex. It does not broadcast: the caller measures the signed size to
	// derive the fee and rebuilds with the adjusted payout.
	BuildSignedTransaction(ctx context.Context, outputs []Output, destination string, amount btcutil.Amount, custodialKey string) (signedHex string, err error)

	// Broadcast submits a signed transaction and returns its id.
	Broadcast(ctx context.Context, signedHex string) (txid string, err error)
}

// SumOutputs totals the spendable amount across outputs.
func SumOutputs(outputs []Output) btcutil.Amount {
	var total btcutil.Amount
	for _, out := range outputs {
		total += out.Amount
	}
	return total
}
