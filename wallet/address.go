package wallet

import (
	"errors"
	"strings"
)

// The three accepted destination encodings map to fixed serialized lengths
// on the target network: legacy pay-to-pubkey-hash, script-hash, and
// bech32 segwit.
var destinationLengths = map[int]struct{}{
	34: {},
	43: {},
	63: {},
}

// ErrBadDestination rejects payout addresses outside the accepted classes.
var ErrBadDestination = errors.New("wallet: destination address not in an accepted format")

// ValidateDestination checks a recipient-supplied payout address against
// the accepted length classes. It runs before any gateway call so malformed
// input never reaches the node.
func ValidateDestination(address string) error {
	trimmed := strings.TrimSpace(address)
	if trimmed != address || trimmed == "" {
		return ErrBadDestination
	}
	if strings.ContainsAny(trimmed, " \t\r\n") {
		return ErrBadDestination
	}
	if _, ok := destinationLengths[len(trimmed)]; !ok {
		return ErrBadDestination
	}
	return nil
}
