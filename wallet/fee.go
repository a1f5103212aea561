package wallet

import "github.com/btcsuite/btcutil"

// DefaultFeeRatePerKB is the fixed fee rate applied to releases:
// 0.0001 coins per 1000 bytes of signed transaction.
const DefaultFeeRatePerKB = btcutil.Amount(10_000)

// SignedSize returns the byte size of a hex-serialized signed transaction.
func SignedSize(signedHex string) int {
	return len(signedHex) / 2
}

// FeeForSize computes the network fee for a signed transaction of the given
// size at the given per-KB rate. The arithmetic stays in base units: a
// 226-byte transaction at 0.0001/KB costs exactly 0.0000226 with no float
// drift.
func FeeForSize(ratePerKB btcutil.Amount, sizeBytes int) btcutil.Amount {
	if sizeBytes <= 0 || ratePerKB <= 0 {
		return 0
	}
	return btcutil.Amount(int64(ratePerKB) * int64(sizeBytes) / 1000)
}
