package crypto

import "math/big"

// BigIntToArray serialises a non-negative integer below 2^512 into the
// fixed 64-byte big-endian form identity-key material travels in.
func BigIntToArray(i *big.Int) [64]byte {
	var out [64]byte
	i.FillBytes(out[:])
	return out
}

// ArrayToBigInt is the inverse of BigIntToArray.
func ArrayToBigInt(a [64]byte) *big.Int {
	return new(big.Int).SetBytes(a[:])
}
