package negentropy

import (
	"crypto/sha256"
	"crypto/subtle"
	"math/big"
)

// FingerprintSize is the length, in bytes, of a Fingerprint.
const FingerprintSize = 16

// Fingerprint is the order-independent 16-byte digest of a set of item ids.
type Fingerprint [FingerprintSize]byte

// Match reports whether two fingerprints are equal. Constant-time: both
// buffers are fixed 16 bytes, so there is no early exit to be had anyway.
func (f Fingerprint) Match(other Fingerprint) bool {
	return subtle.ConstantTimeCompare(f[:], other[:]) == 1
}

var modulus = new(big.Int).Lsh(big.NewInt(1), 256)

// accumulator is the running (Σ ids) mod 2^256 that backs a Fingerprint
// before it is hashed and truncated. Addition of ids is commutative, so the
// accumulator for a range can be computed in any item order, which is what
// makes the fingerprint itself order-independent.
type accumulator struct {
	sum *big.Int
}

func newAccumulator() *accumulator {
	return &accumulator{sum: new(big.Int)}
}

// add folds one item id into the accumulator.
func (a *accumulator) add(id [IDSize]byte) {
	n := new(big.Int).SetBytes(id[:])
	a.sum.Add(a.sum, n)
	a.sum.Mod(a.sum, modulus)
}

// combine folds another accumulator's sum into this one, giving the
// accumulator of two adjacent sub-ranges taken together.
func (a *accumulator) combine(other *accumulator) {
	a.sum.Add(a.sum, other.sum)
	a.sum.Mod(a.sum, modulus)
}

// subtract removes another accumulator's sum, the inverse of combine.
// Storage.Fingerprint does the same arithmetic directly on its prefix-sum
// table rather than through this method.
func (a *accumulator) subtract(other *accumulator) {
	a.sum.Sub(a.sum, other.sum)
	a.sum.Mod(a.sum, modulus)
	if a.sum.Sign() < 0 {
		a.sum.Add(a.sum, modulus)
	}
}

// bytes32 renders the accumulator as a fixed 32-byte big-endian buffer,
// zero-padded on the left.
func (a *accumulator) bytes32() [32]byte {
	var out [32]byte
	b := a.sum.Bytes()
	copy(out[32-len(b):], b)
	return out
}

// fingerprintOf hashes an accumulator and an item count down to a
// Fingerprint: SHA256(accumulator ∥ varint(count)) truncated to 16 bytes.
func fingerprintOf(acc *accumulator, count int) Fingerprint {
	buf := acc.bytes32()
	payload := make([]byte, 0, 32+5)
	payload = append(payload, buf[:]...)
	payload = EncodeVarint(payload, uint64(count))

	digest := sha256.Sum256(payload)
	var fp Fingerprint
	copy(fp[:], digest[:FingerprintSize])
	return fp
}
