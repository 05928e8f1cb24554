package negentropy

import "bytes"

// IDSize is the full length, in bytes, of a Nostr event id. Bounds may
// carry any prefix length from 0 up to IDSize; the reconciler picks the
// shortest prefix that still uniquely separates a bound from its neighbors.
const IDSize = 32

// infinityTimestamp is the internal sentinel for Bound.max's timestamp. It
// never appears in a stored Item and is never written to the wire as
// itself — the wire encodes "infinity" as a zero varint delta.
const infinityTimestamp = ^uint64(0)

// Bound is a (timestamp, id-prefix) pair demarcating one edge of a
// reconciliation range. Bounds order the reconciliation space independently
// of the full 32-byte item ids Storage holds.
type Bound struct {
	Timestamp uint64
	IDPrefix  []byte
}

// MinBound sorts before every real bound.
func MinBound() Bound {
	return Bound{Timestamp: 0, IDPrefix: nil}
}

// MaxBound sorts after every real bound.
func MaxBound() Bound {
	return Bound{Timestamp: infinityTimestamp, IDPrefix: nil}
}

// IsInfinite reports whether b is (or compares equal to) MaxBound.
func (b Bound) IsInfinite() bool {
	return b.Timestamp == infinityTimestamp
}

// Compare orders bounds by (timestamp, id-prefix), with a shorter prefix
// that is a prefix of a longer one sorting first.
func (b Bound) Compare(other Bound) int {
	if b.Timestamp != other.Timestamp {
		if b.Timestamp < other.Timestamp {
			return -1
		}
		return 1
	}
	return bytes.Compare(b.IDPrefix, other.IDPrefix)
}

// EncodeBound appends b to dst using prevTimestamp (the previously encoded
// bound's absolute timestamp on this wire) as the delta base, and returns
// the extended slice plus the new running previous timestamp.
func EncodeBound(dst []byte, b Bound, prevTimestamp uint64) ([]byte, uint64) {
	if b.IsInfinite() {
		dst = EncodeVarint(dst, 0)
		dst = EncodeVarint(dst, 0)
		return dst, prevTimestamp
	}

	delta := b.Timestamp - prevTimestamp
	dst = EncodeVarint(dst, delta+1)
	dst = EncodeVarint(dst, uint64(len(b.IDPrefix)))
	dst = append(dst, b.IDPrefix...)
	return dst, b.Timestamp
}

// DecodeBound reads one Bound from the front of buf, restoring its absolute
// timestamp from prevTimestamp. It returns the bound, the new running
// previous timestamp, and the number of bytes consumed.
func DecodeBound(buf []byte, prevTimestamp uint64) (Bound, uint64, int, error) {
	delta, n, err := DecodeVarint(buf)
	if err != nil {
		return Bound{}, 0, 0, err
	}
	consumed := n

	var ts uint64
	newPrev := prevTimestamp
	if delta == 0 {
		ts = infinityTimestamp
	} else {
		ts = prevTimestamp + (delta - 1)
		newPrev = ts
	}

	idLen, n, err := DecodeVarint(buf[consumed:])
	if err != nil {
		return Bound{}, 0, 0, err
	}
	consumed += n

	if idLen > IDSize {
		return Bound{}, 0, 0, ErrBadMessage
	}
	if consumed+int(idLen) > len(buf) {
		return Bound{}, 0, 0, ErrBadMessage
	}

	var prefix []byte
	if idLen > 0 {
		prefix = append([]byte(nil), buf[consumed:consumed+int(idLen)]...)
	}
	consumed += int(idLen)

	return Bound{Timestamp: ts, IDPrefix: prefix}, newPrev, consumed, nil
}

// EncodedSize returns the number of bytes EncodeBound would append for b
// given prevTimestamp, without actually encoding it. Used by the reconciler
// to estimate a range's contribution to the frame budget before committing
// to it.
func EncodedSize(b Bound, prevTimestamp uint64) int {
	size := 0
	if b.IsInfinite() {
		size += varintSize(0)
		size += varintSize(0)
		return size
	}
	delta := b.Timestamp - prevTimestamp
	size += varintSize(delta + 1)
	size += varintSize(uint64(len(b.IDPrefix)))
	size += len(b.IDPrefix)
	return size
}

func varintSize(x uint64) int {
	n := 1
	for x >= 0x80 {
		x >>= 7
		n++
	}
	return n
}
