package negentropy

import (
	"context"
	"fmt"
	"math/big"
	"sort"
)

// Item is one (id, timestamp) pair held by Storage.
type Item struct {
	ID        [IDSize]byte
	Timestamp uint32
}

func itemBound(it Item) Bound {
	return Bound{Timestamp: uint64(it.Timestamp), IDPrefix: it.ID[:]}
}

// compareItems orders items by (timestamp, id), matching Bound's ordering.
func compareItems(a, b Item) int {
	return itemBound(a).Compare(itemBound(b))
}

// Storage is a sorted, append-then-seal view of (timestamp, id) pairs used
// as the reconciler's operand. It is built fresh per reconciliation from an
// event-store scan; once sealed it is safe for concurrent range queries.
type Storage struct {
	items  []Item
	sealed bool
	prefix []*big.Int // prefix[i] = (Σ items[0:i].ID) mod 2^256
}

// NewStorage returns an empty, unsealed Storage ready to receive items via
// Add.
func NewStorage() *Storage {
	return &Storage{}
}

// Add appends an item. It is only valid before Seal; once sealed, Add
// returns ErrStorageSealed.
func (s *Storage) Add(item Item) error {
	if s.sealed {
		return ErrStorageSealed
	}
	s.items = append(s.items, item)
	return nil
}

// Seal sorts the accumulated items by (timestamp, id) and freezes the
// storage. It is a one-way transition: Add after Seal fails.
func (s *Storage) Seal() {
	if s.sealed {
		return
	}
	sort.Slice(s.items, func(i, j int) bool {
		return compareItems(s.items[i], s.items[j]) < 0
	})

	s.prefix = make([]*big.Int, len(s.items)+1)
	s.prefix[0] = new(big.Int)
	for i, it := range s.items {
		n := new(big.Int).SetBytes(it.ID[:])
		sum := new(big.Int).Add(s.prefix[i], n)
		sum.Mod(sum, modulus)
		s.prefix[i+1] = sum
	}
	s.sealed = true
}

// Sealed reports whether Seal has been called.
func (s *Storage) Sealed() bool {
	return s.sealed
}

// Size returns the number of items.
func (s *Storage) Size() int {
	return len(s.items)
}

// Empty reports whether Storage holds no items.
func (s *Storage) Empty() bool {
	return len(s.items) == 0
}

// indexOf returns the index of the first item whose bound is >= b (a
// standard lower_bound binary search), requiring the storage be sealed.
func (s *Storage) indexOf(b Bound) (int, error) {
	if !s.sealed {
		return 0, ErrStorageNotSealed
	}
	idx := sort.Search(len(s.items), func(i int) bool {
		return itemBound(s.items[i]).Compare(b) >= 0
	})
	return idx, nil
}

// bounds resolves the half-open index range [lo, hi) covering [lower, upper).
func (s *Storage) bounds(lower, upper Bound) (int, int, error) {
	lo, err := s.indexOf(lower)
	if err != nil {
		return 0, 0, err
	}
	hi, err := s.indexOf(upper)
	if err != nil {
		return 0, 0, err
	}
	return lo, hi, nil
}

// Range returns the items in [lower, upper).
func (s *Storage) Range(lower, upper Bound) ([]Item, error) {
	lo, hi, err := s.bounds(lower, upper)
	if err != nil {
		return nil, err
	}
	return s.items[lo:hi], nil
}

// CountInRange returns the number of items in [lower, upper).
func (s *Storage) CountInRange(lower, upper Bound) (int, error) {
	lo, hi, err := s.bounds(lower, upper)
	if err != nil {
		return 0, err
	}
	return hi - lo, nil
}

// Midpoint returns a bound strictly between two consecutive items at the
// median index of [lower, upper), so the range can be subdivided into two
// halves of roughly equal item count. It requires at least two items in
// the range.
func (s *Storage) Midpoint(lower, upper Bound) (Bound, error) {
	lo, hi, err := s.bounds(lower, upper)
	if err != nil {
		return Bound{}, err
	}
	if hi-lo < 2 {
		return Bound{}, fmt.Errorf("negentropy: midpoint requires at least 2 items, got %d", hi-lo)
	}
	mid := lo + (hi-lo)/2
	if mid <= lo {
		mid = lo + 1
	}
	return minimalBound(s.items[mid-1], s.items[mid]), nil
}

// minimalBound returns the shortest Bound b such that prev < b <= curr,
// using the minimal id prefix that distinguishes the two items.
func minimalBound(prev, curr Item) Bound {
	if prev.Timestamp != curr.Timestamp {
		return Bound{Timestamp: uint64(curr.Timestamp)}
	}

	n := 0
	for n < IDSize && prev.ID[n] == curr.ID[n] {
		n++
	}
	if n < IDSize {
		n++
	}
	prefix := append([]byte(nil), curr.ID[:n]...)
	return Bound{Timestamp: uint64(curr.Timestamp), IDPrefix: prefix}
}

// Fingerprint returns the order-independent fingerprint of the items in
// [lower, upper), computed in O(1) from the sealed prefix-sum table.
func (s *Storage) Fingerprint(lower, upper Bound) (Fingerprint, error) {
	lo, hi, err := s.bounds(lower, upper)
	if err != nil {
		return Fingerprint{}, err
	}

	sum := new(big.Int).Sub(s.prefix[hi], s.prefix[lo])
	sum.Mod(sum, modulus)
	if sum.Sign() < 0 {
		sum.Add(sum, modulus)
	}

	return fingerprintOf(&accumulator{sum: sum}, hi-lo), nil
}

// FromScan builds a sealed Storage by invoking scan with a yield callback;
// scan should call yield once per matching (id, timestamp) pair found in
// an event-store sweep. This keeps Storage decoupled from any particular
// event or filter representation — callers adapt their own repository.
func FromScan(ctx context.Context, scan func(ctx context.Context, yield func(Item) error) error) (*Storage, error) {
	s := NewStorage()
	if err := scan(ctx, func(it Item) error {
		return s.Add(it)
	}); err != nil {
		return nil, fmt.Errorf("negentropy: scan failed: %w", err)
	}
	s.Seal()
	return s, nil
}
