package negentropy

import "fmt"

// Reconciliation tuning constants.
const (
	DefaultFrameSizeLimit = 60000
	FrameSizeMargin       = 1000
	IDListThreshold       = 20
)

// pendingRange is a span whose reconciliation is not yet confirmed as of
// the end of a Reconcile round: either it was subdivided into a new
// FINGERPRINT pair awaiting the peer's next response, or it was never
// reached because the frame budget ran out.
type pendingRange struct {
	Lower, Upper Bound
}

// Reconciler drives one chunk's NIP-77 set reconciliation against a sealed
// Storage. The same Reconcile method serves both the client and the server
// role; only Initiate is client-exclusive (the server never initiates).
type Reconciler struct {
	storage    *Storage
	frameLimit int
	server     bool
	done       bool

	pending []pendingRange
	haveIDs [][IDSize]byte
	needIDs [][IDSize]byte
}

func newReconciler(storage *Storage, frameLimit int, server bool) (*Reconciler, error) {
	if storage == nil || !storage.Sealed() {
		return nil, ErrStorageNotSealed
	}
	if frameLimit <= 0 {
		frameLimit = DefaultFrameSizeLimit
	}
	return &Reconciler{storage: storage, frameLimit: frameLimit, server: server}, nil
}

// NewClientReconciler constructs the initiating side of a reconciliation.
func NewClientReconciler(storage *Storage, frameLimit int) (*Reconciler, error) {
	return newReconciler(storage, frameLimit, false)
}

// NewServerReconciler constructs the responding side of a reconciliation.
// A server reconciler never calls Initiate.
func NewServerReconciler(storage *Storage, frameLimit int) (*Reconciler, error) {
	return newReconciler(storage, frameLimit, true)
}

// Initiate produces the first message of a reconciliation, covering the
// full [Bound.min, Bound.max) space. Only the client side calls this.
func (r *Reconciler) Initiate() (Message, error) {
	if r.server {
		return Message{}, fmt.Errorf("negentropy: server reconciler cannot initiate")
	}

	if r.storage.Empty() {
		return Message{Ranges: []Range{{Upper: MaxBound(), Mode: ModeSkip}}}, nil
	}

	fp, err := r.storage.Fingerprint(MinBound(), MaxBound())
	if err != nil {
		return Message{}, err
	}
	return Message{Ranges: []Range{{Upper: MaxBound(), Mode: ModeFingerprint, Fingerprint: fp}}}, nil
}

// Result is the outcome of one Reconcile round.
type Result struct {
	// Response is the message to send back, or nil when reconciliation is
	// complete (Done is true).
	Response *Message
	// HaveIDs are ids newly confirmed as present locally but absent on the
	// peer's side, discovered this round.
	HaveIDs [][IDSize]byte
	// NeedIDs are ids newly confirmed as present on the peer's side but
	// absent locally, discovered this round.
	NeedIDs [][IDSize]byte
	// Done reports whether the reconciliation has converged.
	Done bool
	// Overflow reports that the response exceeds the frame budget despite
	// the safety margin (a logged warning, not a fatal condition).
	Overflow bool
}

// sizeTracker mirrors Message.Encode's cumulative size, including the
// running delta-timestamp base, without actually encoding anything.
type sizeTracker struct {
	total         int
	prevTimestamp uint64
}

func newSizeTracker() *sizeTracker {
	return &sizeTracker{total: 1} // protocol version byte
}

func (st *sizeTracker) sizeOf(ranges ...Range) int {
	prev := st.prevTimestamp
	total := 0
	for _, r := range ranges {
		total += RangeEncodedSize(r, prev)
		if !r.Upper.IsInfinite() {
			prev = r.Upper.Timestamp
		}
	}
	return total
}

func (st *sizeTracker) commit(ranges ...Range) {
	st.total += st.sizeOf(ranges...)
	for _, r := range ranges {
		if !r.Upper.IsInfinite() {
			st.prevTimestamp = r.Upper.Timestamp
		}
	}
}

// Reconcile processes one incoming message and produces the next step: a
// response message to send, or a signal that reconciliation is complete.
func (r *Reconciler) Reconcile(incoming Message) (*Result, error) {
	if r.done {
		return nil, fmt.Errorf("negentropy: reconciliation already complete")
	}

	budget := r.frameLimit - FrameSizeMargin
	if budget < 0 {
		budget = 0
	}

	tracker := newSizeTracker()
	var response []Range
	var pending []pendingRange
	var haveDelta, needDelta [][IDSize]byte

	lower := MinBound()

	for _, in := range incoming.Ranges {
		upper := in.Upper

		var candidate []Range

		switch in.Mode {
		case ModeSkip:
			candidate = []Range{{Upper: upper, Mode: ModeSkip}}

		case ModeFingerprint:
			localFP, err := r.storage.Fingerprint(lower, upper)
			if err != nil {
				return nil, err
			}

			if localFP.Match(in.Fingerprint) {
				candidate = []Range{{Upper: upper, Mode: ModeSkip}}
				break
			}

			count, err := r.storage.CountInRange(lower, upper)
			if err != nil {
				return nil, err
			}

			if count <= IDListThreshold {
				items, err := r.storage.Range(lower, upper)
				if err != nil {
					return nil, err
				}
				ids := make([][IDSize]byte, len(items))
				for i, it := range items {
					ids[i] = it.ID
				}
				candidate = []Range{{Upper: upper, Mode: ModeIDList, IDs: ids}}
				break
			}

			mid, err := r.storage.Midpoint(lower, upper)
			if err != nil {
				return nil, err
			}
			lowFP, err := r.storage.Fingerprint(lower, mid)
			if err != nil {
				return nil, err
			}
			highFP, err := r.storage.Fingerprint(mid, upper)
			if err != nil {
				return nil, err
			}
			candidate = []Range{
				{Upper: mid, Mode: ModeFingerprint, Fingerprint: lowFP},
				{Upper: upper, Mode: ModeFingerprint, Fingerprint: highFP},
			}

		case ModeIDList:
			localItems, err := r.storage.Range(lower, upper)
			if err != nil {
				return nil, err
			}
			local := make(map[[IDSize]byte]bool, len(localItems))
			for _, it := range localItems {
				local[it.ID] = true
			}
			remote := make(map[[IDSize]byte]bool, len(in.IDs))
			for _, id := range in.IDs {
				remote[id] = true
			}
			for id := range local {
				if !remote[id] {
					haveDelta = append(haveDelta, id)
				}
			}
			for id := range remote {
				if !local[id] {
					needDelta = append(needDelta, id)
				}
			}
			candidate = []Range{{Upper: upper, Mode: ModeSkip}}

		default:
			return nil, fmt.Errorf("%w: unknown range mode %d", ErrBadMessage, in.Mode)
		}

		if tracker.total+tracker.sizeOf(candidate...) > budget {
			pending = append(pending, pendingRange{Lower: lower, Upper: MaxBound()})
			break
		}

		if in.Mode == ModeFingerprint && len(candidate) == 2 {
			pending = append(pending, pendingRange{Lower: lower, Upper: candidate[0].Upper})
			pending = append(pending, pendingRange{Lower: candidate[0].Upper, Upper: candidate[1].Upper})
		}

		response = append(response, candidate...)
		tracker.commit(candidate...)
		lower = upper
	}

	allSkip := true
	for _, e := range response {
		if e.Mode != ModeSkip {
			allSkip = false
			break
		}
	}

	result := &Result{HaveIDs: haveDelta, NeedIDs: needDelta}
	r.haveIDs = append(r.haveIDs, haveDelta...)
	r.needIDs = append(r.needIDs, needDelta...)

	if len(pending) == 0 && allSkip {
		r.done = true
		r.pending = nil
		result.Done = true
		return result, nil
	}

	if allSkip && len(pending) > 0 {
		rebuilt, overflow, err := r.rebuildFromPending(pending, budget)
		if err != nil {
			return nil, err
		}
		response = rebuilt
		result.Overflow = overflow
	}

	r.pending = pending
	result.Response = &Message{Ranges: response}
	return result, nil
}

// rebuildFromPending reconstructs a response purely from the pending spans,
// used when the natural walk degenerated to an all-SKIP response despite
// unresolved pending work. Without this a converged peer would answer every
// all-SKIP frame with another all-SKIP frame and the session would stall.
func (r *Reconciler) rebuildFromPending(pending []pendingRange, budget int) ([]Range, bool, error) {
	tracker := newSizeTracker()
	var rebuilt []Range

	if len(pending) > 0 && pending[0].Lower.Compare(MinBound()) != 0 {
		lead := Range{Upper: pending[0].Lower, Mode: ModeSkip}
		rebuilt = append(rebuilt, lead)
		tracker.commit(lead)
	}

	i := 0
	for ; i < len(pending); i++ {
		p := pending[i]
		fp, err := r.storage.Fingerprint(p.Lower, p.Upper)
		if err != nil {
			return nil, false, err
		}
		cand := Range{Upper: p.Upper, Mode: ModeFingerprint, Fingerprint: fp}
		if tracker.total+tracker.sizeOf(cand) > budget {
			break
		}
		rebuilt = append(rebuilt, cand)
		tracker.commit(cand)
	}

	overflow := false
	if i < len(pending) {
		tailLower := pending[i].Lower
		fp, err := r.storage.Fingerprint(tailLower, MaxBound())
		if err != nil {
			return nil, false, err
		}
		tail := Range{Upper: MaxBound(), Mode: ModeFingerprint, Fingerprint: fp}
		rebuilt = append(rebuilt, tail)
		tracker.commit(tail)
		if tracker.total > budget {
			overflow = true
		}
	}

	return rebuilt, overflow, nil
}

// HaveIDs returns the full accumulated set of ids confirmed present locally
// and absent on the peer, across every round so far.
func (r *Reconciler) HaveIDs() [][IDSize]byte {
	return r.haveIDs
}

// NeedIDs returns the full accumulated set of ids confirmed present on the
// peer and absent locally, across every round so far.
func (r *Reconciler) NeedIDs() [][IDSize]byte {
	return r.needIDs
}

// Done reports whether the reconciliation has converged.
func (r *Reconciler) Done() bool {
	return r.done
}

// PendingCount returns the number of unresolved spans left over from the
// most recent round, for diagnostics and tests.
func (r *Reconciler) PendingCount() int {
	return len(r.pending)
}
