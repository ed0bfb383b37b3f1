package store

// CallLogCapacity is the number of entries a webhook's rolling call log
// retains.
const CallLogCapacity = 10

// CallRing is a fixed-capacity ring buffer of webhook call entries. Pushing
// beyond capacity overwrites the oldest entry; Calls returns newest first.
// Not safe for concurrent use; callers hold their own lock.
type CallRing struct {
	buf  [CallLogCapacity]WebhookCall
	head int // index of the newest entry
	n    int
}

// NewCallRing builds a ring pre-seeded from an existing newest-first log,
// keeping at most CallLogCapacity entries.
func NewCallRing(calls []WebhookCall) *CallRing {
	r := &CallRing{}
	if len(calls) > CallLogCapacity {
		calls = calls[:CallLogCapacity]
	}
	// Push oldest first so the newest ends up at the head.
	for i := len(calls) - 1; i >= 0; i-- {
		r.Push(calls[i])
	}
	return r
}

// Push records a call as the newest entry.
func (r *CallRing) Push(c WebhookCall) {
	if r.n == 0 {
		r.buf[0] = c
		r.head = 0
		r.n = 1
		return
	}
	r.head = (r.head + 1) % CallLogCapacity
	r.buf[r.head] = c
	if r.n < CallLogCapacity {
		r.n++
	}
}

// Len returns the number of retained entries.
func (r *CallRing) Len() int { return r.n }

// Calls returns the retained entries, newest first.
func (r *CallRing) Calls() []WebhookCall {
	out := make([]WebhookCall, 0, r.n)
	for i := 0; i < r.n; i++ {
		idx := (r.head - i + CallLogCapacity) % CallLogCapacity
		out = append(out, r.buf[idx])
	}
	return out
}
