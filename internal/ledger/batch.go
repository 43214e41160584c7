package ledger

const (
	noCause   = -1
	selfCause = -2
)

type staged struct {
	entry Entry
	cause int
}

// Batch stages entries for a single atomic commit. Sequence numbers and
// causal references are resolved only when the batch is sealed.
type Batch struct {
	items []staged
}

// Add stages an entry with no causal reference and returns its index.
func (b *Batch) Add(e Entry) int {
	b.items = append(b.items, staged{entry: e, cause: noCause})
	return len(b.items) - 1
}

// Root stages an entry that is its own cause, such as a claim that triggers
// a referral cascade.
func (b *Batch) Root(e Entry) int {
	b.items = append(b.items, staged{entry: e, cause: selfCause})
	return len(b.items) - 1
}

// Caused stages an entry caused by the entry at index root.
func (b *Batch) Caused(e Entry, root int) int {
	b.items = append(b.items, staged{entry: e, cause: root})
	return len(b.items) - 1
}

// Len returns the number of staged entries.
func (b *Batch) Len() int {
	return len(b.items)
}

// Seal assigns consecutive sequence numbers starting at first and resolves
// causal references. The batch itself is not modified.
func (b *Batch) Seal(first uint64) []Entry {
	out := make([]Entry, len(b.items))
	for i, it := range b.items {
		e := it.entry
		e.Seq = first + uint64(i)
		switch {
		case it.cause == selfCause:
			e.CausalRef = e.Seq
		case it.cause >= 0:
			e.CausalRef = first + uint64(it.cause)
		}
		out[i] = e
	}
	return out
}
