package history

// ring is a bounded, oldest-first buffer of the most recent K entries
// for one session (spec §4.5's "bounded in-memory ring of the last K
// entries per session").
type ring struct {
	size    int
	entries []Entry
	seq     int64
}

func newRing(size int) *ring {
	return &ring{size: size, entries: make([]Entry, 0, size)}
}

func (r *ring) nextSeq() int64 {
	r.seq++
	return r.seq
}

// push appends entry, evicting and returning the oldest entry if the
// ring was already at capacity.
func (r *ring) push(entry Entry) (evicted Entry, hadEviction bool) {
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.size {
		evicted = r.entries[0]
		r.entries = r.entries[1:]
		hadEviction = true
	}
	return evicted, hadEviction
}

// snapshot returns a copy of the ring's contents, oldest first.
func (r *ring) snapshot() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}
