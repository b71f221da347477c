package raft

// Log is the ordered, append-mostly sequence of entries one node stores.
// It is a value type: AppendEntries and Append return a new Log and leave
// the receiver untouched, so the driver can swap its handle atomically.
type Log struct {
	entries []Entry
}

// NewLog builds a log from a slice of entries, copying the slice so later
// mutation of the argument cannot leak into the log.
func NewLog(entries []Entry) Log {
	copied := make([]Entry, len(entries))
	copy(copied, entries)
	return Log{entries: copied}
}

// Length returns the number of entries.
func (l Log) Length() int64 {
	return int64(len(l.entries))
}

// Entry returns the entry at index i. The caller is responsible for bounds;
// indexing past the end is a programming error and panics.
func (l Log) Entry(i int64) Entry {
	return l.entries[i]
}

// Entries returns a copy of the whole log in index order.
func (l Log) Entries() []Entry {
	copied := make([]Entry, len(l.entries))
	copy(copied, l.entries)
	return copied
}

// EntriesFrom returns a copy of the suffix starting at index i. An index at
// or past the end yields an empty slice.
func (l Log) EntriesFrom(i int64) []Entry {
	if i >= l.Length() {
		return []Entry{}
	}
	copied := make([]Entry, l.Length()-i)
	copy(copied, l.entries[i:])
	return copied
}

// LastIdentifier returns the identifier of the last entry, or nil when the
// log is empty.
func (l Log) LastIdentifier() *EntryIdentifier {
	if len(l.entries) == 0 {
		return nil
	}
	last := int64(len(l.entries) - 1)
	return &EntryIdentifier{Index: last, Term: l.entries[last].Term}
}

// Append returns a new log with one entry attached at the end.
func (l Log) Append(entry Entry) Log {
	merged := make([]Entry, len(l.entries), len(l.entries)+1)
	copy(merged, l.entries)
	return Log{entries: append(merged, entry)}
}

// AppendEntries applies the Raft consistency check and conflict rule.
//
// The attach position is index 0 when prev is nil, otherwise the slot after
// prev--but only if this log holds an entry matching prev exactly; when it
// does not, ok is false and the log is returned unchanged.
//
// From the attach position the incoming entries are compared against the
// existing suffix. Entries already present (same term at the same index) are
// skipped; at the first conflict the existing suffix is truncated and the
// remainder of the incoming entries is appended. Truncation happens only on
// conflict, so a duplicated or late-delivered request can never erase
// entries that a newer request already appended. changed reports whether the
// returned log differs from the receiver.
func (l Log) AppendEntries(prev *EntryIdentifier, entries []Entry) (newLog Log, ok bool, changed bool) {
	attach := int64(0)
	if prev != nil {
		if prev.Index < 0 || prev.Index >= l.Length() || l.entries[prev.Index].Term != prev.Term {
			return l, false, false
		}
		attach = prev.Index + 1
	}

	skip := 0
	conflict := false
	for ; skip < len(entries); skip++ {
		at := attach + int64(skip)
		if at >= l.Length() {
			break
		}
		if l.entries[at].Term != entries[skip].Term {
			conflict = true
			break
		}
	}
	if skip == len(entries) && !conflict {
		// Everything is already in place.
		return l, true, false
	}

	keep := attach + int64(skip)
	merged := make([]Entry, keep, keep+int64(len(entries)-skip))
	copy(merged, l.entries[:keep])
	merged = append(merged, entries[skip:]...)
	return Log{entries: merged}, true, true
}
