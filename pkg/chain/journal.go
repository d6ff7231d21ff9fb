package chain

// journal contains the undo operations for every state modification applied by
// the current call. They are replayed in reverse order on revert.
type journal struct {
	entries []func()
}

// append inserts a new undo entry at the end of the journal.
func (j *journal) append(undo func()) {
	j.entries = append(j.entries, undo)
}

// snapshot returns an identifier for the current journal position.
func (j *journal) snapshot() int {
	return len(j.entries)
}

// revert undoes every entry recorded after snapshot.
func (j *journal) revert(snapshot int) {
	for i := len(j.entries) - 1; i >= snapshot; i-- {
		j.entries[i]()
	}
	j.entries = j.entries[:snapshot]
}

// length returns the current number of entries in the journal.
func (j *journal) length() int {
	return len(j.entries)
}
