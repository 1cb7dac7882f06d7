// Package journal records undo operations so that a failed call can be rolled
// back to the state it started from. It follows the snapshot/revert model of
// go-ethereum's state journal: every mutation registers its inverse, a
// snapshot is the current log length, and reverting replays inverses newest
// first.
package journal

// Journal is an undo log shared by every component whose state must roll
// back together. It is not safe for concurrent use.
type Journal struct {
	undo []func()
}

// New returns an empty journal.
func New() *Journal {
	return &Journal{}
}

// Record registers the inverse of a mutation that has just been applied.
func (j *Journal) Record(undo func()) {
	j.undo = append(j.undo, undo)
}

// Snapshot returns a revision id for the current state.
func (j *Journal) Snapshot() int {
	return len(j.undo)
}

// RevertTo undoes every mutation recorded after the snapshot was taken.
func (j *Journal) RevertTo(snapshot int) {
	for i := len(j.undo) - 1; i >= snapshot; i-- {
		j.undo[i]()
		j.undo[i] = nil
	}
	j.undo = j.undo[:snapshot]
}

// Commit forgets all recorded inverses. Only the outermost call may commit.
func (j *Journal) Commit() {
	clear(j.undo)
	j.undo = j.undo[:0]
}

// Len returns the number of recorded mutations.
func (j *Journal) Len() int {
	return len(j.undo)
}
