package transfer

import "sync"

// earlyNotes holds manager notifications that arrive while a submission
// is waiting for its reply. A fast job can end before the submitter has
// published its id, and its notification must not be lost. Notes are only
// kept while a submission is in flight and are dropped once none is.
type earlyNotes struct {
	mu       sync.Mutex
	inflight int
	notes    map[int64]string
}

func (e *earlyNotes) begin() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inflight++
}

// abandon ends a submission that got no id.
func (e *earlyNotes) abandon() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.done()
}

// publish runs put and ends the submission of id atomically with respect
// to lookup. It returns the failure text of a note kept for id, an empty
// string meaning success.
func (e *earlyNotes) publish(id int64, put func() error) (*string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	note, ok := e.notes[id]
	delete(e.notes, id)
	e.done()
	if err := put(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &note, nil
}

// lookup returns the registered transfer of id. When there is none and a
// submission is in flight the note is kept and kept is true.
func (e *earlyNotes) lookup(id int64, failure string, get func(int64) *Transfer) (t *Transfer, kept bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if found := get(id); found != nil {
		return found, false
	}
	if e.inflight == 0 {
		return nil, false
	}
	if e.notes == nil {
		e.notes = make(map[int64]string)
	}
	e.notes[id] = failure
	return nil, true
}

// done must be called with mu held.
func (e *earlyNotes) done() {
	e.inflight--
	if e.inflight == 0 {
		clear(e.notes)
	}
}
