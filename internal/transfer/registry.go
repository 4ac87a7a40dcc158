package transfer

import (
	"errors"
	"slices"
	"sync"
)

var ErrDuplicateID = errors.New("transfer id already registered")

// Registry holds the active transfers by worker assigned id. Remove is the
// only way out and succeeds once per id.
type Registry struct {
	mx sync.RWMutex
	m  map[int64]*Transfer
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[int64]*Transfer)}
}

func (r *Registry) Put(t *Transfer) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.m[t.id]; ok {
		return ErrDuplicateID
	}
	r.m[t.id] = t
	return nil
}

func (r *Registry) Get(id int64) *Transfer {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return r.m[id]
}

// Remove deletes id and returns the transfer it held, or nil if another
// caller removed it first.
func (r *Registry) Remove(id int64) *Transfer {
	r.mx.Lock()
	defer r.mx.Unlock()
	t, ok := r.m[id]
	if !ok {
		return nil
	}
	delete(r.m, id)
	return t
}

// Snapshot returns the registered transfers ordered by id.
func (r *Registry) Snapshot() []*Transfer {
	r.mx.RLock()
	ret := make([]*Transfer, 0, len(r.m))
	for _, t := range r.m {
		ret = append(ret, t)
	}
	r.mx.RUnlock()
	slices.SortFunc(ret, func(a, b *Transfer) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return ret
}

func (r *Registry) Len() int {
	r.mx.RLock()
	defer r.mx.RUnlock()
	return len(r.m)
}
