package tenant

import "sync/atomic"

// atomicMap holds the current engine map. Stored maps are never mutated.
type atomicMap struct {
	p atomic.Pointer[engineMap]
}

func (a *atomicMap) Load() engineMap {
	if m := a.p.Load(); m != nil {
		return *m
	}
	return nil
}

func (a *atomicMap) Store(m engineMap) { a.p.Store(&m) }
