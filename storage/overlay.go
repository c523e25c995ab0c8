package storage

import "sync"

// Overlay buffers writes on top of a base database so a state transition can
// be applied speculatively and either committed as a whole or discarded. Reads
// observe buffered writes first, then fall through to the base.
//
// Overlay is not safe for concurrent use with other writers of the same base;
// callers are expected to serialize transitions.
type Overlay struct {
	mu     sync.RWMutex
	base   Database
	writes map[string][]byte
}

// NewOverlay creates an overlay on top of the provided base database.
func NewOverlay(base Database) *Overlay {
	return &Overlay{
		base:   base,
		writes: make(map[string][]byte),
	}
}

// Put records the write in the overlay without touching the base.
func (o *Overlay) Put(key []byte, value []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes[string(key)] = append([]byte(nil), value...)
	return nil
}

// Get returns the buffered value when present, otherwise reads the base.
func (o *Overlay) Get(key []byte) ([]byte, error) {
	o.mu.RLock()
	value, ok := o.writes[string(key)]
	o.mu.RUnlock()
	if ok {
		return value, nil
	}
	return o.base.Get(key)
}

// Close satisfies the Database interface. The base remains open; pending
// writes are discarded.
func (o *Overlay) Close() {}

// Commit flushes all buffered writes to the base database, as one atomic
// batch when the base supports it. On error the writes stay buffered so the
// caller can retry or discard.
func (o *Overlay) Commit() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if batcher, ok := o.base.(BatchWriter); ok {
		if err := batcher.WriteBatch(o.writes); err != nil {
			return err
		}
		o.writes = make(map[string][]byte)
		return nil
	}
	for key, value := range o.writes {
		if err := o.base.Put([]byte(key), value); err != nil {
			return err
		}
		delete(o.writes, key)
	}
	return nil
}

// Discard drops all buffered writes.
func (o *Overlay) Discard() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.writes = make(map[string][]byte)
}
