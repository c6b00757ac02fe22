package kvtab

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"slices"
	"sort"
	"sync"
)

// MemStorage is an in-memory Storage kept as a sorted slice.
//
// Scans are point-in-time snapshots of the entries under the prefix taken
// when Scan is called. MemStorage implements Incrementer and Batcher.
type MemStorage struct {
	mu    sync.RWMutex
	items []memKV // sorted by key
}

type memKV struct {
	key   []byte
	value []byte
}

var (
	_ Storage     = (*MemStorage)(nil)
	_ Incrementer = (*MemStorage)(nil)
	_ Batcher     = (*MemStorage)(nil)
)

func NewMemStorage() *MemStorage {
	return &MemStorage{}
}

func (s *MemStorage) find(key []byte) (idx int, ok bool) {
	items := s.items
	i := sort.Search(len(items), func(i int) bool {
		return bytes.Compare(items[i].key, key) >= 0
	})
	if i < len(items) && bytes.Equal(items[i].key, key) {
		return i, true
	}
	return i, false
}

func (s *MemStorage) Get(ctx context.Context, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.find(key)
	if !ok {
		return nil, nil
	}
	return s.items[i].value, nil
}

func (s *MemStorage) Put(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, value)
	return nil
}

func (s *MemStorage) putLocked(key, value []byte) {
	// values are never mutated in place, so snapshots can share them
	value = slices.Clone(value)
	if value == nil {
		value = []byte{}
	}
	i, ok := s.find(key)
	if ok {
		s.items[i].value = value
		return
	}
	s.items = slices.Insert(s.items, i, memKV{key: slices.Clone(key), value: value})
}

func (s *MemStorage) Delete(ctx context.Context, key []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

func (s *MemStorage) deleteLocked(key []byte) {
	i, ok := s.find(key)
	if ok {
		s.items = slices.Delete(s.items, i, i+1)
	}
}

func (s *MemStorage) Scan(ctx context.Context, prefix []byte) Iterator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	start, _ := s.find(prefix)
	end := start
	for end < len(s.items) && bytes.HasPrefix(s.items[end].key, prefix) {
		end++
	}
	snap := make([]KV, end-start)
	for i, kv := range s.items[start:end] {
		snap[i] = KV{kv.key, kv.value}
	}
	return newSliceIterator(snap)
}

func (s *MemStorage) Increment(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var cur uint64
	if i, ok := s.find(key); ok {
		raw := s.items[i].value
		if len(raw) != 8 {
			return 0, dataErrf(raw, 0, nil, "counter value must be 8 bytes")
		}
		cur = binary.BigEndian.Uint64(raw)
	}
	next := cur + delta
	if next < cur {
		return 0, fmt.Errorf("%w: %s", ErrCounterOverflow, hexstr(key))
	}
	s.putLocked(key, appendFixedUint64(nil, next))
	return next, nil
}

func (s *MemStorage) WriteBatch(ctx context.Context, ops []BatchOp) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		if op.Delete {
			s.deleteLocked(op.Key)
		} else {
			s.putLocked(op.Key, op.Value)
		}
	}
	return nil
}

// Len returns the number of stored keys.
func (s *MemStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
