package kvtab

import (
	"bytes"
	"context"
	"errors"
)

// Storage is an ordered byte-key to byte-value store.
//
// Implementations must be safe for concurrent use and document the isolation
// their scans provide.
type Storage interface {
	// Get returns the value stored under key, or nil, nil if there is none.
	// Callers must not modify the returned slice.
	Get(ctx context.Context, key []byte) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	Put(ctx context.Context, key, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key []byte) error

	// Scan returns an iterator over all entries whose key starts with prefix,
	// in ascending byte order of keys. The iterator may fetch lazily.
	Scan(ctx context.Context, prefix []byte) Iterator
}

// Iterator walks the results of Storage.Scan.
//
//	it := s.Scan(ctx, prefix)
//	defer it.Close()
//	for it.Next() {
//		use(it.Key(), it.Value())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator interface {
	Next() bool
	// Key and Value are valid until the next call to Next.
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Incrementer is implemented by storages that can atomically add to an
// 8-byte big-endian counter. A missing counter counts as zero. Returning
// errors.ErrUnsupported makes callers fall back to a read-modify-write.
type Incrementer interface {
	Increment(ctx context.Context, key []byte, delta uint64) (uint64, error)
}

// BatchOp is a single write of a batch; Value is ignored when Delete is set.
type BatchOp struct {
	Key    []byte
	Value  []byte
	Delete bool
}

// Batcher is implemented by storages that can apply several writes
// atomically. Returning errors.ErrUnsupported makes callers apply the
// operations one by one.
type Batcher interface {
	WriteBatch(ctx context.Context, ops []BatchOp) error
}

// KV is a key-value pair returned by ScanAll.
type KV struct {
	Key   []byte
	Value []byte
}

// ScanAll collects every entry under prefix, copying keys and values.
func ScanAll(ctx context.Context, s Storage, prefix []byte) ([]KV, error) {
	it := s.Scan(ctx, prefix)
	defer it.Close()
	var result []KV
	for it.Next() {
		result = append(result, KV{bytes.Clone(it.Key()), bytes.Clone(it.Value())})
	}
	return result, it.Err()
}

// applySequentially performs ops one at a time in order, stopping at the
// first failure.
func applySequentially(ctx context.Context, s Storage, ops []BatchOp) error {
	for _, op := range ops {
		var err error
		if op.Delete {
			err = s.Delete(ctx, op.Key)
		} else {
			err = s.Put(ctx, op.Key, op.Value)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// writeOps uses the storage's Batcher when it has one.
func writeOps(ctx context.Context, s Storage, ops []BatchOp, batching bool) error {
	if batching && len(ops) > 1 {
		if b, ok := s.(Batcher); ok {
			err := b.WriteBatch(ctx, ops)
			if !errors.Is(err, errors.ErrUnsupported) {
				return err
			}
		}
	}
	return applySequentially(ctx, s, ops)
}

type sliceIterator struct {
	items []KV
	pos   int
}

func newSliceIterator(items []KV) *sliceIterator {
	return &sliceIterator{items: items, pos: -1}
}

func (it *sliceIterator) Next() bool {
	if it.pos+1 >= len(it.items) {
		it.pos = len(it.items)
		return false
	}
	it.pos++
	return true
}

func (it *sliceIterator) Key() []byte   { return it.items[it.pos].Key }
func (it *sliceIterator) Value() []byte { return it.items[it.pos].Value }
func (it *sliceIterator) Err() error    { return nil }
func (it *sliceIterator) Close() error  { return nil }

type errIterator struct {
	err error
}

// ErrIterator returns an iterator that yields nothing and reports err.
func ErrIterator(err error) Iterator {
	return errIterator{err}
}

func (it errIterator) Next() bool    { return false }
func (it errIterator) Key() []byte   { return nil }
func (it errIterator) Value() []byte { return nil }
func (it errIterator) Err() error    { return it.err }
func (it errIterator) Close() error  { return nil }
