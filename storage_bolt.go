package kvtab

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"go.etcd.io/bbolt"
)

const (
	defaultBoltBucket   = "kvtab"
	defaultBoltPageSize = 256
)

type BoltOptions struct {
	// Bucket holds all keys; defaults to "kvtab".
	Bucket string

	// PageSize is the number of entries a scan reads per read transaction.
	PageSize int

	// Timeout and NoSync are passed to bbolt when BoltStorage opens the file.
	Timeout time.Duration
	NoSync  bool
}

func (opt BoltOptions) withDefaults() BoltOptions {
	if opt.Bucket == "" {
		opt.Bucket = defaultBoltBucket
	}
	if opt.PageSize <= 0 {
		opt.PageSize = defaultBoltPageSize
	}
	return opt
}

// BoltStorage keeps all keys in a single bbolt bucket.
//
// Each scan page is read in its own read transaction, so a scan never holds
// a transaction open across calls to Next and writes made while scanning are
// not blocked. Entries within one page are consistent; later pages observe
// writes committed in between. BoltStorage implements Incrementer and
// Batcher using update transactions.
type BoltStorage struct {
	bdb    *bbolt.DB
	bucket []byte
	opt    BoltOptions
	owned  bool
}

var (
	_ Storage     = (*BoltStorage)(nil)
	_ Incrementer = (*BoltStorage)(nil)
	_ Batcher     = (*BoltStorage)(nil)
)

// OpenBolt opens (creating if necessary) a bbolt file. Close releases it.
func OpenBolt(path string, opt BoltOptions) (*BoltStorage, error) {
	opt = opt.withDefaults()
	bdb, err := bbolt.Open(path, 0o666, &bbolt.Options{
		Timeout: opt.Timeout,
		NoSync:  opt.NoSync,
	})
	if err != nil {
		return nil, err
	}
	s, err := NewBoltStorage(bdb, opt)
	if err != nil {
		bdb.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewBoltStorage uses an already open bbolt database; Close will not close it.
func NewBoltStorage(bdb *bbolt.DB, opt BoltOptions) (*BoltStorage, error) {
	opt = opt.withDefaults()
	s := &BoltStorage{bdb: bdb, bucket: []byte(opt.Bucket), opt: opt}
	err := bdb.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("creating bucket %q: %w", opt.Bucket, err)
	}
	return s, nil
}

func (s *BoltStorage) Bolt() *bbolt.DB {
	return s.bdb
}

func (s *BoltStorage) Close() error {
	if s.owned {
		return s.bdb.Close()
	}
	return nil
}

// Size returns the database file size in bytes.
func (s *BoltStorage) Size() int64 {
	st, err := os.Stat(s.bdb.Path())
	if err != nil {
		return 0
	}
	return st.Size()
}

func (s *BoltStorage) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var result []byte
	err := s.bdb.View(func(tx *bbolt.Tx) error {
		if v := tx.Bucket(s.bucket).Get(key); v != nil {
			result = bytes.Clone(v)
			if result == nil {
				result = []byte{}
			}
		}
		return nil
	})
	return result, err
}

func (s *BoltStorage) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bdb.Batch(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Put(key, value)
	})
}

func (s *BoltStorage) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bdb.Batch(func(tx *bbolt.Tx) error {
		return tx.Bucket(s.bucket).Delete(key)
	})
}

func (s *BoltStorage) WriteBatch(ctx context.Context, ops []BatchOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.bdb.Batch(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		for _, op := range ops {
			var err error
			if op.Delete {
				err = b.Delete(op.Key)
			} else {
				err = b.Put(op.Key, op.Value)
			}
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStorage) Increment(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var next uint64
	err := s.bdb.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(s.bucket)
		var cur uint64
		if raw := b.Get(key); raw != nil {
			if len(raw) != 8 {
				return dataErrf(bytes.Clone(raw), 0, nil, "counter value must be 8 bytes")
			}
			cur = binary.BigEndian.Uint64(raw)
		}
		next = cur + delta
		if next < cur {
			return fmt.Errorf("%w: %s", ErrCounterOverflow, hexstr(key))
		}
		return b.Put(key, appendFixedUint64(nil, next))
	})
	return next, err
}

func (s *BoltStorage) Scan(ctx context.Context, prefix []byte) Iterator {
	return &boltIterator{
		s:      s,
		ctx:    ctx,
		prefix: bytes.Clone(prefix),
		pos:    -1,
	}
}

type boltIterator struct {
	s      *BoltStorage
	ctx    context.Context
	prefix []byte
	after  []byte // last key of the previous page
	page   []KV
	pos    int
	done   bool
	err    error
}

func (it *boltIterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos+1 < len(it.page) {
		it.pos++
		return true
	}
	if it.done {
		it.page, it.pos = nil, 0
		return false
	}
	if err := it.ctx.Err(); err != nil {
		it.err = err
		return false
	}
	it.err = it.loadPage()
	if it.err != nil || len(it.page) == 0 {
		return false
	}
	it.pos = 0
	return true
}

func (it *boltIterator) loadPage() error {
	limit := it.s.opt.PageSize
	page := make([]KV, 0, limit)
	err := it.s.bdb.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(it.s.bucket).Cursor()
		var k, v []byte
		if it.after == nil {
			k, v = c.Seek(it.prefix)
		} else {
			k, v = c.Seek(it.after)
			if k != nil && bytes.Equal(k, it.after) {
				k, v = c.Next()
			}
		}
		for ; k != nil && bytes.HasPrefix(k, it.prefix); k, v = c.Next() {
			if len(page) == limit {
				return nil
			}
			page = append(page, KV{bytes.Clone(k), bytes.Clone(v)})
		}
		it.done = true
		return nil
	})
	if err != nil {
		return err
	}
	it.page = page
	if len(page) > 0 {
		it.after = page[len(page)-1].Key
	}
	return nil
}

func (it *boltIterator) Key() []byte   { return it.page[it.pos].Key }
func (it *boltIterator) Value() []byte { return it.page[it.pos].Value }
func (it *boltIterator) Err() error    { return it.err }

func (it *boltIterator) Close() error {
	it.page, it.done = nil, true
	return nil
}
