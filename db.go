package kvtab

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
)

const lockStripes = 64

type DB struct {
	storage  Storage
	schema   *Schema
	logger   *zap.Logger
	verbose  bool
	strict   bool
	batching bool
	codec    valueCodec
	onChange func(chg *Change)

	seqLocks []sync.Mutex
	rowLocks [lockStripes]sync.Mutex
}

type Options struct {
	// Logger receives operational logs; verbose per-operation entries are
	// logged at debug level. Defaults to a no-op logger.
	Logger  *zap.Logger
	Verbose bool

	// Strict makes Update and Delete of an absent record fail with
	// ErrNotFound instead of doing nothing.
	Strict bool

	Serializer           Serializer
	Compression          Compression
	CompressionThreshold int

	// DisableBatching applies the writes of a mutation one by one even when
	// the storage implements Batcher.
	DisableBatching bool

	// OnChange is called after every successful mutation, on the mutating
	// goroutine.
	OnChange func(chg *Change)
}

func (opt Options) withDefaults() (Options, error) {
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	if opt.Serializer < 0 || opt.Serializer > maxSerializer {
		return opt, fmt.Errorf("kvtab: invalid serializer %v", opt.Serializer)
	}
	if opt.Compression > maxCompression {
		return opt, fmt.Errorf("kvtab: invalid compression %v", opt.Compression)
	}
	if opt.CompressionThreshold <= 0 {
		opt.CompressionThreshold = defaultCompressionThreshold
	}
	return opt, nil
}

// Open validates the schema and prepares every table in storage: indexes
// that were removed from the schema are purged, and new indexes are built
// from existing records.
func Open(ctx context.Context, storage Storage, schema *Schema, opt Options) (*DB, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}
	opt, err := opt.withDefaults()
	if err != nil {
		return nil, err
	}

	db := &DB{
		storage:  storage,
		schema:   schema,
		logger:   opt.Logger,
		verbose:  opt.Verbose,
		strict:   opt.Strict,
		batching: !opt.DisableBatching,
		codec: valueCodec{
			serializer:  opt.Serializer,
			compression: opt.Compression,
			threshold:   opt.CompressionThreshold,
		},
		onChange: opt.OnChange,
		seqLocks: make([]sync.Mutex, len(schema.tables)),
	}

	now := time.Now()
	for _, tbl := range schema.tables {
		if err := db.prepareTable(ctx, tbl, now); err != nil {
			return nil, err
		}
	}
	return db, nil
}

func (db *DB) Schema() *Schema {
	return db.schema
}

func (db *DB) Storage() Storage {
	return db.storage
}

func (db *DB) Logger() *zap.Logger {
	return db.logger
}

// lock acquires the stripe locks covering the given keys and returns a
// function releasing them. Stripes are always taken in ascending order.
func (db *DB) lock(keys ...[]byte) func() {
	stripes := make([]int, 0, len(keys))
	for _, k := range keys {
		stripes = append(stripes, int(xxhash.Sum64(k)%lockStripes))
	}
	slices.Sort(stripes)
	stripes = slices.Compact(stripes)
	for _, i := range stripes {
		db.rowLocks[i].Lock()
	}
	return func() {
		for j := len(stripes) - 1; j >= 0; j-- {
			db.rowLocks[stripes[j]].Unlock()
		}
	}
}

func (db *DB) notify(chg *Change) {
	if db.onChange != nil {
		db.onChange(chg)
	}
}
