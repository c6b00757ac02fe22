package kvtab

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"reflect"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// nextSequence returns the next value of the table's auto-increment counter.
// The storage's Incrementer is used when available; otherwise the counter is
// read, incremented and written under a per-table mutex, which only
// serializes writers within this process.
func (db *DB) nextSequence(ctx context.Context, tbl *Table) (uint64, error) {
	key := tbl.CounterKey()
	if inc, ok := db.storage.(Incrementer); ok {
		n, err := inc.Increment(ctx, key, 1)
		if err == nil {
			return n, nil
		}
		if !errors.Is(err, errors.ErrUnsupported) {
			if errors.Is(err, ErrCounterOverflow) || errors.Is(err, ErrCorruptEncoding) {
				return 0, tableErrf(tbl, nil, key, err, "incrementing counter")
			}
			return 0, tableErrf(tbl, nil, key, backendErr(err), "incrementing counter")
		}
	}

	mu := &db.seqLocks[tbl.pos]
	mu.Lock()
	defer mu.Unlock()

	raw, err := db.storage.Get(ctx, key)
	if err != nil {
		return 0, tableErrf(tbl, nil, key, backendErr(err), "reading counter")
	}
	var cur uint64
	if raw != nil {
		if len(raw) != 8 {
			return 0, tableErrf(tbl, nil, key, dataErrf(raw, 0, nil, "counter value must be 8 bytes"), "reading counter")
		}
		cur = binary.BigEndian.Uint64(raw)
	}
	if cur == math.MaxUint64 {
		return 0, tableErrf(tbl, nil, key, ErrCounterOverflow, "incrementing counter")
	}
	next := cur + 1
	if err := db.storage.Put(ctx, key, appendFixedUint64(nil, next)); err != nil {
		return 0, tableErrf(tbl, nil, key, backendErr(err), "writing counter")
	}
	if db.verbose {
		db.logger.Debug("SEQ", zap.String("table", tbl.name), zap.Uint64("value", next))
	}
	return next, nil
}

// assignKey fills keyVal (settable, of tbl.keyType) for a new record.
func (db *DB) assignKey(ctx context.Context, tbl *Table, rowVal, keyVal reflect.Value) error {
	switch tbl.strategy {
	case KeyDerived:
		keyVal.Set(tbl.keyOf(rowVal))
	case KeyAutoIncrement:
		n, err := db.nextSequence(ctx, tbl)
		if err != nil {
			return err
		}
		if keyVal.OverflowUint(n) {
			return tableErrf(tbl, nil, nil, ErrCounterOverflow, "counter value %d does not fit into %v", n, tbl.keyType)
		}
		keyVal.SetUint(n)
	case KeyUUID:
		u, err := uuid.NewV7()
		if err != nil {
			return tableErrf(tbl, nil, nil, err, "generating key")
		}
		keyVal.Set(reflect.ValueOf(u))
	}
	return nil
}
