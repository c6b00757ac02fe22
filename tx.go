package kvtab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"reflect"

	"go.uber.org/zap"
)

// ErrTxDone is returned when a Tx is used after Commit or Rollback.
var ErrTxDone = errors.New("kvtab: transaction already committed or rolled back")

// Writer is implemented by *DB, which applies each mutation immediately,
// and by *Tx, which collects mutations until Commit.
type Writer interface {
	put(ctx context.Context, tbl *Table, keyVal, rowPtr reflect.Value, mode putMode) (bool, error)
	delete(ctx context.Context, tbl *Table, keyVal reflect.Value) (reflect.Value, error)
	assignKey(ctx context.Context, tbl *Table, rowVal, keyVal reflect.Value) error
}

var (
	_ Writer = (*DB)(nil)
	_ Writer = (*Tx)(nil)
)

// mutation is one logical Put, Insert, Update or Delete.
type mutation struct {
	tbl    *Table
	keyVal reflect.Value
	rowPtr reflect.Value
	mode   putMode
	delete bool
}

func (m *mutation) lockKeys() [][]byte {
	pkRaw := m.tbl.encodeKeyVal(nil, m.keyVal)
	keys := [][]byte{m.tbl.recordKey(pkRaw)}
	if !m.delete {
		keys = append(keys, uniqueLockKeys(indexEntriesOf(m.tbl, pkRaw, m.rowPtr))...)
	}
	return keys
}

func (db *DB) prepare(ctx context.Context, m *mutation, ws *writeSet) (*Change, error) {
	if m.delete {
		return db.prepareDelete(ctx, m, ws)
	}
	return db.preparePut(ctx, m, ws)
}

// apply performs a single mutation under its locks.
func (db *DB) apply(ctx context.Context, m *mutation) (*Change, error) {
	unlock := db.lock(m.lockKeys()...)
	defer unlock()

	ws := newWriteSet()
	chg, err := db.prepare(ctx, m, ws)
	if err != nil || chg == nil {
		return nil, err
	}
	if err := writeOps(ctx, db.storage, ws.ops, db.batching); err != nil {
		return nil, tableErrf(m.tbl, nil, chg.rawKey, backendErr(err), "writing record")
	}
	db.notify(chg)
	return chg, nil
}

// writeSet accumulates the storage ops of one or more mutations, and lets
// later mutations read what earlier ones wrote. A nil writeSet is empty.
type writeSet struct {
	ops   []BatchOp
	byKey map[string]int // latest op per key
}

func newWriteSet() *writeSet {
	return &writeSet{byKey: make(map[string]int)}
}

func (ws *writeSet) add(op BatchOp) {
	ws.byKey[string(op.Key)] = len(ws.ops)
	ws.ops = append(ws.ops, op)
}

func (ws *writeSet) latest(key []byte) (BatchOp, bool) {
	if ws == nil {
		return BatchOp{}, false
	}
	i, ok := ws.byKey[string(key)]
	if !ok {
		return BatchOp{}, false
	}
	return ws.ops[i], true
}

func (ws *writeSet) get(ctx context.Context, s Storage, key []byte) ([]byte, error) {
	if op, ok := ws.latest(key); ok {
		if op.Delete {
			return nil, nil
		}
		return op.Value, nil
	}
	return s.Get(ctx, key)
}

func (ws *writeSet) deletes(key []byte) bool {
	op, ok := ws.latest(key)
	return ok && op.Delete
}

// pendingUnder returns the primary key of a pending index entry under
// prefix that belongs to a record other than pkRaw.
func (ws *writeSet) pendingUnder(prefix, pkRaw []byte) []byte {
	if ws == nil {
		return nil
	}
	for i, op := range ws.ops {
		if op.Delete || ws.byKey[string(op.Key)] != i || !bytes.HasPrefix(op.Key, prefix) {
			continue
		}
		if otherPK := op.Key[len(prefix):]; !bytes.Equal(otherPK, pkRaw) {
			return otherPK
		}
	}
	return nil
}

// coalesced drops ops overwritten by a later op on the same key.
func (ws *writeSet) coalesced() []BatchOp {
	out := make([]BatchOp, 0, len(ws.byKey))
	for i, op := range ws.ops {
		if ws.byKey[string(op.Key)] == i {
			out = append(out, op)
		}
	}
	return out
}

// Tx groups mutations of any number of records and tables so that they are
// written together. Mutations are only validated at Commit: a conflict
// such as ErrAlreadyExists or ErrDuplicateValue fails the whole Commit and
// nothing is written. The ops reach the storage in a single WriteBatch when
// it supports batching, which makes the commit atomic.
//
// Rows are copied when added, so the caller may reuse them. A Tx is not
// safe for concurrent use.
type Tx struct {
	db   *DB
	muts []*mutation
	done bool
}

func (db *DB) Begin() *Tx {
	return &Tx{db: db}
}

func (tx *Tx) DB() *DB {
	return tx.db
}

// Len is the number of collected mutations.
func (tx *Tx) Len() int {
	return len(tx.muts)
}

func (tx *Tx) put(ctx context.Context, tbl *Table, keyVal, rowPtr reflect.Value, mode putMode) (bool, error) {
	if tx.done {
		return false, ErrTxDone
	}
	rowCopy := reflect.New(rowPtr.Type().Elem())
	rowCopy.Elem().Set(rowPtr.Elem())
	keyCopy := reflect.New(keyVal.Type()).Elem()
	keyCopy.Set(keyVal)
	tx.muts = append(tx.muts, &mutation{tbl: tbl, keyVal: keyCopy, rowPtr: rowCopy, mode: mode})
	return false, nil
}

func (tx *Tx) delete(ctx context.Context, tbl *Table, keyVal reflect.Value) (reflect.Value, error) {
	if tx.done {
		return reflect.Value{}, ErrTxDone
	}
	keyCopy := reflect.New(keyVal.Type()).Elem()
	keyCopy.Set(keyVal)
	tx.muts = append(tx.muts, &mutation{tbl: tbl, keyVal: keyCopy, delete: true})
	return reflect.Value{}, nil
}

func (tx *Tx) assignKey(ctx context.Context, tbl *Table, rowVal, keyVal reflect.Value) error {
	if tx.done {
		return ErrTxDone
	}
	return tx.db.assignKey(ctx, tbl, rowVal, keyVal)
}

// Commit validates and writes the collected mutations in order, then
// reports each resulting change to Options.OnChange. The Tx cannot be used
// afterwards, whether or not Commit succeeds.
func (tx *Tx) Commit(ctx context.Context) error {
	if tx.done {
		return ErrTxDone
	}
	tx.done = true
	if len(tx.muts) == 0 {
		return nil
	}
	db := tx.db

	var keys [][]byte
	for _, m := range tx.muts {
		keys = append(keys, m.lockKeys()...)
	}
	unlock := db.lock(keys...)
	defer unlock()

	ws := newWriteSet()
	changes := make([]*Change, 0, len(tx.muts))
	for _, m := range tx.muts {
		chg, err := db.prepare(ctx, m, ws)
		if err != nil {
			return err
		}
		if chg != nil {
			changes = append(changes, chg)
		}
	}
	if len(ws.ops) > 0 {
		ops := ws.coalesced()
		if err := writeOps(ctx, db.storage, ops, db.batching); err != nil {
			return fmt.Errorf("kvtab: commit: %w", backendErr(err))
		}
	}
	if db.verbose {
		db.logger.Debug("COMMIT", zap.Int("mutations", len(tx.muts)), zap.Int("changes", len(changes)), zap.Int("ops", len(ws.ops)))
	}
	for _, chg := range changes {
		db.notify(chg)
	}
	return nil
}

// Rollback discards the collected mutations. It is a no-op after Commit.
func (tx *Tx) Rollback() {
	if tx.done {
		return
	}
	tx.done = true
	if tx.db.verbose {
		tx.db.logger.Debug("ROLLBACK", zap.Int("mutations", len(tx.muts)))
	}
	tx.muts = nil
}
