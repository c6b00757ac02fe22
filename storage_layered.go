package kvtab

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

type WritePolicy int

const (
	// WriteTop writes only to tier 0. Lower tiers are expected to be
	// maintained out of band; deleting from tier 0 alone lets a value that
	// still exists in a lower tier become visible again.
	WriteTop WritePolicy = iota

	// WriteThrough writes to every tier.
	WriteThrough
)

func (p WritePolicy) String() string {
	switch p {
	case WriteTop:
		return "write-top"
	case WriteThrough:
		return "write-through"
	default:
		return fmt.Sprintf("policy%d", int(p))
	}
}

type LayeredOptions struct {
	WritePolicy WritePolicy

	// AsyncPopulate copies values found in lower tiers to the upper tiers in
	// the background instead of before Get returns. Flush waits for pending
	// copies.
	AsyncPopulate bool

	Logger *zap.Logger
}

// Layered composes several storages into one. Tier 0 is consulted first;
// the last tier is the authoritative one.
//
// Reads fall through the tiers until one has the key and copy the value to
// the tiers above it. A tier that fails a read is treated as a miss; the
// read fails only if every tier failed. Scans merge all tiers, preferring
// the lowest-numbered tier for keys present in several.
type Layered struct {
	tiers  []Storage
	opt    LayeredOptions
	logger *zap.Logger
	flight singleflight.Group
	fills  sync.WaitGroup
	seedMu sync.Mutex
}

var (
	_ Storage     = (*Layered)(nil)
	_ Incrementer = (*Layered)(nil)
	_ Batcher     = (*Layered)(nil)
)

func NewLayered(tiers []Storage, opt LayeredOptions) *Layered {
	if len(tiers) == 0 {
		panic("kvtab: NewLayered requires at least one tier")
	}
	logger := opt.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Layered{
		tiers:  append([]Storage(nil), tiers...),
		opt:    opt,
		logger: logger.Named("layered"),
	}
}

func (l *Layered) Tiers() []Storage {
	return l.tiers
}

// Flush waits for background population started by earlier reads.
func (l *Layered) Flush() {
	l.fills.Wait()
}

// Get collapses concurrent lookups of the same key. The shared lookup is
// not cancelled with any single caller; each caller stops waiting when its
// own context is done.
func (l *Layered) Get(ctx context.Context, key []byte) ([]byte, error) {
	ch := l.flight.DoChan(string(key), func() (any, error) {
		return l.get(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		// shared between collapsed callers
		return bytes.Clone(res.Val.([]byte)), nil
	}
}

func (l *Layered) get(ctx context.Context, key []byte) ([]byte, error) {
	var errs error
	var failed int
	for i, tier := range l.tiers {
		v, err := tier.Get(ctx, key)
		if err != nil {
			failed++
			errs = multierr.Append(errs, &TierError{Tier: i, Op: "get", Err: err})
			l.logger.Warn("tier read failed", zap.Int("tier", i), hexField("key", key), zap.Error(err))
			continue
		}
		if v != nil {
			if i > 0 {
				l.populate(ctx, key, v, i)
			}
			return v, nil
		}
	}
	if failed == len(l.tiers) {
		return nil, errs
	}
	return nil, nil
}

func (l *Layered) populate(ctx context.Context, key, value []byte, found int) {
	fill := func(ctx context.Context) {
		for i := found - 1; i >= 0; i-- {
			if err := l.tiers[i].Put(ctx, key, value); err != nil {
				l.logger.Warn("tier population failed", zap.Int("tier", i), hexField("key", key), zap.Error(err))
			}
		}
	}
	if !l.opt.AsyncPopulate {
		fill(ctx)
		return
	}
	key, value = bytes.Clone(key), bytes.Clone(value)
	l.fills.Add(1)
	go func() {
		defer l.fills.Done()
		fill(context.WithoutCancel(ctx))
	}()
}

// writeTiers returns the tiers a write goes to.
func (l *Layered) writeTiers() []int {
	if l.opt.WritePolicy == WriteThrough {
		idx := make([]int, len(l.tiers))
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	return []int{0}
}

func (l *Layered) eachWriteTier(ctx context.Context, op string, f func(ctx context.Context, tier Storage) error) error {
	targets := l.writeTiers()
	if len(targets) == 1 {
		if err := f(ctx, l.tiers[targets[0]]); err != nil {
			return &TierError{Tier: targets[0], Op: op, Err: err}
		}
		return nil
	}
	errs := make([]error, len(targets))
	var g errgroup.Group
	for j, i := range targets {
		g.Go(func() error {
			if err := f(ctx, l.tiers[i]); err != nil {
				errs[j] = &TierError{Tier: i, Op: op, Err: err}
				l.logger.Warn("tier write failed", zap.Int("tier", i), zap.String("op", op), zap.Error(err))
			}
			return nil
		})
	}
	g.Wait()
	return multierr.Combine(errs...)
}

func (l *Layered) Put(ctx context.Context, key, value []byte) error {
	return l.eachWriteTier(ctx, "put", func(ctx context.Context, tier Storage) error {
		return tier.Put(ctx, key, value)
	})
}

func (l *Layered) Delete(ctx context.Context, key []byte) error {
	return l.eachWriteTier(ctx, "delete", func(ctx context.Context, tier Storage) error {
		return tier.Delete(ctx, key)
	})
}

// WriteBatch applies ops to every write tier, atomically within each tier
// that is itself a Batcher. There is no atomicity across tiers.
func (l *Layered) WriteBatch(ctx context.Context, ops []BatchOp) error {
	return l.eachWriteTier(ctx, "batch", func(ctx context.Context, tier Storage) error {
		return writeOps(ctx, tier, ops, true)
	})
}

// Increment is performed by the authoritative write tier (the last tier
// under WriteThrough, tier 0 under WriteTop), and the result is stored in
// the tiers above it. Under WriteTop a counter that tier 0 does not have yet
// is first copied there from the highest lower tier holding it, so counting
// continues from the stored value.
func (l *Layered) Increment(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	targets := l.writeTiers()
	auth := targets[len(targets)-1]
	inc, ok := l.tiers[auth].(Incrementer)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	if l.opt.WritePolicy == WriteTop && len(l.tiers) > 1 {
		if err := l.seedCounter(ctx, key); err != nil {
			return 0, err
		}
	}
	n, err := inc.Increment(ctx, key, delta)
	if err != nil {
		if errors.Is(err, errors.ErrUnsupported) {
			return 0, err
		}
		return 0, &TierError{Tier: auth, Op: "increment", Err: err}
	}
	raw := appendFixedUint64(nil, n)
	for _, i := range targets[:len(targets)-1] {
		if err := l.tiers[i].Put(ctx, key, raw); err != nil {
			l.logger.Warn("tier counter update failed", zap.Int("tier", i), hexField("key", key), zap.Error(err))
		}
	}
	return n, nil
}

// seedCounter copies the counter under key from the lower tiers into tier 0
// unless tier 0 already has it. A lower tier that cannot be read fails the
// increment, since counting from zero could reuse values.
func (l *Layered) seedCounter(ctx context.Context, key []byte) error {
	l.seedMu.Lock()
	defer l.seedMu.Unlock()
	v, err := l.tiers[0].Get(ctx, key)
	if err != nil {
		return &TierError{Tier: 0, Op: "get", Err: err}
	}
	if v != nil {
		return nil
	}
	for i := 1; i < len(l.tiers); i++ {
		v, err := l.tiers[i].Get(ctx, key)
		if err != nil {
			return &TierError{Tier: i, Op: "get", Err: err}
		}
		if v == nil {
			continue
		}
		if err := l.tiers[0].Put(ctx, key, v); err != nil {
			return &TierError{Tier: 0, Op: "put", Err: err}
		}
		l.logger.Debug("counter seeded", zap.Int("from_tier", i), hexField("key", key))
		return nil
	}
	return nil
}

func (l *Layered) Scan(ctx context.Context, prefix []byte) Iterator {
	it := &layeredIterator{
		its:    make([]Iterator, len(l.tiers)),
		live:   make([]bool, len(l.tiers)),
		logger: l.logger,
	}
	for i, tier := range l.tiers {
		it.its[i] = tier.Scan(ctx, prefix)
		it.advance(i)
	}
	return it
}

// layeredIterator merges per-tier iterators. Each live tier iterator is
// positioned on its smallest key not yet returned.
type layeredIterator struct {
	its    []Iterator
	live   []bool
	failed int
	errs   error
	key    []byte
	value  []byte
	logger *zap.Logger
}

func (it *layeredIterator) advance(i int) {
	sub := it.its[i]
	if sub.Next() {
		it.live[i] = true
		return
	}
	it.live[i] = false
	if err := sub.Err(); err != nil {
		it.failed++
		it.errs = multierr.Append(it.errs, &TierError{Tier: i, Op: "scan", Err: err})
		it.logger.Warn("tier scan failed", zap.Int("tier", i), zap.Error(err))
	}
}

func (it *layeredIterator) Next() bool {
	best := -1
	for i, live := range it.live {
		if !live {
			continue
		}
		if best < 0 || bytes.Compare(it.its[i].Key(), it.its[best].Key()) < 0 {
			best = i
		}
	}
	if best < 0 {
		it.key, it.value = nil, nil
		return false
	}
	it.key = bytes.Clone(it.its[best].Key())
	it.value = bytes.Clone(it.its[best].Value())
	for i, live := range it.live {
		if live && bytes.Equal(it.its[i].Key(), it.key) {
			it.advance(i)
		}
	}
	return true
}

func (it *layeredIterator) Key() []byte   { return it.key }
func (it *layeredIterator) Value() []byte { return it.value }

func (it *layeredIterator) Err() error {
	if it.failed == len(it.its) {
		return it.errs
	}
	return nil
}

func (it *layeredIterator) Close() error {
	var err error
	for _, sub := range it.its {
		err = multierr.Append(err, sub.Close())
	}
	return err
}
