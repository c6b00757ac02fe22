package kvtab

import (
	"context"
	"errors"

	"golang.org/x/time/rate"
)

// Throttle limits the rate of operations sent to s. Each Get, Put, Delete,
// Increment and WriteBatch takes one token; a Scan takes one token when it
// starts. Waiting honours the context deadline.
//
// The result always implements Incrementer and Batcher and reports
// errors.ErrUnsupported when s does not.
func Throttle(s Storage, limiter *rate.Limiter) Storage {
	return &throttled{inner: s, limiter: limiter}
}

type throttled struct {
	inner   Storage
	limiter *rate.Limiter
}

var (
	_ Incrementer = (*throttled)(nil)
	_ Batcher     = (*throttled)(nil)
)

func (t *throttled) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Get(ctx, key)
}

func (t *throttled) Put(ctx context.Context, key, value []byte) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Put(ctx, key, value)
}

func (t *throttled) Delete(ctx context.Context, key []byte) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return t.inner.Delete(ctx, key)
}

func (t *throttled) Scan(ctx context.Context, prefix []byte) Iterator {
	if err := t.limiter.Wait(ctx); err != nil {
		return ErrIterator(err)
	}
	return t.inner.Scan(ctx, prefix)
}

func (t *throttled) Increment(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	inc, ok := t.inner.(Incrementer)
	if !ok {
		return 0, errors.ErrUnsupported
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	return inc.Increment(ctx, key, delta)
}

func (t *throttled) WriteBatch(ctx context.Context, ops []BatchOp) error {
	b, ok := t.inner.(Batcher)
	if !ok {
		return errors.ErrUnsupported
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return err
	}
	return b.WriteBatch(ctx, ops)
}
