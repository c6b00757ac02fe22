// Package storagetest checks that a kvtab.Storage implementation honors the
// storage contract: point reads and writes, ordered prefix scans, and the
// optional Incrementer and Batcher extensions.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/andreyvit/kvtab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

// Logger returns a logger that writes through t.
func Logger(t testing.TB) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.DebugLevel))
}

// Run runs the conformance suite. open must return a new, empty storage for
// every call.
func Run(t *testing.T, open func(t *testing.T) kvtab.Storage) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s kvtab.Storage)
	}{
		{"GetMissing", testGetMissing},
		{"PutGet", testPutGet},
		{"Overwrite", testOverwrite},
		{"Delete", testDelete},
		{"ScanOrder", testScanOrder},
		{"ScanPrefix", testScanPrefix},
		{"ScanMany", testScanMany},
		{"ScanEarlyClose", testScanEarlyClose},
		{"Increment", testIncrement},
		{"IncrementConcurrent", testIncrementConcurrent},
		{"WriteBatch", testWriteBatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func testGetMissing(t *testing.T, s kvtab.Storage) {
	v, err := s.Get(context.Background(), []byte("nope"))
	require.NoError(t, err)
	assert.Nil(t, v)
}

func testPutGet(t *testing.T, s kvtab.Storage) {
	ctx := context.Background()
	key := []byte{1, 0, 0x00, 0xFF, 'a'}
	val := []byte{0, 1, 2, 0xFE}
	require.NoError(t, s.Put(ctx, key, val))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, val, got)

	got, err = s.Get(ctx, key[:len(key)-1])
	require.NoError(t, err)
	assert.Nil(t, got, "a prefix of a stored key is a different key")
}

func testOverwrite(t *testing.T, s kvtab.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("k"), []byte("one")))
	require.NoError(t, s.Put(ctx, []byte("k"), []byte("two")))

	got, err := s.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	all, err := kvtab.ScanAll(ctx, s, nil)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func testDelete(t *testing.T, s kvtab.Storage) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("a"), []byte("1")))
	require.NoError(t, s.Put(ctx, []byte("b"), []byte("2")))
	require.NoError(t, s.Delete(ctx, []byte("a")))
	require.NoError(t, s.Delete(ctx, []byte("missing")))

	got, err := s.Get(ctx, []byte("a"))
	require.NoError(t, err)
	assert.Nil(t, got)

	all, err := kvtab.ScanAll(ctx, s, nil)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, []byte("b"), all[0].Key)
}

func testScanOrder(t *testing.T, s kvtab.Storage) {
	ctx := context.Background()
	keys := [][]byte{
		{0x05, 0xFF},
		{0x05},
		{0x05, 0x00},
		{0x05, 0x00, 0x01},
		{0x80},
		{0x04, 0xFF, 0xFF},
		{0xFF},
	}
	for i, k := range keys {
		require.NoError(t, s.Put(ctx, k, []byte{byte(i)}))
	}

	all, err := kvtab.ScanAll(ctx, s, nil)
	require.NoError(t, err)
	got := make([][]byte, len(all))
	for i, kv := range all {
		got[i] = kv.Key
	}
	assert.Equal(t, [][]byte{
		{0x04, 0xFF, 0xFF},
		{0x05},
		{0x05, 0x00},
		{0x05, 0x00, 0x01},
		{0x05, 0xFF},
		{0x80},
		{0xFF},
	}, got)
	for _, kv := range all {
		v, err := s.Get(ctx, kv.Key)
		require.NoError(t, err)
		assert.Equal(t, v, kv.Value)
	}
}

func testScanPrefix(t *testing.T, s kvtab.Storage) {
	ctx := context.Background()
	for _, k := range []string{"a", "ab", "abc", "abd", "ac", "b", "aa"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte(k)))
	}

	all, err := kvtab.ScanAll(ctx, s, []byte("ab"))
	require.NoError(t, err)
	var got []string
	for _, kv := range all {
		got = append(got, string(kv.Key))
		assert.Equal(t, kv.Key, kv.Value)
	}
	assert.Equal(t, []string{"ab", "abc", "abd"}, got)

	all, err = kvtab.ScanAll(ctx, s, []byte("zzz"))
	require.NoError(t, err)
	assert.Empty(t, all)
}

func testScanMany(t *testing.T, s kvtab.Storage) {
	ctx := context.Background()
	const n = 600
	for i := n - 1; i >= 0; i-- {
		require.NoError(t, s.Put(ctx, []byte(fmt.Sprintf("p%05d", i)), []byte{byte(i)}))
	}
	require.NoError(t, s.Put(ctx, []byte("q"), []byte("other")))

	all, err := kvtab.ScanAll(ctx, s, []byte("p"))
	require.NoError(t, err)
	require.Len(t, all, n)
	for i, kv := range all {
		assert.Equal(t, fmt.Sprintf("p%05d", i), string(kv.Key))
		assert.Equal(t, []byte{byte(i)}, kv.Value)
	}
}

func testScanEarlyClose(t *testing.T, s kvtab.Storage) {
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		require.NoError(t, s.Put(ctx, []byte{byte(i)}, []byte{byte(i)}))
	}
	it := s.Scan(ctx, nil)
	require.True(t, it.Next())
	assert.Equal(t, []byte{0}, it.Key())
	require.NoError(t, it.Close())

	// the storage stays writable after an abandoned scan
	require.NoError(t, s.Put(ctx, []byte{42}, []byte{42}))
}

func testIncrement(t *testing.T, s kvtab.Storage) {
	inc, ok := s.(kvtab.Incrementer)
	if !ok {
		t.Skip("not an Incrementer")
	}
	ctx := context.Background()
	key := []byte("counter")

	n, err := inc.Increment(ctx, key, 1)
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("Increment unsupported")
	}
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	n, err = inc.Increment(ctx, key, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), n)

	raw, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 6}, raw)
}

func testIncrementConcurrent(t *testing.T, s kvtab.Storage) {
	inc, ok := s.(kvtab.Incrementer)
	if !ok {
		t.Skip("not an Incrementer")
	}
	ctx := context.Background()
	key := []byte("counter")
	if _, err := inc.Increment(ctx, key, 0); errors.Is(err, errors.ErrUnsupported) {
		t.Skip("Increment unsupported")
	}

	const workers, perWorker = 8, 25
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				n, err := inc.Increment(ctx, key, 1)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				seen[n] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers*perWorker)
}

func testWriteBatch(t *testing.T, s kvtab.Storage) {
	b, ok := s.(kvtab.Batcher)
	if !ok {
		t.Skip("not a Batcher")
	}
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, []byte("gone"), []byte("x")))

	err := b.WriteBatch(ctx, []kvtab.BatchOp{
		{Key: []byte("a"), Value: []byte("1")},
		{Key: []byte("gone"), Delete: true},
		{Key: []byte("b"), Value: []byte("2")},
	})
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("WriteBatch unsupported")
	}
	require.NoError(t, err)

	all, err := kvtab.ScanAll(ctx, s, nil)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.True(t, bytes.Equal(all[0].Key, []byte("a")))
	assert.Equal(t, []byte("2"), all[1].Value)
}
