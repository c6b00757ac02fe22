package kvtab_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/andreyvit/kvtab"
	"github.com/andreyvit/kvtab/storagetest"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

type (
	User struct {
		Email string `msgpack:"e" json:"e" bson:"e"`
		Name  string `msgpack:"n" json:"n" bson:"n"`
		Age   int    `msgpack:"a" json:"a" bson:"a"`
	}

	PostKey struct {
		Author uint64
		Seq    uint32
	}
	Post struct {
		Author uint64 `msgpack:"au" json:"au" bson:"au"`
		Seq    uint32 `msgpack:"s" json:"s" bson:"s"`
		Title  string `msgpack:"t" json:"t" bson:"t"`
	}

	Session struct {
		User    uint64    `msgpack:"u" json:"u" bson:"u"`
		Created time.Time `msgpack:"c" json:"c" bson:"c"`
	}

	Widget struct {
		Name  string `msgpack:"n" json:"n" bson:"n"`
		Color string `msgpack:"c" json:"c" bson:"c"`
	}
)

type testSchema struct {
	*kvtab.Schema

	users        *kvtab.TableDef[User, uint64]
	usersByEmail *kvtab.IndexDef[User, uint64, string]
	usersByName  *kvtab.IndexDef[User, uint64, string]
	usersByAge   *kvtab.IndexDef[User, uint64, int]

	posts       *kvtab.TableDef[Post, PostKey]
	postsAuthor *kvtab.ForeignKeyDef[Post, PostKey, User, uint64]

	sessions       *kvtab.TableDef[Session, uuid.UUID]
	sessionsByUser *kvtab.IndexDef[Session, uuid.UUID, uint64]

	widgets        *kvtab.TableDef[Widget, string]
	widgetsByColor *kvtab.IndexDef[Widget, string, string]
}

func newTestSchema() *testSchema {
	s := &testSchema{Schema: kvtab.NewSchema()}

	s.users = kvtab.DefineAutoTable[User, uint64](s.Schema, 1, "users")
	s.usersByEmail = kvtab.DefineIndex(s.users, "by_email", func(u *User) string { return u.Email }, kvtab.IndexUnique)
	s.usersByName = kvtab.DefineIndex(s.users, "by_name", func(u *User) string { return u.Name })
	s.usersByAge = kvtab.DefineIndex(s.users, "by_age", func(u *User) int { return u.Age })

	s.posts = kvtab.DefineTable(s.Schema, 2, "posts", func(p *Post) PostKey { return PostKey{p.Author, p.Seq} })
	s.postsAuthor = kvtab.DefineForeignKey(s.posts, "author", s.users, func(p *Post) kvtab.Ref[User, uint64] {
		return kvtab.RefTo(s.users, p.Author)
	})

	s.sessions = kvtab.DefineTable[Session, uuid.UUID](s.Schema, 3, "sessions", nil, kvtab.GeneratedUUID, kvtab.Scatter)
	s.sessionsByUser = kvtab.DefineIndex(s.sessions, "by_user", func(s *Session) uint64 { return s.User })

	s.widgets = kvtab.DefineTable(s.Schema, 4, "widgets", func(w *Widget) string { return w.Name })
	s.widgetsByColor = kvtab.DefineIndex(s.widgets, "by_color", func(w *Widget) string { return w.Color })
	return s
}

func openTestDB(t *testing.T, storage kvtab.Storage, opt kvtab.Options) (*kvtab.DB, *testSchema) {
	t.Helper()
	if storage == nil {
		storage = kvtab.NewMemStorage()
	}
	if opt.Logger == nil {
		opt.Logger = storagetest.Logger(t)
		opt.Verbose = true
	}
	s := newTestSchema()
	db, err := kvtab.Open(context.Background(), storage, s.Schema, opt)
	require.NoError(t, err)
	return db, s
}

// testStorages lists the backends every end-to-end scenario runs against.
func testStorages() map[string]func(t *testing.T) kvtab.Storage {
	return map[string]func(t *testing.T) kvtab.Storage{
		"mem": func(t *testing.T) kvtab.Storage {
			return kvtab.NewMemStorage()
		},
		"plain": func(t *testing.T) kvtab.Storage {
			return plainStorage{kvtab.NewMemStorage()}
		},
		"bolt": func(t *testing.T) kvtab.Storage {
			return openBolt(t, kvtab.BoltOptions{PageSize: 4, NoSync: true})
		},
		"layered": func(t *testing.T) kvtab.Storage {
			return kvtab.NewLayered([]kvtab.Storage{
				kvtab.NewMemStorage(),
				openBolt(t, kvtab.BoltOptions{NoSync: true}),
			}, kvtab.LayeredOptions{WritePolicy: kvtab.WriteThrough, Logger: storagetest.Logger(t)})
		},
		"write-top": func(t *testing.T) kvtab.Storage {
			return kvtab.NewLayered([]kvtab.Storage{
				kvtab.NewMemStorage(),
				openBolt(t, kvtab.BoltOptions{NoSync: true}),
			}, kvtab.LayeredOptions{WritePolicy: kvtab.WriteTop, Logger: storagetest.Logger(t)})
		},
		"throttled": func(t *testing.T) kvtab.Storage {
			return kvtab.Throttle(kvtab.NewMemStorage(), rate.NewLimiter(rate.Inf, 1))
		},
	}
}

func TestDB_InsertAndRead(t *testing.T) {
	for name, open := range testStorages() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db, s := openTestDB(t, open(t), kvtab.Options{})

			foo := &User{Email: "foo@example.com", Name: "foo", Age: 30}
			bar := &User{Email: "bar@example.com", Name: "bar", Age: 40}
			k1, err := kvtab.Insert(ctx, db, s.users, foo)
			require.NoError(t, err)
			k2, err := kvtab.Insert(ctx, db, s.users, bar)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), k1)
			assert.Equal(t, uint64(2), k2)

			u, err := kvtab.Get(ctx, db, s.users, k1)
			require.NoError(t, err)
			assert.Equal(t, foo, u)

			u, err = kvtab.LookupByIndex(ctx, db, s.usersByEmail, "bar@example.com")
			require.NoError(t, err)
			assert.Equal(t, bar, u)

			keys, err := kvtab.GetByIndex(ctx, db, s.usersByAge, 30)
			require.NoError(t, err)
			assert.Equal(t, []uint64{k1}, keys)

			u, err = kvtab.Get(ctx, db, s.users, 99)
			require.NoError(t, err)
			assert.Nil(t, u)

			u, err = kvtab.LookupByIndex(ctx, db, s.usersByEmail, "nobody@example.com")
			require.NoError(t, err)
			assert.Nil(t, u)

			ok, err := kvtab.Exists(ctx, db, s.users, k2)
			require.NoError(t, err)
			assert.True(t, ok)

			n, err := kvtab.Count(ctx, db, s.users.Table)
			require.NoError(t, err)
			assert.Equal(t, 2, n)
		})
	}
}

func TestDB_UpdateMovesIndexEntry(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	k, err := kvtab.Insert(ctx, db, s.users, &User{Email: "old@example.com", Name: "foo"})
	require.NoError(t, err)
	require.NoError(t, kvtab.Update(ctx, db, s.users, k, &User{Email: "new@example.com", Name: "foo"}))

	u, err := kvtab.LookupByIndex(ctx, db, s.usersByEmail, "old@example.com")
	require.NoError(t, err)
	assert.Nil(t, u)
	keys, err := kvtab.GetByIndex(ctx, db, s.usersByEmail, "old@example.com")
	require.NoError(t, err)
	assert.Empty(t, keys)

	keys, err = kvtab.GetByIndex(ctx, db, s.usersByEmail, "new@example.com")
	require.NoError(t, err)
	assert.Equal(t, []uint64{k}, keys)

	entries, err := kvtab.ScanAll(ctx, db.Storage(), s.usersByEmail.Prefix())
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	stats, err := db.TableStats(ctx, s.users.Table)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Rows)
	assert.Equal(t, 3, stats.IndexRows)
	assert.Equal(t, stats.DataSize+stats.IndexSize, stats.TotalSize())
}

func TestDB_UpdateMissing(t *testing.T) {
	ctx := context.Background()

	db, s := openTestDB(t, nil, kvtab.Options{})
	require.NoError(t, kvtab.Update(ctx, db, s.users, 42, &User{Name: "ghost"}))
	u, err := kvtab.Get(ctx, db, s.users, 42)
	require.NoError(t, err)
	assert.Nil(t, u)

	db, s = openTestDB(t, nil, kvtab.Options{Strict: true})
	err = kvtab.Update(ctx, db, s.users, 42, &User{Name: "ghost"})
	assert.ErrorIs(t, err, kvtab.ErrNotFound)
}

func TestDB_DeleteMissing(t *testing.T) {
	ctx := context.Background()

	db, s := openTestDB(t, nil, kvtab.Options{})
	u, err := kvtab.Delete(ctx, db, s.users, 42)
	require.NoError(t, err)
	assert.Nil(t, u)

	db, s = openTestDB(t, nil, kvtab.Options{Strict: true})
	_, err = kvtab.Delete(ctx, db, s.users, 42)
	assert.ErrorIs(t, err, kvtab.ErrNotFound)

	k, err := kvtab.Insert(ctx, db, s.users, &User{Email: "a@example.com"})
	require.NoError(t, err)
	u, err = kvtab.Delete(ctx, db, s.users, k)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", u.Email)
	_, err = kvtab.Delete(ctx, db, s.users, k)
	assert.ErrorIs(t, err, kvtab.ErrNotFound)
}

func TestDB_DerivedKeys(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	k, err := kvtab.Insert(ctx, db, s.widgets, &Widget{Name: "a", Color: "red"})
	require.NoError(t, err)
	assert.Equal(t, "a", k)

	_, err = kvtab.Insert(ctx, db, s.widgets, &Widget{Name: "a", Color: "blue"})
	assert.ErrorIs(t, err, kvtab.ErrAlreadyExists)

	err = kvtab.Update(ctx, db, s.widgets, "a", &Widget{Name: "b", Color: "blue"})
	assert.ErrorIs(t, err, kvtab.ErrKeyMismatch)

	k, err = kvtab.Put(ctx, db, s.widgets, &Widget{Name: "a", Color: "blue"})
	require.NoError(t, err)
	assert.Equal(t, "a", k)
	keys, err := kvtab.GetByIndex(ctx, db, s.widgetsByColor, "red")
	require.NoError(t, err)
	assert.Empty(t, keys)

	_, err = kvtab.Put(ctx, db, s.users, &User{})
	assert.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestDB_Delete(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	in := &User{Email: "foo@example.com", Name: "foo", Age: 3}
	k, err := kvtab.Insert(ctx, db, s.users, in)
	require.NoError(t, err)

	old, err := kvtab.Delete(ctx, db, s.users, k)
	require.NoError(t, err)
	assert.Equal(t, in, old)

	u, err := kvtab.Get(ctx, db, s.users, k)
	require.NoError(t, err)
	assert.Nil(t, u)

	stats, err := db.TableStats(ctx, s.users.Table)
	require.NoError(t, err)
	assert.Equal(t, kvtab.TableStats{}, stats)

	old, err = kvtab.Delete(ctx, db, s.users, k)
	require.NoError(t, err)
	assert.Nil(t, old)
}

func TestDB_UniqueIndex(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	k1, err := kvtab.Insert(ctx, db, s.users, &User{Email: "foo@example.com", Name: "foo"})
	require.NoError(t, err)
	_, err = kvtab.Insert(ctx, db, s.users, &User{Email: "foo@example.com", Name: "impostor"})
	require.ErrorIs(t, err, kvtab.ErrDuplicateValue)

	n, err := kvtab.Count(ctx, db, s.users.Table)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	keys, err := kvtab.GetByIndex(ctx, db, s.usersByName, "impostor")
	require.NoError(t, err)
	assert.Empty(t, keys)

	// a record keeps its own value
	require.NoError(t, kvtab.Update(ctx, db, s.users, k1, &User{Email: "foo@example.com", Name: "renamed"}))

	k2, err := kvtab.Insert(ctx, db, s.users, &User{Email: "bar@example.com", Name: "bar"})
	require.NoError(t, err)
	err = kvtab.Update(ctx, db, s.users, k2, &User{Email: "foo@example.com", Name: "bar"})
	require.ErrorIs(t, err, kvtab.ErrDuplicateValue)
	u, err := kvtab.Get(ctx, db, s.users, k2)
	require.NoError(t, err)
	assert.Equal(t, "bar@example.com", u.Email)

	// once freed, the value can be taken
	_, err = kvtab.Delete(ctx, db, s.users, k1)
	require.NoError(t, err)
	require.NoError(t, kvtab.Update(ctx, db, s.users, k2, &User{Email: "foo@example.com", Name: "bar"}))
}

func TestDB_UniqueIndexConcurrent(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{Logger: zap.NewNop()})

	const writers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var won int
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := kvtab.Insert(ctx, db, s.users, &User{Email: "race@example.com", Name: fmt.Sprint(i)})
			if err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			} else {
				assert.ErrorIs(t, err, kvtab.ErrDuplicateValue)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
}

func TestDB_NonUniqueDuplicatesInKeyOrder(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	var want []uint64
	for i := 0; i < 5; i++ {
		k, err := kvtab.Insert(ctx, db, s.users, &User{Email: fmt.Sprintf("u%d@example.com", i), Name: "same"})
		require.NoError(t, err)
		want = append(want, k)
	}
	keys, err := kvtab.GetByIndex(ctx, db, s.usersByName, "same")
	require.NoError(t, err)
	assert.Equal(t, want, keys)

	u, err := kvtab.LookupByIndex(ctx, db, s.usersByName, "same")
	require.NoError(t, err)
	assert.Equal(t, "u0@example.com", u.Email)
}

func TestDB_AutoIncrement(t *testing.T) {
	for name, open := range testStorages() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			db, s := openTestDB(t, open(t), kvtab.Options{Logger: zap.NewNop()})

			const workers, perWorker = 8, 20
			var wg sync.WaitGroup
			var mu sync.Mutex
			seen := make(map[uint64]bool)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						k, err := kvtab.Insert(ctx, db, s.users, &User{Email: fmt.Sprintf("%d.%d@example.com", w, i)})
						if !assert.NoError(t, err) {
							return
						}
						mu.Lock()
						assert.False(t, seen[k], "key %d assigned twice", k)
						seen[k] = true
						mu.Unlock()
					}
				}()
			}
			wg.Wait()
			require.Len(t, seen, workers*perWorker)

			last := uint64(workers * perWorker)
			assert.True(t, seen[last])
			_, err := kvtab.Delete(ctx, db, s.users, last)
			require.NoError(t, err)
			k, err := kvtab.Insert(ctx, db, s.users, &User{Email: "after@example.com"})
			require.NoError(t, err)
			assert.Equal(t, last+1, k)
		})
	}
}

func TestDB_GeneratedUUIDKeys(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	seen := make(map[uuid.UUID]bool)
	for i := 0; i < 50; i++ {
		k, err := kvtab.Insert(ctx, db, s.sessions, &Session{User: uint64(i % 3), Created: time.Now()})
		require.NoError(t, err)
		assert.Equal(t, uuid.Version(7), k.Version())
		seen[k] = true
	}
	assert.Len(t, seen, 50)

	keys, err := kvtab.ScanTable(ctx, db, s.sessions).Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 50)
	for _, k := range keys {
		assert.True(t, seen[k])
	}

	byUser, err := kvtab.GetByIndex(ctx, db, s.sessionsByUser, 1)
	require.NoError(t, err)
	assert.Len(t, byUser, 17)

	c := kvtab.RangeByKey(ctx, db, s.sessions, uuid.Nil, uuid.New())
	assert.False(t, c.Next())
	assert.ErrorIs(t, c.Err(), errors.ErrUnsupported)
	c.Close()
}

func TestDB_RangeByKey(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	for _, pk := range []PostKey{{2, 1}, {1, 3}, {1, 1}, {2, 2}, {1, 2}, {1, 5}, {3, 0}} {
		_, err := kvtab.Insert(ctx, db, s.posts, &Post{Author: pk.Author, Seq: pk.Seq, Title: fmt.Sprint(pk)})
		require.NoError(t, err)
	}

	keys, err := kvtab.RangeByKey(ctx, db, s.posts, PostKey{1, 0}, PostKey{2, 0}).Keys()
	require.NoError(t, err)
	assert.Equal(t, []PostKey{{1, 1}, {1, 2}, {1, 3}, {1, 5}}, keys)

	keys, err = kvtab.RangeByKey(ctx, db, s.posts, PostKey{1, 2}, PostKey{2, 2}).Keys()
	require.NoError(t, err)
	assert.Equal(t, []PostKey{{1, 2}, {1, 3}, {1, 5}, {2, 1}}, keys)

	keys, err = kvtab.RangeByKey(ctx, db, s.posts, PostKey{2, 0}, PostKey{1, 0}).Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)

	rows, err := kvtab.ScanTable(ctx, db, s.posts).Rows()
	require.NoError(t, err)
	require.Len(t, rows, 7)
	assert.Equal(t, uint64(1), rows[0].Author)
	assert.Equal(t, uint64(3), rows[6].Author)
}

func TestDB_RangeByIndex(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	ages := map[int]uint64{}
	for _, age := range []int{50, -5, 20, 35, 10, 40, 20} {
		k, err := kvtab.Insert(ctx, db, s.users, &User{Email: fmt.Sprintf("%d.%d@example.com", age, len(ages)), Age: age})
		require.NoError(t, err)
		if _, ok := ages[age]; !ok {
			ages[age] = k
		}
	}

	c := kvtab.RangeByIndex(ctx, db, s.usersByAge, 20, 50)
	var got []int
	for c.Next() {
		got = append(got, c.Value())
		u, err := c.Row()
		require.NoError(t, err)
		assert.Equal(t, c.Value(), u.Age)
	}
	require.NoError(t, c.Err())
	c.Close()
	assert.Equal(t, []int{20, 20, 35, 40}, got)

	c = kvtab.ScanIndex(ctx, db, s.usersByAge)
	got = nil
	for c.Next() {
		got = append(got, c.Value())
	}
	require.NoError(t, c.Err())
	c.Close()
	assert.Equal(t, []int{-5, 10, 20, 20, 35, 40, 50}, got)

	keys, err := kvtab.RangeByIndex(ctx, db, s.usersByAge, -100, 0).Keys()
	require.NoError(t, err)
	assert.Equal(t, []uint64{ages[-5]}, keys)
}

func TestDB_ForeignKeys(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})

	alice, err := kvtab.Insert(ctx, db, s.users, &User{Email: "alice@example.com", Name: "alice"})
	require.NoError(t, err)
	bob, err := kvtab.Insert(ctx, db, s.users, &User{Email: "bob@example.com", Name: "bob"})
	require.NoError(t, err)
	for i, author := range []uint64{alice, bob, alice} {
		_, err := kvtab.Insert(ctx, db, s.posts, &Post{Author: author, Seq: uint32(i)})
		require.NoError(t, err)
	}

	keys, err := kvtab.Referencing(ctx, db, s.postsAuthor, alice)
	require.NoError(t, err)
	assert.Equal(t, []PostKey{{alice, 0}, {alice, 2}}, keys)

	p, err := kvtab.Get(ctx, db, s.posts, PostKey{bob, 1})
	require.NoError(t, err)
	u, err := kvtab.Deref(ctx, db, s.postsAuthor.TargetDef, kvtab.RefTo(s.users, p.Author))
	require.NoError(t, err)
	assert.Equal(t, "bob", u.Name)

	_, err = kvtab.Delete(ctx, db, s.users, bob)
	require.NoError(t, err)
	u, err = kvtab.Deref(ctx, db, s.users, kvtab.RefTo(s.users, bob))
	require.NoError(t, err)
	assert.Nil(t, u)
}

func TestDB_OnChange(t *testing.T) {
	ctx := context.Background()
	var changes []*kvtab.Change
	db, s := openTestDB(t, nil, kvtab.Options{
		OnChange: func(chg *kvtab.Change) { changes = append(changes, chg) },
	})

	w := &Widget{Name: "a", Color: "red"}
	_, err := kvtab.Put(ctx, db, s.widgets, w)
	require.NoError(t, err)
	_, err = kvtab.Put(ctx, db, s.widgets, &Widget{Name: "a", Color: "red"})
	require.NoError(t, err)
	_, err = kvtab.Put(ctx, db, s.widgets, &Widget{Name: "a", Color: "blue"})
	require.NoError(t, err)
	_, err = kvtab.Delete(ctx, db, s.widgets, "a")
	require.NoError(t, err)
	_, err = kvtab.Delete(ctx, db, s.widgets, "a")
	require.NoError(t, err)

	require.Len(t, changes, 3)

	assert.Equal(t, kvtab.OpPut, changes[0].Op())
	assert.Same(t, s.widgets.Table, changes[0].Table())
	assert.Equal(t, "a", changes[0].Key())
	assert.Equal(t, w, changes[0].Row())
	assert.False(t, changes[0].HasOldRow())

	assert.Equal(t, kvtab.OpPut, changes[1].Op())
	assert.Equal(t, &Widget{Name: "a", Color: "red"}, changes[1].OldRow())
	assert.Equal(t, &Widget{Name: "a", Color: "blue"}, changes[1].Row())

	assert.Equal(t, kvtab.OpDelete, changes[2].Op())
	assert.False(t, changes[2].HasRow())
	assert.Nil(t, changes[2].Row())
	assert.Equal(t, &Widget{Name: "a", Color: "blue"}, changes[2].OldRow())
	assert.Equal(t, `delete widgets/"a"`, changes[2].String())
}

func TestDB_SerializerAndCompression(t *testing.T) {
	ctx := context.Background()
	storage := kvtab.NewMemStorage()

	db, s := openTestDB(t, storage, kvtab.Options{Serializer: kvtab.JSON, Compression: kvtab.CompressZstd, CompressionThreshold: 1})
	long := &Widget{Name: "long", Color: fmt.Sprintf("%0500d", 7)}
	_, err := kvtab.Put(ctx, db, s.widgets, long)
	require.NoError(t, err)

	db, s = openTestDB(t, storage, kvtab.Options{Serializer: kvtab.BSON, Compression: kvtab.CompressLZ4})
	_, err = kvtab.Put(ctx, db, s.widgets, &Widget{Name: "short", Color: "red"})
	require.NoError(t, err)

	db, s = openTestDB(t, storage, kvtab.Options{})
	w, err := kvtab.Get(ctx, db, s.widgets, "long")
	require.NoError(t, err)
	assert.Equal(t, long, w)
	w, err = kvtab.Get(ctx, db, s.widgets, "short")
	require.NoError(t, err)
	assert.Equal(t, "red", w.Color)

	dump, err := db.Dump(ctx, kvtab.DumpRows)
	require.NoError(t, err)
	assert.Contains(t, dump, `widgets.1 "long" = (json, `)
	assert.Contains(t, dump, `widgets.2 "short" = (bson, `)

	_, err = kvtab.Open(ctx, storage, s.Schema, kvtab.Options{Serializer: kvtab.Serializer(9)})
	assert.Error(t, err)
}

func TestDB_Dump(t *testing.T) {
	ctx := context.Background()
	db, s := openTestDB(t, nil, kvtab.Options{})
	_, err := kvtab.Put(ctx, db, s.widgets, &Widget{Name: "a", Color: "red"})
	require.NoError(t, err)

	dump, err := db.Dump(ctx, kvtab.DumpAll)
	require.NoError(t, err)
	assert.Contains(t, dump, "widgets (1 rows)\n")
	assert.Contains(t, dump, `widgets.1 "a" = (msgpack, `)
	assert.Contains(t, dump, `{"n":"a","c":"red"}`)
	assert.Contains(t, dump, "widgets.i.by_color (0x02)\n")
	assert.Contains(t, dump, `widgets.i.by_color.1: "red" => "a"`)
	assert.Contains(t, dump, "users (0 rows)\n")
	assert.NotContains(t, dump, "PENDING")
}

func TestDB_OpenRejectsInvalidSchema(t *testing.T) {
	scm := kvtab.NewSchema()
	kvtab.DefineTable(scm, 1, "a", func(w *Widget) string { return w.Name })
	kvtab.DefineTable(scm, 1, "b", func(w *Widget) string { return w.Name })
	_, err := kvtab.Open(context.Background(), kvtab.NewMemStorage(), scm, kvtab.Options{})
	assert.ErrorIs(t, err, kvtab.ErrSchemaViolation)
}

// TestDB_IndexConsistency applies random puts and deletes and then checks
// that index entries and records correspond one to one.
func TestDB_IndexConsistency(t *testing.T) {
	for _, batching := range []bool{true, false} {
		t.Run(fmt.Sprintf("batching=%v", batching), func(t *testing.T) {
			ctx := context.Background()
			db, s := openTestDB(t, nil, kvtab.Options{Logger: zap.NewNop(), DisableBatching: !batching})
			rnd := rand.New(rand.NewPCG(1, 2))
			colors := []string{"red", "green", "blue", "", "red\x00"}

			want := make(map[string]string)
			for i := 0; i < 2000; i++ {
				name := fmt.Sprintf("w%02d", rnd.IntN(40))
				if rnd.IntN(4) == 0 {
					_, err := kvtab.Delete(ctx, db, s.widgets, name)
					require.NoError(t, err)
					delete(want, name)
				} else {
					color := colors[rnd.IntN(len(colors))]
					_, err := kvtab.Put(ctx, db, s.widgets, &Widget{Name: name, Color: color})
					require.NoError(t, err)
					want[name] = color
				}
			}

			stats, err := db.TableStats(ctx, s.widgets.Table)
			require.NoError(t, err)
			assert.Equal(t, len(want), stats.Rows)
			assert.Equal(t, len(want), stats.IndexRows)

			for _, color := range colors {
				keys, err := kvtab.GetByIndex(ctx, db, s.widgetsByColor, color)
				require.NoError(t, err)
				var expected []string
				for name, c := range want {
					if c == color {
						expected = append(expected, name)
					}
				}
				assert.ElementsMatch(t, expected, keys, "color %q", color)
				assert.IsIncreasing(t, keys)
			}
		})
	}
}

// A fresh write-top tier over a populated bottom tier must keep counting
// from the stored sequence and see the existing records and index entries.
func TestDB_LayeredWriteTopKeepsCounter(t *testing.T) {
	for name, top := range map[string]func() kvtab.Storage{
		"incrementer": func() kvtab.Storage { return kvtab.NewMemStorage() },
		"plain":       func() kvtab.Storage { return plainStorage{kvtab.NewMemStorage()} },
	} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			bottom := kvtab.NewMemStorage()

			db, s := openTestDB(t, bottom, kvtab.Options{})
			for i := 1; i <= 3; i++ {
				_, err := kvtab.Insert(ctx, db, s.users, &User{Email: fmt.Sprintf("u%d@example.com", i)})
				require.NoError(t, err)
			}
			_, err := kvtab.Delete(ctx, db, s.users, 3)
			require.NoError(t, err)

			l := kvtab.NewLayered([]kvtab.Storage{top(), bottom}, kvtab.LayeredOptions{
				WritePolicy: kvtab.WriteTop,
				Logger:      storagetest.Logger(t),
			})
			db, s = openTestDB(t, l, kvtab.Options{})

			k, err := kvtab.Insert(ctx, db, s.users, &User{Email: "u4@example.com"})
			require.NoError(t, err)
			assert.Equal(t, uint64(4), k)
			k, err = kvtab.Insert(ctx, db, s.users, &User{Email: "u5@example.com"})
			require.NoError(t, err)
			assert.Equal(t, uint64(5), k)

			_, err = kvtab.Insert(ctx, db, s.users, &User{Email: "u1@example.com"})
			assert.ErrorIs(t, err, kvtab.ErrDuplicateValue)

			u, err := kvtab.Get(ctx, db, s.users, 2)
			require.NoError(t, err)
			require.NotNil(t, u)
			assert.Equal(t, "u2@example.com", u.Email)

			keys, err := kvtab.ScanTable(ctx, db, s.users).Keys()
			require.NoError(t, err)
			assert.Equal(t, []uint64{1, 2, 4, 5}, keys)

			// the bottom tier is untouched
			raw, err := bottom.Get(ctx, s.users.CounterKey())
			require.NoError(t, err)
			assert.Equal(t, []byte{0, 0, 0, 0, 0, 0, 0, 3}, raw)
		})
	}
}
