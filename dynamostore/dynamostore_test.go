package dynamostore

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"strconv"
	"sync"
	"testing"

	"github.com/andreyvit/kvtab"
	"github.com/andreyvit/kvtab/storagetest"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory DynamoDB table understanding the requests
// Store makes.
type fakeClient struct {
	mu      sync.Mutex
	items   map[string]map[string]types.AttributeValue // ns + "\x00" + k
	queries int
}

func newFakeClient() *fakeClient {
	return &fakeClient{items: make(map[string]map[string]types.AttributeValue)}
}

func fakeID(key map[string]types.AttributeValue) string {
	ns := key[attrNamespace].(*types.AttributeValueMemberS).Value
	k := key[attrKey].(*types.AttributeValueMemberB).Value
	return ns + "\x00" + string(k)
}

func (c *fakeClient) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: c.items[fakeID(in.Key)]}, nil
}

func (c *fakeClient) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[fakeID(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (c *fakeClient) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, fakeID(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func (c *fakeClient) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := fakeID(in.Key)
	delta, err := strconv.ParseUint(in.ExpressionAttributeValues[":d"].(*types.AttributeValueMemberN).Value, 10, 64)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		attrNamespace: in.Key[attrNamespace],
		attrKey:       in.Key[attrKey],
	}
	for k, v := range c.items[id] {
		item[k] = v
	}
	var cur uint64
	if n, ok := item[attrCounter].(*types.AttributeValueMemberN); ok {
		cur, _ = strconv.ParseUint(n.Value, 10, 64)
	}
	nv := &types.AttributeValueMemberN{Value: strconv.FormatUint(cur+delta, 10)}
	item[attrCounter] = nv
	c.items[id] = item
	return &dynamodb.UpdateItemOutput{Attributes: map[string]types.AttributeValue{attrCounter: nv}}, nil
}

func (c *fakeClient) Query(ctx context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	ns := in.ExpressionAttributeValues[":ns"].(*types.AttributeValueMemberS).Value
	var prefix []byte
	if p, ok := in.ExpressionAttributeValues[":p"]; ok {
		prefix = p.(*types.AttributeValueMemberB).Value
	}
	var start []byte
	if in.ExclusiveStartKey != nil {
		start = in.ExclusiveStartKey[attrKey].(*types.AttributeValueMemberB).Value
	}

	var matched []map[string]types.AttributeValue
	for _, item := range c.items {
		if item[attrNamespace].(*types.AttributeValueMemberS).Value != ns {
			continue
		}
		k := item[attrKey].(*types.AttributeValueMemberB).Value
		if !bytes.HasPrefix(k, prefix) {
			continue
		}
		if start != nil && bytes.Compare(k, start) <= 0 {
			continue
		}
		matched = append(matched, item)
	}
	sort.Slice(matched, func(i, j int) bool {
		return bytes.Compare(matched[i][attrKey].(*types.AttributeValueMemberB).Value, matched[j][attrKey].(*types.AttributeValueMemberB).Value) < 0
	})
	out := &dynamodb.QueryOutput{}
	if in.Limit != nil && len(matched) > int(*in.Limit) {
		matched = matched[:*in.Limit]
		last := matched[len(matched)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			attrNamespace: last[attrNamespace],
			attrKey:       last[attrKey],
		}
	}
	out.Items = matched
	return out, nil
}

func (c *fakeClient) TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, _ ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ti := range in.TransactItems {
		switch {
		case ti.Put != nil:
			c.items[fakeID(ti.Put.Item)] = ti.Put.Item
		case ti.Delete != nil:
			delete(c.items, fakeID(ti.Delete.Key))
		}
	}
	return &dynamodb.TransactWriteItemsOutput{}, nil
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) kvtab.Storage {
		s, err := New(newFakeClient(), Options{Table: "t", PageSize: 7})
		require.NoError(t, err)
		return s
	})
}

func TestNamespacesAreIsolated(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	a := must(New(client, Options{Table: "t", Namespace: "a"}))
	b := must(New(client, Options{Table: "t", Namespace: "b"}))

	require.NoError(t, a.Put(ctx, []byte("k"), []byte("from a")))
	v, err := b.Get(ctx, []byte("k"))
	require.NoError(t, err)
	assert.Nil(t, v)

	all, err := kvtab.ScanAll(ctx, b, nil)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestScanFetchesPagesLazily(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s := must(New(client, Options{Table: "t", PageSize: 2}))
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte(k)))
	}

	it := s.Scan(ctx, nil)
	require.True(t, it.Next())
	require.True(t, it.Next())
	assert.Equal(t, 1, client.queries)
	require.True(t, it.Next())
	assert.Equal(t, 2, client.queries)
	require.NoError(t, it.Close())
	assert.False(t, it.Next())
}

func TestOversizedBatchIsUnsupported(t *testing.T) {
	s := must(New(newFakeClient(), Options{Table: "t"}))
	ops := make([]kvtab.BatchOp, maxTransactItems+1)
	for i := range ops {
		ops[i] = kvtab.BatchOp{Key: []byte{byte(i)}, Value: []byte{1}}
	}
	err := s.WriteBatch(context.Background(), ops)
	assert.ErrorIs(t, err, errors.ErrUnsupported)

	err = s.WriteBatch(context.Background(), []kvtab.BatchOp{
		{Key: []byte("x"), Value: []byte{1}},
		{Key: []byte("x"), Delete: true},
	})
	assert.ErrorIs(t, err, errors.ErrUnsupported)
}

func TestRequiresTable(t *testing.T) {
	_, err := New(newFakeClient(), Options{})
	assert.Error(t, err)
}

type mockClient struct {
	mock.Mock
	Client
}

func (m *mockClient) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.GetItemOutput)
	return out, args.Error(1)
}

func (m *mockClient) UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*dynamodb.UpdateItemOutput)
	return out, args.Error(1)
}

func TestClientErrorsAreWrapped(t *testing.T) {
	boom := errors.New("throttled")
	mc := new(mockClient)
	mc.On("GetItem", mock.Anything, mock.MatchedBy(func(in *dynamodb.GetItemInput) bool {
		return *in.TableName == "t"
	})).Return(nil, boom)
	s := must(New(mc, Options{Table: "t"}))

	_, err := s.Get(context.Background(), []byte("k"))
	assert.ErrorIs(t, err, boom)
	mc.AssertExpectations(t)
}

func TestIncrementBeyondUint64(t *testing.T) {
	mc := new(mockClient)
	mc.On("UpdateItem", mock.Anything, mock.Anything).Return(&dynamodb.UpdateItemOutput{
		Attributes: map[string]types.AttributeValue{
			attrCounter: &types.AttributeValueMemberN{Value: "18446744073709551616"},
		},
	}, nil)
	s := must(New(mc, Options{Table: "t"}))

	_, err := s.Increment(context.Background(), []byte("seq"), 1)
	assert.ErrorIs(t, err, kvtab.ErrCounterOverflow)
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}
