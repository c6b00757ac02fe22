package s3store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/andreyvit/kvtab"
	"github.com/andreyvit/kvtab/storagetest"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// fakeClient is an in-memory bucket.
type fakeClient struct {
	mu      sync.Mutex
	objects map[string][]byte
	gets    int
}

func newFakeClient() *fakeClient {
	return &fakeClient{objects: make(map[string][]byte)}
}

func (c *fakeClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	v, ok := c.objects[*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(v))}, nil
}

func (c *fakeClient) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	v, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects[*in.Key] = v
	return &s3.PutObjectOutput{}, nil
}

func (c *fakeClient) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.objects, *in.Key)
	return &s3.DeleteObjectOutput{}, nil
}

func (c *fakeClient) ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	prefix := aws.ToString(in.Prefix)
	after := aws.ToString(in.ContinuationToken)
	var names []string
	for name := range c.objects {
		if strings.HasPrefix(name, prefix) && (after == "" || name > after) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	maxKeys := 1000
	if in.MaxKeys != nil {
		maxKeys = int(*in.MaxKeys)
	}
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	if len(names) > maxKeys {
		names = names[:maxKeys]
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(names[len(names)-1])
	}
	for _, name := range names {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(name)})
	}
	return out, nil
}

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) kvtab.Storage {
		s, err := New(newFakeClient(), Options{Bucket: "b", Prefix: "db/", PageSize: 9})
		require.NoError(t, err)
		return s
	})
}

func TestObjectNamesAreHexKeys(t *testing.T) {
	client := newFakeClient()
	s, err := New(client, Options{Bucket: "b", Prefix: "db/"})
	require.NoError(t, err)
	require.NoError(t, s.Put(context.Background(), []byte{0x01, 0xAB}, []byte("v")))
	assert.Contains(t, client.objects, "db/01ab")
}

func TestScanSkipsObjectsDeletedAfterListing(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	s, err := New(client, Options{Bucket: "b"})
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, s.Put(ctx, []byte(k), []byte(k)))
	}

	it := s.Scan(ctx, nil)
	defer it.Close()
	require.True(t, it.Next())
	assert.Equal(t, []byte("a"), it.Key())
	require.NoError(t, s.Delete(ctx, []byte("b")))
	require.True(t, it.Next())
	assert.Equal(t, []byte("c"), it.Key())
	assert.False(t, it.Next())
	assert.NoError(t, it.Err())
}

func TestForeignObjectFailsScan(t *testing.T) {
	ctx := context.Background()
	client := newFakeClient()
	client.objects["db/not-hex"] = []byte("x")
	s, err := New(client, Options{Bucket: "b", Prefix: "db/"})
	require.NoError(t, err)

	_, err = kvtab.ScanAll(ctx, s, nil)
	assert.Error(t, err)
}

type mockClient struct {
	mock.Mock
	Client
}

func (m *mockClient) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	args := m.Called(ctx, in)
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func TestGetErrors(t *testing.T) {
	mc := new(mockClient)
	boom := errors.New("access denied")
	mc.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return *in.Key == "6d"
	})).Return(nil, &types.NotFound{})
	mc.On("GetObject", mock.Anything, mock.MatchedBy(func(in *s3.GetObjectInput) bool {
		return *in.Key == "78"
	})).Return(nil, boom)
	s, err := New(mc, Options{Bucket: "b"})
	require.NoError(t, err)

	v, err := s.Get(context.Background(), []byte("m"))
	require.NoError(t, err)
	assert.Nil(t, v)

	_, err = s.Get(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, boom)
	mc.AssertExpectations(t)
}

func TestRequiresBucket(t *testing.T) {
	_, err := New(newFakeClient(), Options{})
	assert.Error(t, err)
}
