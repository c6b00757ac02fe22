// Package s3store implements kvtab.Storage on an S3 bucket, one object per
// entry.
//
// Object names are Options.Prefix followed by the lowercase hex encoding of
// the key, so that S3's lexicographic listing order is the byte order of
// keys. Scans list a page of names and fetch each value as the iterator
// reaches it; entries deleted in between are skipped.
//
// S3 has no atomic read-modify-write, so Store implements neither
// kvtab.Incrementer nor kvtab.Batcher. Counters then fall back to an
// in-process lock; a bucket must not be shared by several writers.
package s3store

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/andreyvit/kvtab"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

// Client is the subset of *s3.Client used by Store.
type Client interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

type Options struct {
	Bucket string

	// Prefix is prepended to every object name, e.g. "mydb/".
	Prefix string

	// PageSize limits the number of names per listing page during scans.
	PageSize int32
}

type Store struct {
	client Client
	opt    Options
}

var _ kvtab.Storage = (*Store)(nil)

func New(client Client, opt Options) (*Store, error) {
	if opt.Bucket == "" {
		return nil, errors.New("s3store: Bucket is required")
	}
	return &Store{client: client, opt: opt}, nil
}

// NewFromConfig creates an S3 client from the default AWS configuration.
func NewFromConfig(ctx context.Context, opt Options, optFns ...func(*config.LoadOptions) error) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("s3store: loading AWS config: %w", err)
	}
	return New(s3.NewFromConfig(cfg), opt)
}

func (s *Store) objectName(key []byte) string {
	return s.opt.Prefix + hex.EncodeToString(key)
}

func (s *Store) keyOf(name string) ([]byte, error) {
	if !strings.HasPrefix(name, s.opt.Prefix) {
		return nil, fmt.Errorf("object %q is outside prefix %q", name, s.opt.Prefix)
	}
	key, err := hex.DecodeString(name[len(s.opt.Prefix):])
	if err != nil {
		return nil, fmt.Errorf("object %q: %w", name, err)
	}
	return key, nil
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	v, err := s.get(ctx, s.objectName(key))
	if err != nil {
		return nil, fmt.Errorf("s3store: get %x: %w", key, err)
	}
	return v, nil
}

func (s *Store) get(ctx context.Context, name string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opt.Bucket),
		Key:    aws.String(name),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer func() { _ = out.Body.Close() }()
	v, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, err
	}
	if v == nil {
		v = []byte{}
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opt.Bucket),
		Key:           aws.String(s.objectName(key)),
		Body:          bytes.NewReader(value),
		ContentLength: aws.Int64(int64(len(value))),
	})
	if err != nil {
		return fmt.Errorf("s3store: put %x: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opt.Bucket),
		Key:    aws.String(s.objectName(key)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("s3store: delete %x: %w", key, err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix []byte) kvtab.Iterator {
	in := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.opt.Bucket),
		Prefix: aws.String(s.objectName(prefix)),
	}
	if s.opt.PageSize > 0 {
		in.MaxKeys = aws.Int32(s.opt.PageSize)
	}
	return &iterator{
		ctx:    ctx,
		s:      s,
		prefix: prefix,
		pages:  s3.NewListObjectsV2Paginator(s.client, in),
	}
}

type iterator struct {
	ctx    context.Context
	s      *Store
	prefix []byte
	pages  *s3.ListObjectsV2Paginator

	names  []string
	pos    int
	closed bool

	key, value []byte
	err        error
}

func (it *iterator) Next() bool {
	for !it.closed && it.err == nil {
		if it.pos < len(it.names) {
			name := it.names[it.pos]
			it.pos++
			key, err := it.s.keyOf(name)
			if err != nil {
				it.fail(err)
				return false
			}
			v, err := it.s.get(it.ctx, name)
			if err != nil {
				it.fail(err)
				return false
			}
			if v == nil {
				continue
			}
			it.key, it.value = key, v
			return true
		}
		if !it.pages.HasMorePages() {
			return false
		}
		page, err := it.pages.NextPage(it.ctx)
		if err != nil {
			it.fail(err)
			return false
		}
		it.names, it.pos = it.names[:0], 0
		for _, obj := range page.Contents {
			it.names = append(it.names, aws.ToString(obj.Key))
		}
	}
	return false
}

func (it *iterator) fail(err error) {
	it.err = fmt.Errorf("s3store: scan %x: %w", it.prefix, err)
}

func (it *iterator) Key() []byte   { return it.key }
func (it *iterator) Value() []byte { return it.value }
func (it *iterator) Err() error    { return it.err }

func (it *iterator) Close() error {
	it.closed = true
	return nil
}
