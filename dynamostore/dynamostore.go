// Package dynamostore implements kvtab.Storage on a DynamoDB table.
//
// All entries of a store live in one partition, named by Options.Namespace,
// and are ordered by a binary sort key, which DynamoDB compares as unsigned
// bytes. Several stores can share a table by using different namespaces.
//
// Create the table with:
//
//	aws dynamodb create-table \
//	  --table-name kvtab \
//	  --attribute-definitions AttributeName=ns,AttributeType=S AttributeName=k,AttributeType=B \
//	  --key-schema AttributeName=ns,KeyType=HASH AttributeName=k,KeyType=RANGE \
//	  --billing-mode PAY_PER_REQUEST
//
// Scans are paginated queries; each page is consistent on its own, later pages
// observe writes made after the scan started.
package dynamostore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"

	"github.com/andreyvit/kvtab"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	attrNamespace = "ns"
	attrKey       = "k"
	attrValue     = "v"
	attrCounter   = "n"

	// maxTransactItems is the DynamoDB limit on TransactWriteItems.
	maxTransactItems = 100

	defaultNamespace = "kvtab"
	defaultPageSize  = 500
)

// Client is the subset of *dynamodb.Client used by Store.
type Client interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type Options struct {
	Table string

	// Namespace is the partition key value shared by all entries.
	Namespace string

	// PageSize limits the number of items per Query page during scans.
	PageSize int32

	ConsistentRead bool
}

func (o *Options) validate() error {
	if o.Table == "" {
		return errors.New("dynamostore: Table is required")
	}
	if o.Namespace == "" {
		o.Namespace = defaultNamespace
	}
	if o.PageSize <= 0 {
		o.PageSize = defaultPageSize
	}
	return nil
}

// Store is a kvtab.Storage backed by DynamoDB. It implements
// kvtab.Incrementer with atomic ADD updates and kvtab.Batcher with
// transactions of up to 100 writes.
type Store struct {
	client Client
	opt    Options
}

var (
	_ kvtab.Storage     = (*Store)(nil)
	_ kvtab.Incrementer = (*Store)(nil)
	_ kvtab.Batcher     = (*Store)(nil)
)

func New(client Client, opt Options) (*Store, error) {
	if err := opt.validate(); err != nil {
		return nil, err
	}
	return &Store{client: client, opt: opt}, nil
}

// NewFromConfig creates a DynamoDB client from the default AWS configuration
// (environment, shared config files, instance role).
func NewFromConfig(ctx context.Context, opt Options, optFns ...func(*config.LoadOptions) error) (*Store, error) {
	cfg, err := config.LoadDefaultConfig(ctx, optFns...)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: loading AWS config: %w", err)
	}
	return New(dynamodb.NewFromConfig(cfg), opt)
}

// item is the decoded form of a stored entry. Counters maintained by
// Increment live in N rather than V.
type item struct {
	NS string  `dynamodbav:"ns"`
	K  []byte  `dynamodbav:"k"`
	V  []byte  `dynamodbav:"v"`
	N  *uint64 `dynamodbav:"n"`
}

func decodeItem(av map[string]types.AttributeValue) (*item, error) {
	var it item
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		if _, ok := av[attrCounter]; ok {
			return nil, fmt.Errorf("%w: %v", kvtab.ErrCounterOverflow, err)
		}
		return nil, err
	}
	return &it, nil
}

func (it *item) value() []byte {
	if it.N != nil {
		return binary.BigEndian.AppendUint64(nil, *it.N)
	}
	if it.V == nil {
		return []byte{}
	}
	return it.V
}

func (s *Store) primaryKey(key []byte) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrNamespace: &types.AttributeValueMemberS{Value: s.opt.Namespace},
		attrKey:       &types.AttributeValueMemberB{Value: key},
	}
}

func (s *Store) fullItem(key, value []byte) map[string]types.AttributeValue {
	av := s.primaryKey(key)
	av[attrValue] = &types.AttributeValueMemberB{Value: value}
	return av
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.opt.Table),
		Key:            s.primaryKey(key),
		ConsistentRead: aws.Bool(s.opt.ConsistentRead),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamostore: get %x: %w", key, err)
	}
	if out.Item == nil {
		return nil, nil
	}
	it, err := decodeItem(out.Item)
	if err != nil {
		return nil, fmt.Errorf("dynamostore: get %x: %w", key, err)
	}
	return it.value(), nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.opt.Table),
		Item:      s.fullItem(key, value),
	})
	if err != nil {
		return fmt.Errorf("dynamostore: put %x: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.opt.Table),
		Key:       s.primaryKey(key),
	})
	if err != nil {
		return fmt.Errorf("dynamostore: delete %x: %w", key, err)
	}
	return nil
}

// Increment atomically adds delta to the counter stored under key.
func (s *Store) Increment(ctx context.Context, key []byte, delta uint64) (uint64, error) {
	out, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(s.opt.Table),
		Key:              s.primaryKey(key),
		UpdateExpression: aws.String("ADD #n :d"),
		ExpressionAttributeNames: map[string]string{
			"#n": attrCounter,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":d": &types.AttributeValueMemberN{Value: strconv.FormatUint(delta, 10)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("dynamostore: increment %x: %w", key, err)
	}
	n, ok := out.Attributes[attrCounter].(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamostore: increment %x: no counter in response", key)
	}
	v, err := strconv.ParseUint(n.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamostore: increment %x: %w: %s", key, kvtab.ErrCounterOverflow, n.Value)
	}
	return v, nil
}

// WriteBatch applies ops in a single transaction. Batches over the
// DynamoDB transaction limit, or touching one key twice, return
// errors.ErrUnsupported so that callers write them one by one.
func (s *Store) WriteBatch(ctx context.Context, ops []kvtab.BatchOp) error {
	if len(ops) > maxTransactItems {
		return errors.ErrUnsupported
	}
	seen := make(map[string]bool, len(ops))
	items := make([]types.TransactWriteItem, 0, len(ops))
	for _, op := range ops {
		if seen[string(op.Key)] {
			return errors.ErrUnsupported
		}
		seen[string(op.Key)] = true
		if op.Delete {
			items = append(items, types.TransactWriteItem{
				Delete: &types.Delete{
					TableName: aws.String(s.opt.Table),
					Key:       s.primaryKey(op.Key),
				},
			})
		} else {
			items = append(items, types.TransactWriteItem{
				Put: &types.Put{
					TableName: aws.String(s.opt.Table),
					Item:      s.fullItem(op.Key, op.Value),
				},
			})
		}
	}
	_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: items,
	})
	if err != nil {
		return fmt.Errorf("dynamostore: batch of %d: %w", len(ops), err)
	}
	return nil
}

func (s *Store) Scan(ctx context.Context, prefix []byte) kvtab.Iterator {
	return &iterator{ctx: ctx, s: s, prefix: prefix}
}

type iterator struct {
	ctx    context.Context
	s      *Store
	prefix []byte

	page     []map[string]types.AttributeValue
	pos      int
	startKey map[string]types.AttributeValue
	last     bool

	key, value []byte
	err        error
}

func (it *iterator) Next() bool {
	for {
		if it.err != nil {
			return false
		}
		if it.pos < len(it.page) {
			decoded, err := decodeItem(it.page[it.pos])
			it.pos++
			if err != nil {
				it.err = fmt.Errorf("dynamostore: scan %x: %w", it.prefix, err)
				return false
			}
			it.key, it.value = decoded.K, decoded.value()
			return true
		}
		if it.last {
			return false
		}
		it.fetch()
	}
}

func (it *iterator) fetch() {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(it.s.opt.Table),
		KeyConditionExpression: aws.String("#ns = :ns"),
		ExpressionAttributeNames: map[string]string{
			"#ns": attrNamespace,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ns": &types.AttributeValueMemberS{Value: it.s.opt.Namespace},
		},
		ConsistentRead:    aws.Bool(it.s.opt.ConsistentRead),
		Limit:             aws.Int32(it.s.opt.PageSize),
		ExclusiveStartKey: it.startKey,
	}
	if len(it.prefix) > 0 {
		in.KeyConditionExpression = aws.String("#ns = :ns AND begins_with(#k, :p)")
		in.ExpressionAttributeNames["#k"] = attrKey
		in.ExpressionAttributeValues[":p"] = &types.AttributeValueMemberB{Value: it.prefix}
	}
	out, err := it.s.client.Query(it.ctx, in)
	if err != nil {
		it.err = fmt.Errorf("dynamostore: scan %x: %w", it.prefix, err)
		return
	}
	it.page, it.pos = out.Items, 0
	it.startKey = out.LastEvaluatedKey
	it.last = len(out.LastEvaluatedKey) == 0
}

func (it *iterator) Key() []byte   { return it.key }
func (it *iterator) Value() []byte { return it.value }
func (it *iterator) Err() error    { return it.err }

func (it *iterator) Close() error {
	it.page, it.last = nil, true
	return nil
}
