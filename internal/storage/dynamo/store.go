// Package dynamo implements the durable cache tier and the access event log
// on DynamoDB.
//
// Entries live in one table keyed by PK "DATAFLOW#<id>" / SK "KEY#<key>", so
// dataflow-wide invalidation is a single-partition query. Events live in a
// second, append-only table whose sort key orders by timestamp.
package dynamo

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/statcache/statcache/pkg/errors"
	"github.com/statcache/statcache/pkg/types"
)

// API is the subset of the DynamoDB client the store uses.
type API interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// TTLPolicy re-validates entry freshness at read time.
type TTLPolicy interface {
	Expired(entry *types.CacheEntry) bool
}

// ddbEntry is the DynamoDB representation of a cache entry.
type ddbEntry struct {
	PK             string `dynamodbav:"PK"`
	SK             string `dynamodbav:"SK"`
	CacheKey       string `dynamodbav:"CacheKey"`
	DataflowID     string `dynamodbav:"DataflowID"`
	Filter         string `dynamodbav:"Filter,omitempty"`
	StartPeriod    string `dynamodbav:"StartPeriod,omitempty"`
	EndPeriod      string `dynamodbav:"EndPeriod,omitempty"`
	ResultCount    int    `dynamodbav:"ResultCount"`
	Class          string `dynamodbav:"Class"`
	Payload        []byte `dynamodbav:"Payload,omitempty"`
	OverflowRef    string `dynamodbav:"OverflowRef,omitempty"`
	CachedAt       string `dynamodbav:"CachedAt"`
	LastAccessedAt string `dynamodbav:"LastAccessedAt"`
	AccessCount    int64  `dynamodbav:"AccessCount"`
}

// StoreConfig configures the durable tier.
type StoreConfig struct {
	Table   string
	Timeout time.Duration

	// OnOverflowRelease reclaims the overflow blob a replaced or lazily
	// evicted row pointed at. Optional; nil leaves superseded blobs behind.
	OnOverflowRelease func(ctx context.Context, ref string)
}

// Store is the DynamoDB-backed durable tier. All calls run under a per-call
// timeout and a circuit breaker; unreachable or timed-out calls surface as
// STORE_UNAVAILABLE so the manager can degrade to a miss.
type Store struct {
	api        API
	table      string
	policy     TTLPolicy
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
	releaseRef func(ctx context.Context, ref string)
}

// NewStore creates a durable tier over the given table.
func NewStore(api API, cfg StoreConfig, policy TTLPolicy, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Store{
		api:        api,
		table:      cfg.Table,
		policy:     policy,
		timeout:    cfg.Timeout,
		breaker:    newBreaker("durable", logger),
		logger:     logger,
		releaseRef: cfg.OnOverflowRelease,
	}
}

// Get returns the entry for key, NOT_FOUND when absent or expired, and
// STORE_UNAVAILABLE when DynamoDB cannot be reached. Expired rows are not
// returned; they are lazily deleted best-effort.
func (s *Store) Get(ctx context.Context, key string) (*types.CacheEntry, error) {
	pk, sk, err := keyAttributes(key)
	if err != nil {
		return nil, err
	}

	var out *dynamodb.GetItemOutput
	err = s.call(ctx, "get", func(cctx context.Context) error {
		var opErr error
		out, opErr = s.api.GetItem(cctx, &dynamodb.GetItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"PK": &ddbtypes.AttributeValueMemberS{Value: pk},
				"SK": &ddbtypes.AttributeValueMemberS{Value: sk},
			},
		})
		return opErr
	})
	if err != nil {
		return nil, err
	}
	if out.Item == nil {
		return nil, errors.Newf(errors.ErrCodeNotFound, "no entry for key %s", key).
			WithComponent("durable").WithOperation("get")
	}

	var item ddbEntry
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, errors.New(errors.ErrCodeStoreUnavailable, "failed to unmarshal entry").
			WithComponent("durable").WithOperation("get").WithCause(err)
	}
	entry, err := item.toEntry()
	if err != nil {
		return nil, err
	}

	// Read-time TTL validation: an expired row is absent even though it
	// still physically exists. Eviction is lazy.
	if s.policy != nil && s.policy.Expired(entry) {
		s.lazyEvict(key)
		return nil, errors.Newf(errors.ErrCodeNotFound, "entry for key %s has expired", key).
			WithComponent("durable").WithOperation("get")
	}
	return entry, nil
}

// Put upserts an entry by key. Last write wins on concurrent writers. When
// the write replaces a pointer-based row, the superseded overflow blob is
// released best-effort so re-storing an entry does not leak it.
func (s *Store) Put(ctx context.Context, entry *types.CacheEntry) error {
	if err := entry.Validate(); err != nil {
		return errors.New(errors.ErrCodeStorageWrite, "invalid entry").
			WithComponent("durable").WithOperation("put").WithCause(err)
	}
	pk, sk, err := keyAttributes(entry.Key)
	if err != nil {
		return err
	}

	item, err := attributevalue.MarshalMap(ddbEntry{
		PK:             pk,
		SK:             sk,
		CacheKey:       entry.Key,
		DataflowID:     entry.DataflowID,
		Filter:         entry.Filter,
		StartPeriod:    entry.StartPeriod,
		EndPeriod:      entry.EndPeriod,
		ResultCount:    entry.ResultCount,
		Class:          string(entry.Class),
		Payload:        entry.Payload,
		OverflowRef:    entry.OverflowRef,
		CachedAt:       entry.CachedAt.UTC().Format(time.RFC3339Nano),
		LastAccessedAt: entry.LastAccessedAt.UTC().Format(time.RFC3339Nano),
		AccessCount:    entry.AccessCount,
	})
	if err != nil {
		return errors.New(errors.ErrCodeStorageWrite, "failed to marshal entry").
			WithComponent("durable").WithOperation("put").WithCause(err)
	}

	var out *dynamodb.PutItemOutput
	err = s.call(ctx, "put", func(cctx context.Context) error {
		var opErr error
		out, opErr = s.api.PutItem(cctx, &dynamodb.PutItemInput{
			TableName:    aws.String(s.table),
			Item:         item,
			ReturnValues: ddbtypes.ReturnValueAllOld,
		})
		return opErr
	})
	if err != nil {
		return err
	}

	if out.Attributes != nil {
		var old ddbEntry
		if err := attributevalue.UnmarshalMap(out.Attributes, &old); err == nil {
			if old.OverflowRef != "" && old.OverflowRef != entry.OverflowRef {
				s.release(ctx, old.OverflowRef)
			}
		}
	}
	return nil
}

// release hands a superseded overflow ref to the configured reclaimer.
func (s *Store) release(ctx context.Context, ref string) {
	if s.releaseRef != nil {
		s.releaseRef(ctx, ref)
	}
}

// Delete removes one entry and returns its overflow ref, if any. Deleting an
// absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) (string, error) {
	pk, sk, err := keyAttributes(key)
	if err != nil {
		return "", err
	}

	var out *dynamodb.DeleteItemOutput
	err = s.call(ctx, "delete", func(cctx context.Context) error {
		var opErr error
		out, opErr = s.api.DeleteItem(cctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"PK": &ddbtypes.AttributeValueMemberS{Value: pk},
				"SK": &ddbtypes.AttributeValueMemberS{Value: sk},
			},
			ReturnValues: ddbtypes.ReturnValueAllOld,
		})
		return opErr
	})
	if err != nil {
		return "", err
	}
	if out.Attributes == nil {
		return "", nil
	}

	var old ddbEntry
	if err := attributevalue.UnmarshalMap(out.Attributes, &old); err != nil {
		s.logger.Warn("failed to read deleted entry attributes", zap.String("key", key), zap.Error(err))
		return "", nil
	}
	return old.OverflowRef, nil
}

// DeleteByDataflow removes every entry for a dataflow and returns the
// overflow refs the deleted entries held.
func (s *Store) DeleteByDataflow(ctx context.Context, dataflowID string) ([]string, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(dataflowPK(dataflowID)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "failed to build query expression").WithCause(err)
	}

	var refs []string
	var startKey map[string]ddbtypes.AttributeValue
	for {
		var out *dynamodb.QueryOutput
		err := s.call(ctx, "delete-by-dataflow", func(cctx context.Context) error {
			var opErr error
			out, opErr = s.api.Query(cctx, &dynamodb.QueryInput{
				TableName:                 aws.String(s.table),
				KeyConditionExpression:    expr.KeyCondition(),
				ExpressionAttributeNames:  expr.Names(),
				ExpressionAttributeValues: expr.Values(),
				ExclusiveStartKey:         startKey,
			})
			return opErr
		})
		if err != nil {
			return refs, err
		}

		for _, raw := range out.Items {
			var item ddbEntry
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			if item.OverflowRef != "" {
				refs = append(refs, item.OverflowRef)
			}
			delErr := s.call(ctx, "delete-by-dataflow", func(cctx context.Context) error {
				_, opErr := s.api.DeleteItem(cctx, &dynamodb.DeleteItemInput{
					TableName: aws.String(s.table),
					Key: map[string]ddbtypes.AttributeValue{
						"PK": &ddbtypes.AttributeValueMemberS{Value: item.PK},
						"SK": &ddbtypes.AttributeValueMemberS{Value: item.SK},
					},
				})
				return opErr
			})
			if delErr != nil {
				return refs, delErr
			}
		}

		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return refs, nil
		}
	}
}

// Touch bumps last-accessed time and access count. Best effort: concurrent
// bumps may undercount, which is acceptable for analytics.
func (s *Store) Touch(ctx context.Context, key string, at time.Time) error {
	pk, sk, err := keyAttributes(key)
	if err != nil {
		return err
	}

	update := expression.
		Set(expression.Name("LastAccessedAt"), expression.Value(at.UTC().Format(time.RFC3339Nano))).
		Add(expression.Name("AccessCount"), expression.Value(1))
	cond := expression.AttributeExists(expression.Name("PK"))
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to build update expression").WithCause(err)
	}

	return s.call(ctx, "touch", func(cctx context.Context) error {
		_, opErr := s.api.UpdateItem(cctx, &dynamodb.UpdateItemInput{
			TableName: aws.String(s.table),
			Key: map[string]ddbtypes.AttributeValue{
				"PK": &ddbtypes.AttributeValueMemberS{Value: pk},
				"SK": &ddbtypes.AttributeValueMemberS{Value: sk},
			},
			UpdateExpression:          expr.Update(),
			ConditionExpression:       expr.Condition(),
			ExpressionAttributeNames:  expr.Names(),
			ExpressionAttributeValues: expr.Values(),
		})
		var condFailed *ddbtypes.ConditionalCheckFailedException
		if stderrors.As(opErr, &condFailed) {
			return errors.Newf(errors.ErrCodeNotFound, "no entry for key %s", key).
				WithComponent("durable").WithOperation("touch")
		}
		return opErr
	})
}

// CountEntries returns the number of physically stored entries, including
// expired rows not yet lazily evicted.
func (s *Store) CountEntries(ctx context.Context) (int64, error) {
	var total int64
	var startKey map[string]ddbtypes.AttributeValue
	for {
		var out *dynamodb.ScanOutput
		err := s.call(ctx, "count", func(cctx context.Context) error {
			var opErr error
			out, opErr = s.api.Scan(cctx, &dynamodb.ScanInput{
				TableName:         aws.String(s.table),
				Select:            ddbtypes.SelectCount,
				ExclusiveStartKey: startKey,
			})
			return opErr
		})
		if err != nil {
			return 0, err
		}
		total += int64(out.Count)
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return total, nil
		}
	}
}

// lazyEvict removes an expired row outside the read path, releasing any
// overflow blob the row pointed at. Failures are ignored; the row stays
// invisible either way.
func (s *Store) lazyEvict(key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		defer cancel()
		ref, err := s.Delete(ctx, key)
		if err != nil {
			s.logger.Debug("lazy eviction failed", zap.String("key", key), zap.Error(err))
			return
		}
		if ref != "" {
			s.release(ctx, ref)
		}
	}()
}

// call runs one DynamoDB operation under the per-call timeout and the
// circuit breaker, mapping failures to the store error taxonomy.
func (s *Store) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(cctx)
	})
	return mapStoreError(err, "durable", op)
}

func (e *ddbEntry) toEntry() (*types.CacheEntry, error) {
	cachedAt, err := time.Parse(time.RFC3339Nano, e.CachedAt)
	if err != nil {
		return nil, errors.Newf(errors.ErrCodeStoreUnavailable, "corrupt CachedAt on entry %s", e.CacheKey).
			WithComponent("durable").WithCause(err)
	}
	lastAccessed, err := time.Parse(time.RFC3339Nano, e.LastAccessedAt)
	if err != nil {
		lastAccessed = cachedAt
	}
	return &types.CacheEntry{
		Key:            e.CacheKey,
		DataflowID:     e.DataflowID,
		Filter:         e.Filter,
		StartPeriod:    e.StartPeriod,
		EndPeriod:      e.EndPeriod,
		ResultCount:    e.ResultCount,
		Class:          types.EntryClass(e.Class),
		Payload:        e.Payload,
		OverflowRef:    e.OverflowRef,
		CachedAt:       cachedAt,
		LastAccessedAt: lastAccessed,
		AccessCount:    e.AccessCount,
	}, nil
}

// keyAttributes derives the PK/SK pair for a cache key. Keys embed the
// dataflow id as their second colon-separated segment.
func keyAttributes(key string) (pk, sk string, err error) {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) < 2 || parts[1] == "" {
		return "", "", errors.Newf(errors.ErrCodeInvalidQuery, "malformed cache key %q", key)
	}
	return dataflowPK(parts[1]), "KEY#" + key, nil
}

func dataflowPK(dataflowID string) string {
	return "DATAFLOW#" + dataflowID
}

// newBreaker builds the circuit breaker shared by store operations. It only
// counts real failures: NOT_FOUND results are successes.
func newBreaker(name string, logger *zap.Logger) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.IsNotFound(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})
}

// mapStoreError converts breaker and SDK failures to the cache taxonomy.
func mapStoreError(err error, component, op string) error {
	if err == nil {
		return nil
	}
	var coded *errors.Error
	if stderrors.As(err, &coded) {
		return err
	}
	switch {
	case stderrors.Is(err, gobreaker.ErrOpenState), stderrors.Is(err, gobreaker.ErrTooManyRequests):
		return errors.New(errors.ErrCodeStoreUnavailable, "circuit breaker open").
			WithComponent(component).WithOperation(op).WithCause(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.New(errors.ErrCodeOperationTimeout, "store call timed out").
			WithComponent(component).WithOperation(op).WithCause(err)
	default:
		return errors.New(errors.ErrCodeStoreUnavailable, fmt.Sprintf("store call failed: %v", err)).
			WithComponent(component).WithOperation(op).WithCause(err)
	}
}
