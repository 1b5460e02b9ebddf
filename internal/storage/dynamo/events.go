package dynamo

import (
	"context"
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

// Access events share a single partition; the sort key starts with a
// fixed-width timestamp (eventSKLayout) so lexical order matches
// chronological order and window queries and age purges are key-range
// queries rather than full scans.
const eventPK = "EVENT"

// ddbEvent is the DynamoDB representation of an access event.
type ddbEvent struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	EventID       string `dynamodbav:"EventID"`
	CacheKey      string `dynamodbav:"CacheKey"`
	DataflowID    string `dynamodbav:"DataflowID"`
	Tier          string `dynamodbav:"Tier"`
	LatencyMicros int64  `dynamodbav:"LatencyMicros"`
	Timestamp     string `dynamodbav:"Timestamp"`
}

// EventStore is the DynamoDB-backed access event log.
type EventStore struct {
	api     API
	table   string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewEventStore creates an event log over the given table.
func NewEventStore(api API, cfg StoreConfig, logger *zap.Logger) *EventStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &EventStore{
		api:     api,
		table:   cfg.Table,
		timeout: cfg.Timeout,
		breaker: newBreaker("events", logger),
		logger:  logger,
	}
}

// Append persists one access event. Events are immutable once written.
func (s *EventStore) Append(ctx context.Context, ev types.AccessEvent) error {
	item, err := attributevalue.MarshalMap(ddbEvent{
		PK:            eventPK,
		SK:            eventSK(ev.Timestamp, ev.ID),
		EventID:       ev.ID,
		CacheKey:      ev.Key,
		DataflowID:    ev.DataflowID,
		Tier:          string(ev.Tier),
		LatencyMicros: ev.Latency.Microseconds(),
		Timestamp:     ev.Timestamp.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return errors.New(errors.ErrCodeStorageWrite, "failed to marshal event").
			WithComponent("events").WithOperation("append").WithCause(err)
	}

	return s.call(ctx, "append", func(cctx context.Context) error {
		_, opErr := s.api.PutItem(cctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		})
		return opErr
	})
}

// EventsSince returns all events with a timestamp at or after since.
func (s *EventStore) EventsSince(ctx context.Context, since time.Time) ([]types.AccessEvent, error) {
	keyCond := expression.Key("PK").Equal(expression.Value(eventPK)).
		And(expression.Key("SK").GreaterThanEqual(expression.Value(eventSK(since, ""))))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, errors.New(errors.ErrCodeInternalError, "failed to build query expression").WithCause(err)
	}

	var events []types.AccessEvent
	var startKey map[string]ddbtypes.AttributeValue
	for {
		var out *dynamodb.QueryOutput
		err := s.call(ctx, "events-since", func(cctx context.Context) error {
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
			return nil, err
		}

		for _, raw := range out.Items {
			var item ddbEvent
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				s.logger.Warn("skipping unreadable event row", zap.Error(err))
				continue
			}
			ev, err := item.toEvent()
			if err != nil {
				s.logger.Warn("skipping corrupt event row", zap.String("id", item.EventID), zap.Error(err))
				continue
			}
			events = append(events, ev)
		}

		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return events, nil
		}
	}
}

// PurgeBefore deletes all events older than cutoff.
func (s *EventStore) PurgeBefore(ctx context.Context, cutoff time.Time) error {
	keyCond := expression.Key("PK").Equal(expression.Value(eventPK)).
		And(expression.Key("SK").LessThan(expression.Value(eventSK(cutoff, ""))))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return errors.New(errors.ErrCodeInternalError, "failed to build query expression").WithCause(err)
	}

	var startKey map[string]ddbtypes.AttributeValue
	for {
		var out *dynamodb.QueryOutput
		err := s.call(ctx, "purge", func(cctx context.Context) error {
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
			return err
		}

		for _, raw := range out.Items {
			var item ddbEvent
			if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
				continue
			}
			delErr := s.call(ctx, "purge", func(cctx context.Context) error {
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
				return delErr
			}
		}

		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return nil
		}
	}
}

func (s *EventStore) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(cctx)
	})
	return mapStoreError(err, "events", op)
}

func (e *ddbEvent) toEvent() (types.AccessEvent, error) {
	ts, err := time.Parse(time.RFC3339Nano, e.Timestamp)
	if err != nil {
		return types.AccessEvent{}, err
	}
	return types.AccessEvent{
		ID:         e.EventID,
		Key:        e.CacheKey,
		DataflowID: e.DataflowID,
		Tier:       types.Tier(e.Tier),
		Latency:    time.Duration(e.LatencyMicros) * time.Microsecond,
		Timestamp:  ts,
	}, nil
}

/// eventSK builds the range key: timestamp first so lexical order is time
// order, event id second for uniqueness. The fractional seconds are fixed
// width; RFC3339Nano trims trailing zeros and would not sort correctly.
const eventSKLayout = "2006-01-02T15:04:05.000000000Z"

func eventSK(ts time.Time, id string) string {
	return ts.UTC().Format(eventSKLayout) + "#" + id
}
