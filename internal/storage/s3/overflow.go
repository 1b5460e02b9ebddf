// Package s3 implements the overflow tier: oversized result payloads are
// stored as S3 objects and referenced from the durable tier by object key.
package s3

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/statcache/statcache/pkg/errors"
)

// API is the subset of the S3 client the overflow tier uses.
type API interface {
	GetObject(ctx context.Context, params *awss3.GetObjectInput, optFns ...func(*awss3.Options)) (*awss3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *awss3.PutObjectInput, optFns ...func(*awss3.Options)) (*awss3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *awss3.DeleteObjectInput, optFns ...func(*awss3.Options)) (*awss3.DeleteObjectOutput, error)
}

// StoreConfig configures the overflow tier.
type StoreConfig struct {
	Bucket  string
	Prefix  string
	Timeout time.Duration
}

// Store writes overflow payloads to S3. Refs returned by Store are opaque to
// callers; only this package knows they are object keys.
type Store struct {
	api     API
	bucket  string
	prefix  string
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewStore creates an overflow tier over the given bucket.
func NewStore(api API, cfg StoreConfig, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &Store{
		api:     api,
		bucket:  cfg.Bucket,
		prefix:  strings.Trim(cfg.Prefix, "/"),
		timeout: cfg.Timeout,
		breaker: newBreaker("overflow", logger),
		logger:  logger,
	}
}

// Store uploads a payload and returns the ref to record against the entry.
// Each upload gets a fresh object key, so a re-fetch of the same query never
// overwrites a blob another entry may still reference.
func (s *Store) Store(ctx context.Context, dataflowID, key string, payload []byte) (string, error) {
	ref := s.objectKey(dataflowID, key)
	err := s.call(ctx, "store", func(cctx context.Context) error {
		_, opErr := s.api.PutObject(cctx, &awss3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(ref),
			Body:          bytes.NewReader(payload),
			ContentType:   aws.String("application/json"),
			ContentLength: aws.Int64(int64(len(payload))),
		})
		return opErr
	})
	if err != nil {
		return "", err
	}
	return ref, nil
}

// Fetch downloads the payload behind a ref. A ref whose object is gone is
// NOT_FOUND; the caller treats that as a cache miss, not a failure.
func (s *Store) Fetch(ctx context.Context, ref string) ([]byte, error) {
	var payload []byte
	err := s.call(ctx, "fetch", func(cctx context.Context) error {
		out, opErr := s.api.GetObject(cctx, &awss3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(ref),
		})
		if opErr != nil {
			var noKey *s3types.NoSuchKey
			if stderrors.As(opErr, &noKey) {
				return errors.Newf(errors.ErrCodeNotFound, "no overflow object for ref %s", ref).
					WithComponent("overflow").WithOperation("fetch")
			}
			return opErr
		}
		defer out.Body.Close()

		payload, opErr = io.ReadAll(out.Body)
		if opErr != nil {
			return errors.New(errors.ErrCodeStoreUnavailable, "failed to read overflow object body").
				WithComponent("overflow").WithOperation("fetch").WithCause(opErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payload, nil
}

// Delete removes the object behind a ref. S3 deletes are idempotent, so a
// missing object is already success.
func (s *Store) Delete(ctx context.Context, ref string) error {
	return s.call(ctx, "delete", func(cctx context.Context) error {
		_, opErr := s.api.DeleteObject(cctx, &awss3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(ref),
		})
		return opErr
	})
}

// objectKey names the blob after the cache key for operator readability, but
// suffixes a uuid so the name is never reused.
func (s *Store) objectKey(dataflowID, cacheKey string) string {
	safe := strings.ReplaceAll(cacheKey, ":", "_")
	key := fmt.Sprintf("%s/%s.%s.json", dataflowID, safe, uuid.NewString())
	if s.prefix == "" {
		return key
	}
	return s.prefix + "/" + key
}

func (s *Store) call(ctx context.Context, op string, fn func(context.Context) error) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, fn(cctx)
	})
	return mapStoreError(err, op)
}

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

func mapStoreError(err error, op string) error {
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
			WithComponent("overflow").WithOperation(op).WithCause(err)
	case stderrors.Is(err, context.DeadlineExceeded):
		return errors.New(errors.ErrCodeOperationTimeout, "overflow call timed out").
			WithComponent("overflow").WithOperation(op).WithCause(err)
	default:
		return errors.New(errors.ErrCodeStoreUnavailable, fmt.Sprintf("overflow call failed: %v", err)).
			WithComponent("overflow").WithOperation(op).WithCause(err)
	}
}
