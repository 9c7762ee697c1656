package blobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// PostgresStore is the production Store, backed by a single `blobs` table
// (path text primary key, value jsonb, version bigint). See the
// `blobs` migration for the schema.
type PostgresStore struct {
	pool       *pgxpool.Pool
	logger     *slog.Logger
	opTimeout  time.Duration
	maxRetries int
	baseDelay  time.Duration
}

// NewPostgresStore creates a PostgresStore over an existing connection pool.
// opTimeout bounds every individual Postgres round trip; maxRetries bounds
// the number of read-transform-write cycles OptimisticUpdate will attempt
// before giving up with ErrStorageContention.
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger, opTimeout time.Duration, maxRetries int) *PostgresStore {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &PostgresStore{
		pool:       pool,
		logger:     logger,
		opTimeout:  opTimeout,
		maxRetries: maxRetries,
		baseDelay:  25 * time.Millisecond,
	}
}

var (
	tracer          = otel.Tracer("kanmon/blobstore")
	meter           = otel.GetMeterProvider().Meter("kanmon/blobstore")
	opCount         otelmetric.Int64Counter
	opDuration      otelmetric.Float64Histogram
	contentionCount otelmetric.Int64Counter
)

func init() {
	var err error
	opCount, err = meter.Int64Counter("blobstore.operation_count")
	if err != nil {
		opCount, _ = meter.Int64Counter("blobstore.operation_count.fallback")
	}
	opDuration, err = meter.Float64Histogram("blobstore.operation_duration", otelmetric.WithUnit("ms"))
	if err != nil {
		opDuration, _ = meter.Float64Histogram("blobstore.operation_duration.fallback", otelmetric.WithUnit("ms"))
	}
	contentionCount, err = meter.Int64Counter("blobstore.contention_count")
	if err != nil {
		contentionCount, _ = meter.Int64Counter("blobstore.contention_count.fallback")
	}
}

// Read implements Store.
func (s *PostgresStore) Read(ctx context.Context, path string) (json.RawMessage, bool, error) {
	ctx, span := tracer.Start(ctx, "blobstore.Read", trace.WithAttributes(attribute.String("blobstore.path", path)))
	defer span.End()
	start := time.Now()

	value, ok, err := s.read(ctx, path)

	opDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		otelmetric.WithAttributes(attribute.String("op", "read")))
	opCount.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("op", "read"), attribute.Bool("error", err != nil)))
	if err != nil {
		span.RecordError(err)
	}
	return value, ok, err
}

func (s *PostgresStore) read(ctx context.Context, path string) (json.RawMessage, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var value json.RawMessage
	err := s.pool.QueryRow(ctx, `SELECT value FROM blobs WHERE path = $1`, path).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return value, true, nil
}

// OptimisticUpdate implements Store.
func (s *PostgresStore) OptimisticUpdate(ctx context.Context, path string, transform Transform) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "blobstore.OptimisticUpdate", trace.WithAttributes(attribute.String("blobstore.path", path)))
	defer span.End()
	start := time.Now()

	next, attempts, err := s.optimisticUpdate(ctx, path, transform)

	opDuration.Record(ctx, float64(time.Since(start).Milliseconds()),
		otelmetric.WithAttributes(attribute.String("op", "optimistic_update")))
	opCount.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("op", "optimistic_update"), attribute.Bool("error", err != nil)))
	if attempts > 1 {
		contentionCount.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("blobstore.path", path)))
	}
	if err != nil {
		span.RecordError(err)
	}
	span.SetAttributes(attribute.Int("blobstore.attempts", attempts))
	return next, err
}

func (s *PostgresStore) optimisticUpdate(ctx context.Context, path string, transform Transform) (json.RawMessage, int, error) {
	var lastErr error
	delay := s.baseDelay

	for attempt := 1; attempt <= s.maxRetries; attempt++ {
		current, version, exists, err := s.readVersioned(ctx, path)
		if err != nil {
			return nil, attempt, err
		}

		next, err := transform(current, exists)
		if err != nil {
			// The transform rejected the input on its own terms (e.g. a
			// business-rule refusal); this is not a storage conflict and
			// must not be retried.
			return nil, attempt, err
		}

		won, err := s.write(ctx, path, next, version, exists)
		if err != nil {
			return nil, attempt, err
		}
		if won {
			return next, attempt, nil
		}

		lastErr = fmt.Errorf("version conflict on %q", path)
		s.logger.Debug("blobstore: optimistic update conflict, retrying", "path", path, "attempt", attempt)

		if attempt == s.maxRetries {
			break
		}
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return nil, attempt, fmt.Errorf("%w: %v", ErrStorageUnavailable, ctx.Err())
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}

	return nil, s.maxRetries, fmt.Errorf("%w: %v (path=%s)", ErrStorageContention, lastErr, path)
}

func (s *PostgresStore) readVersioned(ctx context.Context, path string) (json.RawMessage, int64, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var value json.RawMessage
	var version int64
	err := s.pool.QueryRow(ctx, `SELECT value, version FROM blobs WHERE path = $1`, path).Scan(&value, &version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return value, version, true, nil
}

func (s *PostgresStore) write(ctx context.Context, path string, next json.RawMessage, version int64, existed bool) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	if !existed {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO blobs (path, value, version) VALUES ($1, $2, 1) ON CONFLICT (path) DO NOTHING`,
			path, next,
		)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
		return tag.RowsAffected() == 1, nil
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE blobs SET value = $1, version = version + 1, updated_at = now() WHERE path = $2 AND version = $3`,
		next, path, version,
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return tag.RowsAffected() == 1, nil
}
