// Package postgres provides a PostgreSQL implementation of the
// reconcile.Store interface. Idempotency relies on a uniqueness
// constraint over provider event IDs combined with an atomic
// insert-if-absent; ChangeSets commit inside a single transaction.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/slidecast/billingsync/pkg/reconcile"
)

// Store implements reconcile.Store using PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	config Config
}

// Config holds PostgreSQL storage configuration.
type Config struct {
	// ConnectionString is the PostgreSQL connection string.
	ConnectionString string

	// Pool configuration.
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration

	// BaseRetryBackoff is doubled per failed attempt, capped at
	// MaxRetryBackoff.
	BaseRetryBackoff time.Duration
	MaxRetryBackoff  time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		MaxConns:         10,
		MinConns:         2,
		MaxConnLifetime:  time.Hour,
		MaxConnIdleTime:  30 * time.Minute,
		BaseRetryBackoff: 5 * time.Minute,
		MaxRetryBackoff:  24 * time.Hour,
	}
}

// New creates a new PostgreSQL store.
func New(ctx context.Context, config Config) (*Store, error) {
	if config.ConnectionString == "" {
		return nil, fmt.Errorf("connection string is required")
	}

	poolConfig, err := pgxpool.ParseConfig(config.ConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	if config.MaxConns > 0 {
		poolConfig.MaxConns = config.MaxConns
	}
	if config.MinConns > 0 {
		poolConfig.MinConns = config.MinConns
	}
	if config.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = config.MaxConnLifetime
	}
	if config.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.MaxConnIdleTime
	}
	if config.BaseRetryBackoff <= 0 {
		config.BaseRetryBackoff = 5 * time.Minute
	}
	if config.MaxRetryBackoff <= 0 {
		config.MaxRetryBackoff = 24 * time.Hour
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{pool: pool, config: config}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks the PostgreSQL connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS billing_events (
		provider_event_id   TEXT PRIMARY KEY,
		event_type          TEXT NOT NULL,
		payload             JSONB,
		status              TEXT NOT NULL,
		handled             BOOLEAN NOT NULL DEFAULT FALSE,
		reason              TEXT NOT NULL DEFAULT '',
		retry_count         INT NOT NULL DEFAULT 0,
		received_at         TIMESTAMPTZ NOT NULL,
		provider_created_at TIMESTAMPTZ,
		processed_at        TIMESTAMPTZ,
		next_retry_at       TIMESTAMPTZ,
		error_message       TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS billing_events_status_idx
		ON billing_events (status, next_retry_at)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL,
		provider_customer_id     TEXT NOT NULL DEFAULT '',
		provider_subscription_id TEXT UNIQUE,
		plan_name                TEXT NOT NULL,
		price_ref                TEXT NOT NULL DEFAULT '',
		status                   TEXT NOT NULL,
		period_start             TIMESTAMPTZ NOT NULL,
		period_end               TIMESTAMPTZ NOT NULL,
		cancel_at_period_end     BOOLEAN NOT NULL DEFAULT FALSE,
		trial_start              TIMESTAMPTZ,
		trial_end                TIMESTAMPTZ,
		last_event_at            TIMESTAMPTZ NOT NULL,
		updated_at               TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS subscriptions_user_idx ON subscriptions (user_id, status)`,
	`CREATE TABLE IF NOT EXISTS usage_records (
		id               TEXT PRIMARY KEY,
		user_id          TEXT NOT NULL,
		subscription_id  TEXT NOT NULL,
		period_start     TIMESTAMPTZ NOT NULL,
		period_end       TIMESTAMPTZ NOT NULL,
		usage_limit      BIGINT NOT NULL DEFAULT 0,
		videos_processed BIGINT NOT NULL DEFAULT 0,
		api_calls_made   BIGINT NOT NULL DEFAULT 0,
		storage_used_mb  BIGINT NOT NULL DEFAULT 0,
		ai_summaries     BIGINT NOT NULL DEFAULT 0,
		analytics_views  BIGINT NOT NULL DEFAULT 0,
		updated_at       TIMESTAMPTZ NOT NULL,
		UNIQUE (user_id, subscription_id)
	)`,
	`CREATE TABLE IF NOT EXISTS plan_migrations (
		id                       TEXT PRIMARY KEY,
		user_id                  TEXT NOT NULL,
		subscription_id          TEXT NOT NULL,
		from_plan                TEXT NOT NULL,
		to_plan                  TEXT NOT NULL,
		migration_type           TEXT NOT NULL,
		effective_date           TIMESTAMPTZ NOT NULL,
		provider_subscription_id TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS plan_migrations_sub_idx
		ON plan_migrations (subscription_id, effective_date)`,
}

// RecordEventIfNew implements reconcile.Store. The primary key on
// provider_event_id plus ON CONFLICT DO NOTHING makes the check-and-act
// safe under concurrent delivery of the same event ID.
func (s *Store) RecordEventIfNew(
	ctx context.Context, eventID, eventType string, payload []byte, createdAt time.Time,
) (bool, *reconcile.EventRecord, error) {
	if eventID == "" {
		return false, nil, fmt.Errorf("event id is required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	payloadVal := jsonbValue(payload)
	var inserted string
	err = tx.QueryRow(ctx,
		`INSERT INTO billing_events
			(provider_event_id, event_type, payload, status, received_at, provider_created_at)
			VALUES ($1, $2, $3, $4, NOW(), $5)
			ON CONFLICT (provider_event_id) DO NOTHING
			RETURNING provider_event_id`,
		eventID, eventType, payloadVal, string(reconcile.EventStatusProcessing), createdAt,
	).Scan(&inserted)

	if err == nil {
		if err := tx.Commit(ctx); err != nil {
			return false, nil, fmt.Errorf("failed to commit: %w", err)
		}
		record, err := s.GetEvent(ctx, eventID)
		if err != nil {
			return false, nil, err
		}
		return true, record, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("failed to record event: %w", err)
	}

	// Row already exists: lock it and decide between short-circuit and retry.
	record, err := scanEvent(tx.QueryRow(ctx, selectEventSQL+` WHERE provider_event_id = $1 FOR UPDATE`, eventID))
	if err != nil {
		return false, nil, fmt.Errorf("failed to load event: %w", err)
	}

	if record.Status == reconcile.EventStatusProcessed && record.ErrorMessage == "" {
		if err := tx.Commit(ctx); err != nil {
			return false, nil, fmt.Errorf("failed to commit: %w", err)
		}
		return false, record, nil
	}

	_, err = tx.Exec(ctx,
		`UPDATE billing_events
			SET retry_count = retry_count + 1, status = $2
			WHERE provider_event_id = $1`,
		eventID, string(reconcile.EventStatusProcessing))
	if err != nil {
		return false, nil, fmt.Errorf("failed to re-enter processing: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, nil, fmt.Errorf("failed to commit: %w", err)
	}

	record.RetryCount++
	record.Status = reconcile.EventStatusProcessing
	return true, record, nil
}

const selectEventSQL = `SELECT provider_event_id, event_type, COALESCE(payload, 'null'::jsonb),
	status, handled, reason, retry_count, received_at,
	COALESCE(provider_created_at, received_at), processed_at, next_retry_at, error_message
	FROM billing_events`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*reconcile.EventRecord, error) {
	var record reconcile.EventRecord
	var status string
	err := row.Scan(
		&record.ProviderEventID,
		&record.EventType,
		&record.Payload,
		&status,
		&record.Handled,
		&record.Reason,
		&record.RetryCount,
		&record.ReceivedAt,
		&record.ProviderCreatedAt,
		&record.ProcessedAt,
		&record.NextRetryAt,
		&record.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	record.Status = reconcile.EventStatus(status)
	return &record, nil
}

// jsonbValue returns a value pgx can bind to a JSONB column, using NULL
// for empty payloads.
func jsonbValue(payload []byte) interface{} {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}

// MarkEventProcessed implements reconcile.Store.
func (s *Store) MarkEventProcessed(ctx context.Context, eventID string, handled bool, reason string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_events
			SET status = $2, handled = $3, reason = $4,
				processed_at = NOW(), next_retry_at = NULL, error_message = ''
			WHERE provider_event_id = $1`,
		eventID, string(reconcile.EventStatusProcessed), handled, reason)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEventNotFound
	}
	return nil
}

// MarkEventFailed implements reconcile.Store. The failed row stays
// eligible for retry after an exponential backoff.
func (s *Store) MarkEventFailed(ctx context.Context, eventID, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE billing_events
			SET status = $2, error_message = $3,
				next_retry_at = NOW() + (LEAST($4 * (1 << LEAST(retry_count, 16)), $5) * INTERVAL '1 second')
			WHERE provider_event_id = $1`,
		eventID, string(reconcile.EventStatusFailed), errMsg,
		int64(s.config.BaseRetryBackoff/time.Second), int64(s.config.MaxRetryBackoff/time.Second))
	if err != nil {
		return fmt.Errorf("failed to mark event failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEventNotFound
	}
	return nil
}

// GetEvent implements reconcile.Store.
func (s *Store) GetEvent(ctx context.Context, eventID string) (*reconcile.EventRecord, error) {
	record, err := scanEvent(s.pool.QueryRow(ctx, selectEventSQL+` WHERE provider_event_id = $1`, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return record, nil
}

// PendingEvents implements reconcile.Store.
func (s *Store) PendingEvents(ctx context.Context, limit int) ([]*reconcile.EventRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		selectEventSQL+` WHERE status = $1 OR (status = $2 AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
			ORDER BY received_at ASC LIMIT $3`,
		string(reconcile.EventStatusPending), string(reconcile.EventStatusFailed), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending events: %w", err)
	}
	defer rows.Close()

	var records []*reconcile.EventRecord
	for rows.Next() {
		record, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

const selectSubscriptionSQL = `SELECT id, user_id, provider_customer_id,
	COALESCE(provider_subscription_id, ''), plan_name, price_ref, status,
	period_start, period_end, cancel_at_period_end, trial_start, trial_end,
	last_event_at, updated_at
	FROM subscriptions`

func scanSubscription(row rowScanner) (*reconcile.Subscription, error) {
	var sub reconcile.Subscription
	var plan, status string
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&sub.ProviderCustomerID,
		&sub.ProviderSubscriptionID,
		&plan,
		&sub.PriceRef,
		&status,
		&sub.PeriodStart,
		&sub.PeriodEnd,
		&sub.CancelAtPeriodEnd,
		&sub.TrialStart,
		&sub.TrialEnd,
		&sub.LastEventAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.PlanName = reconcile.Tier(plan)
	sub.Status = reconcile.SubscriptionStatus(status)
	return &sub, nil
}

// SubscriptionByProviderID implements reconcile.Store.
func (s *Store) SubscriptionByProviderID(ctx context.Context, providerSubID string) (*reconcile.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		selectSubscriptionSQL+` WHERE provider_subscription_id = $1`, providerSubID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, reconcile.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

// FreePlaceholder implements reconcile.Store.
func (s *Store) FreePlaceholder(ctx context.Context, userID string) (*reconcile.Subscription, error) {
	sub, err := scanSubscription(s.pool.QueryRow(ctx,
		selectSubscriptionSQL+` WHERE user_id = $1 AND status = $2
			AND plan_name = $3 AND provider_subscription_id IS NULL
			LIMIT 1`,
		userID, string(reconcile.SubscriptionActive), string(reconcile.TierFree)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get placeholder: %w", err)
	}
	return sub, nil
}

// ApplyChange implements reconcile.Store within a single transaction so
// a reader never observes a subscription referencing a stale or missing
// usage record.
func (s *Store) ApplyChange(ctx context.Context, change *reconcile.ChangeSet) error {
	if change.Empty() {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if sub := change.Subscription; sub != nil {
		if err := upsertSubscription(ctx, tx, sub); err != nil {
			return err
		}
	}

	for _, id := range change.Cancel {
		_, err := tx.Exec(ctx,
			`UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE id = $1`,
			id, string(reconcile.SubscriptionCanceled))
		if err != nil {
			return fmt.Errorf("failed to cancel subscription %s: %w", id, err)
		}
	}

	if usage := change.Usage; usage != nil {
		if err := upsertUsage(ctx, tx, usage); err != nil {
			return err
		}
	}

	if m := change.Migration; m != nil {
		_, err := tx.Exec(ctx,
			`INSERT INTO plan_migrations
				(id, user_id, subscription_id, from_plan, to_plan, migration_type,
				effective_date, provider_subscription_id)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			m.ID, m.UserID, m.SubscriptionID, string(m.FromPlan), string(m.ToPlan),
			string(m.MigrationType), m.EffectiveDate, m.ProviderSubscriptionID)
		if err != nil {
			return fmt.Errorf("failed to record plan migration: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func upsertSubscription(ctx context.Context, tx pgx.Tx, sub *reconcile.Subscription) error {
	var providerID interface{}
	if sub.ProviderSubscriptionID != "" {
		providerID = sub.ProviderSubscriptionID
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO subscriptions
			(id, user_id, provider_customer_id, provider_subscription_id, plan_name,
			price_ref, status, period_start, period_end, cancel_at_period_end,
			trial_start, trial_end, last_event_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (provider_subscription_id) DO UPDATE SET
				user_id = EXCLUDED.user_id,
				provider_customer_id = EXCLUDED.provider_customer_id,
				plan_name = EXCLUDED.plan_name,
				price_ref = EXCLUDED.price_ref,
				status = EXCLUDED.status,
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				cancel_at_period_end = EXCLUDED.cancel_at_period_end,
				trial_start = EXCLUDED.trial_start,
				trial_end = EXCLUDED.trial_end,
				last_event_at = EXCLUDED.last_event_at,
				updated_at = EXCLUDED.updated_at`,
		sub.ID, sub.UserID, sub.ProviderCustomerID, providerID, string(sub.PlanName),
		sub.PriceRef, string(sub.Status), sub.PeriodStart, sub.PeriodEnd,
		sub.CancelAtPeriodEnd, sub.TrialStart, sub.TrialEnd, sub.LastEventAt, sub.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		// 23505: the placeholder path inserts rows with a NULL provider id,
		// which the unique index ignores; a duplicate internal id means the
		// record already exists under a different provider key.
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("subscription upsert conflict: %w", err)
		}
		return fmt.Errorf("failed to upsert subscription: %w", err)
	}
	return nil
}

func upsertUsage(ctx context.Context, tx pgx.Tx, usage *reconcile.UsageRecord) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO usage_records
			(id, user_id, subscription_id, period_start, period_end, usage_limit,
			videos_processed, api_calls_made, storage_used_mb, ai_summaries,
			analytics_views, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (user_id, subscription_id) DO UPDATE SET
				period_start = EXCLUDED.period_start,
				period_end = EXCLUDED.period_end,
				usage_limit = EXCLUDED.usage_limit,
				videos_processed = EXCLUDED.videos_processed,
				api_calls_made = EXCLUDED.api_calls_made,
				storage_used_mb = EXCLUDED.storage_used_mb,
				ai_summaries = EXCLUDED.ai_summaries,
				analytics_views = EXCLUDED.analytics_views,
				updated_at = EXCLUDED.updated_at`,
		usage.ID, usage.UserID, usage.SubscriptionID, usage.PeriodStart, usage.PeriodEnd,
		usage.UsageLimit, usage.Counters.VideosProcessed, usage.Counters.APICallsMade,
		usage.Counters.StorageUsedMB, usage.Counters.AISummaries,
		usage.Counters.AnalyticsViews, usage.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert usage record: %w", err)
	}
	return nil
}

const selectUsageSQL = `SELECT id, user_id, subscription_id, period_start, period_end,
	usage_limit, videos_processed, api_calls_made, storage_used_mb, ai_summaries,
	analytics_views, updated_at
	FROM usage_records`

func scanUsage(row rowScanner) (*reconcile.UsageRecord, error) {
	var usage reconcile.UsageRecord
	err := row.Scan(
		&usage.ID,
		&usage.UserID,
		&usage.SubscriptionID,
		&usage.PeriodStart,
		&usage.PeriodEnd,
		&usage.UsageLimit,
		&usage.Counters.VideosProcessed,
		&usage.Counters.APICallsMade,
		&usage.Counters.StorageUsedMB,
		&usage.Counters.AISummaries,
		&usage.Counters.AnalyticsViews,
		&usage.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &usage, nil
}

// UsageBySubscription implements reconcile.Store.
func (s *Store) UsageBySubscription(ctx context.Context, userID, subscriptionID string) (*reconcile.UsageRecord, error) {
	usage, err := scanUsage(s.pool.QueryRow(ctx,
		selectUsageSQL+` WHERE user_id = $1 AND subscription_id = $2`, userID, subscriptionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	return usage, nil
}

// CurrentUsageForUser implements reconcile.Store.
func (s *Store) CurrentUsageForUser(ctx context.Context, userID string, at time.Time) (*reconcile.UsageRecord, error) {
	usage, err := scanUsage(s.pool.QueryRow(ctx,
		selectUsageSQL+` WHERE user_id = $1 AND period_start <= $2 AND period_end > $2
			ORDER BY updated_at DESC LIMIT 1`,
		userID, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current usage: %w", err)
	}
	return usage, nil
}

// AddUsage implements reconcile.Store. Counter mutations are additive
// deltas applied in SQL, so concurrent increments and the engine's
// period/limit rewrites commute instead of losing updates.
func (s *Store) AddUsage(ctx context.Context, userID, subscriptionID string, delta reconcile.Counters) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE usage_records SET
			videos_processed = videos_processed + $3,
			api_calls_made = api_calls_made + $4,
			storage_used_mb = storage_used_mb + $5,
			ai_summaries = ai_summaries + $6,
			analytics_views = analytics_views + $7,
			updated_at = NOW()
			WHERE user_id = $1 AND subscription_id = $2`,
		userID, subscriptionID, delta.VideosProcessed, delta.APICallsMade,
		delta.StorageUsedMB, delta.AISummaries, delta.AnalyticsViews)
	if err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("no usage record for user %s subscription %s", userID, subscriptionID)
	}
	return nil
}

// MigrationsForSubscription implements reconcile.Store.
func (s *Store) MigrationsForSubscription(ctx context.Context, subscriptionID string) ([]*reconcile.PlanMigration, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, subscription_id, from_plan, to_plan, migration_type,
			effective_date, provider_subscription_id
			FROM plan_migrations
			WHERE subscription_id = $1
			ORDER BY effective_date ASC`,
		subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get plan migrations: %w", err)
	}
	defer rows.Close()

	var records []*reconcile.PlanMigration
	for rows.Next() {
		var m reconcile.PlanMigration
		var from, to, changeType string
		if err := rows.Scan(&m.ID, &m.UserID, &m.SubscriptionID, &from, &to,
			&changeType, &m.EffectiveDate, &m.ProviderSubscriptionID); err != nil {
			return nil, fmt.Errorf("failed to scan plan migration: %w", err)
		}
		m.FromPlan = reconcile.Tier(from)
		m.ToPlan = reconcile.Tier(to)
		m.MigrationType = reconcile.ChangeType(changeType)
		records = append(records, &m)
	}
	return records, rows.Err()
}
