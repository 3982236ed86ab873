package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres constraint names the store maps to domain errors.
const (
	constraintOneSubPerOrg    = "subscriptions_organization_id_key"
	constraintUniqProviderSub = "subscriptions_provider_subscription_id_key"
	constraintUniqEventID     = "billing_history_provider_event_id_key"
)

// PgStore implements Store on PostgreSQL. Subscription and ledger writes
// share a transaction; idempotency and the one-subscription-per-organization
// rule are enforced by unique constraints, not application checks.
type PgStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PgStore)(nil)

// NewPgStore creates a PostgreSQL-backed store.
// Panics on a nil pool to fail fast during initialization.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	if pool == nil {
		panic("billing: pgxpool is required")
	}
	return &PgStore{pool: pool}
}

const subscriptionColumns = `id, organization_id, provider_customer_id, provider_subscription_id,
	tier, status, billing_interval, seats_included, seats_total, seats_active, billing_email,
	current_period_start, current_period_end, cancel_at_period_end, access_status,
	grace_period_starts_at, grace_period_ends_at, pending_downgrade_tier, pending_downgrade_at,
	upgraded_from, upgraded_at, upgrade_trigger_feature, version, created_at, updated_at`

func (s *PgStore) SubscriptionByID(ctx context.Context, id uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

func (s *PgStore) SubscriptionByOrganization(ctx context.Context, orgID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE organization_id = $1`, orgID)
	return scanSubscription(row)
}

func (s *PgStore) SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error) {
	if providerSubscriptionID == "" {
		return nil, ErrSubscriptionNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_subscription_id = $1`, providerSubscriptionID)
	return scanSubscription(row)
}

func (s *PgStore) CreateSubscription(ctx context.Context, sub *Subscription, event *HistoryEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	downgradeTier, downgradeAt := downgradeColumns(sub)
	_, err = tx.Exec(ctx, `
		INSERT INTO subscriptions (
			id, organization_id, provider_customer_id, provider_subscription_id,
			tier, status, billing_interval, seats_included, seats_total, seats_active, billing_email,
			current_period_start, current_period_end, cancel_at_period_end, access_status,
			grace_period_starts_at, grace_period_ends_at, pending_downgrade_tier, pending_downgrade_at,
			upgraded_from, upgraded_at, upgrade_trigger_feature, version, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,1,$23,$24)`,
		sub.ID, sub.OrganizationID, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		string(sub.Tier), string(sub.Status), string(sub.BillingInterval),
		sub.SeatsIncluded, sub.SeatsTotal, sub.SeatsActive, sub.BillingEmail,
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
		string(sub.AccessStatus), sub.GracePeriodStartsAt, sub.GracePeriodEndsAt,
		downgradeTier, downgradeAt,
		string(sub.UpgradedFrom), sub.UpgradedAt, sub.UpgradeTriggerFeature,
		sub.CreatedAt, sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, constraintOneSubPerOrg) || isUniqueViolation(err, constraintUniqProviderSub) {
			return ErrSubscriptionExists
		}
		return fmt.Errorf("insert subscription: %w", err)
	}

	if err := insertHistory(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	sub.Version = 1
	return nil
}

func (s *PgStore) UpdateSubscription(ctx context.Context, sub *Subscription, event *HistoryEvent) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	downgradeTier, downgradeAt := downgradeColumns(sub)
	tag, err := tx.Exec(ctx, `
		UPDATE subscriptions SET
			provider_customer_id = $2, provider_subscription_id = $3,
			tier = $4, status = $5, billing_interval = $6,
			seats_included = $7, seats_total = $8, seats_active = $9, billing_email = $10,
			current_period_start = $11, current_period_end = $12, cancel_at_period_end = $13,
			access_status = $14, grace_period_starts_at = $15, grace_period_ends_at = $16,
			pending_downgrade_tier = $17, pending_downgrade_at = $18,
			upgraded_from = $19, upgraded_at = $20, upgrade_trigger_feature = $21,
			version = version + 1, updated_at = $22
		WHERE id = $1 AND version = $23`,
		sub.ID, sub.ProviderCustomerID, sub.ProviderSubscriptionID,
		string(sub.Tier), string(sub.Status), string(sub.BillingInterval),
		sub.SeatsIncluded, sub.SeatsTotal, sub.SeatsActive, sub.BillingEmail,
		nullTime(sub.CurrentPeriodStart), nullTime(sub.CurrentPeriodEnd), sub.CancelAtPeriodEnd,
		string(sub.AccessStatus), sub.GracePeriodStartsAt, sub.GracePeriodEndsAt,
		downgradeTier, downgradeAt,
		string(sub.UpgradedFrom), sub.UpgradedAt, sub.UpgradeTriggerFeature,
		sub.UpdatedAt, sub.Version)
	if err != nil {
		if isUniqueViolation(err, constraintUniqProviderSub) {
			return ErrSubscriptionExists
		}
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}

	if err := insertHistory(ctx, tx, event); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	sub.Version++
	return nil
}

func (s *PgStore) EventProcessed(ctx context.Context, providerEventID string) (bool, error) {
	var processed bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM billing_history WHERE provider_event_id = $1)`,
		providerEventID).Scan(&processed)
	if err != nil {
		return false, fmt.Errorf("query event: %w", err)
	}
	return processed, nil
}

func (s *PgStore) History(ctx context.Context, orgID uuid.UUID, limit, offset int) ([]HistoryEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, organization_id, subscription_id, event_type, provider_event_id,
			amount, currency, status, description, metadata, created_at
		FROM billing_history
		WHERE organization_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`,
		orgID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []HistoryEvent
	for rows.Next() {
		var (
			e        HistoryEvent
			amount   *int64
			currency *string
		)
		if err := rows.Scan(
			&e.ID, &e.OrganizationID, &e.SubscriptionID, &e.Type, &e.ProviderEventID,
			&amount, &currency, &e.Status, &e.Description, &e.Metadata, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		if amount != nil && currency != nil {
			e.Amount = &Money{Amount: *amount, Currency: *currency}
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history rows: %w", err)
	}
	return events, nil
}

func insertHistory(ctx context.Context, tx pgx.Tx, event *HistoryEvent) error {
	if event == nil {
		return nil
	}

	var (
		amount   *int64
		currency *string
	)
	if event.Amount != nil {
		amount = &event.Amount.Amount
		currency = &event.Amount.Currency
	}
	metadata := event.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO billing_history (
			id, organization_id, subscription_id, event_type, provider_event_id,
			amount, currency, status, description, metadata, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		event.ID, event.OrganizationID, event.SubscriptionID, string(event.Type), event.ProviderEventID,
		amount, currency, string(event.Status), event.Description, metadata, event.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, constraintUniqEventID) {
			return ErrEventAlreadyProcessed
		}
		return fmt.Errorf("insert history: %w", err)
	}
	return nil
}

// downgradeColumns flattens the optional pending downgrade into its two
// nullable columns, set together or not at all.
func downgradeColumns(sub *Subscription) (*string, *time.Time) {
	if sub.PendingDowngrade == nil {
		return nil, nil
	}
	tier := string(sub.PendingDowngrade.Tier)
	at := sub.PendingDowngrade.EffectiveDate
	return &tier, &at
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var (
		sub           Subscription
		periodStart   *time.Time
		periodEnd     *time.Time
		downgradeTier *string
		downgradeAt   *time.Time
	)
	err := row.Scan(
		&sub.ID, &sub.OrganizationID, &sub.ProviderCustomerID, &sub.ProviderSubscriptionID,
		&sub.Tier, &sub.Status, &sub.BillingInterval,
		&sub.SeatsIncluded, &sub.SeatsTotal, &sub.SeatsActive, &sub.BillingEmail,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &sub.AccessStatus,
		&sub.GracePeriodStartsAt, &sub.GracePeriodEndsAt,
		&downgradeTier, &downgradeAt,
		&sub.UpgradedFrom, &sub.UpgradedAt, &sub.UpgradeTriggerFeature,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	if periodStart != nil {
		sub.CurrentPeriodStart = *periodStart
	}
	if periodEnd != nil {
		sub.CurrentPeriodEnd = *periodEnd
	}
	if downgradeTier != nil && downgradeAt != nil {
		sub.PendingDowngrade = &PendingDowngrade{Tier: Tier(*downgradeTier), EffectiveDate: *downgradeAt}
	}
	return &sub, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}
