package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/iv-ingestion/ingest/types"
)

type subscriptionRow struct {
	ID              string        `db:"id"`
	Tenant          string        `db:"tenant"`
	URL             string        `db:"url"`
	Events          string        `db:"events"`
	Secret          string        `db:"secret"`
	Description     string        `db:"description"`
	Active          bool          `db:"active"`
	TotalDeliveries int64         `db:"total_deliveries"`
	Succeeded       int64         `db:"succeeded"`
	Failed          int64         `db:"failed"`
	CreatedAt       int64         `db:"created_at"`
	LastTriggeredAt sql.NullInt64 `db:"last_triggered_at"`
	DeletedAt       sql.NullInt64 `db:"deleted_at"`
}

func (r *subscriptionRow) toSubscription() (*types.Subscription, error) {
	var events []string
	if err := json.Unmarshal([]byte(r.Events), &events); err != nil {
		return nil, fmt.Errorf("decode events for subscription %s: %w", r.ID, err)
	}
	return &types.Subscription{
		ID:              r.ID,
		Tenant:          r.Tenant,
		URL:             r.URL,
		Events:          events,
		Secret:          r.Secret,
		Description:     r.Description,
		Active:          r.Active,
		TotalDeliveries: r.TotalDeliveries,
		Succeeded:       r.Succeeded,
		Failed:          r.Failed,
		CreatedAt:       time.UnixMilli(r.CreatedAt).UTC(),
		LastTriggeredAt: timePtr(r.LastTriggeredAt),
	}, nil
}

const insertSubscriptionSQL = `
INSERT INTO subscriptions (
    id, tenant, url, events, secret, description, active,
    total_deliveries, succeeded, failed, created_at, last_triggered_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, NULL)`

// CreateSubscription persists a new webhook subscription. The caller
// assigns the id and secret.
func (s *Store) CreateSubscription(ctx context.Context, sub *types.Subscription) error {
	if sub.ID == "" || sub.Tenant == "" || sub.URL == "" {
		return newStoreError(ErrConflict, "create_subscription", sub.ID,
			errors.New("id, tenant, and url are required"))
	}
	if len(sub.Events) == 0 {
		sub.Events = []string{"*"}
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return wrapOp("create_subscription", sub.ID, err)
	}
	_, err = s.db.ExecContext(ctx, insertSubscriptionSQL,
		sub.ID, sub.Tenant, sub.URL, string(events), sub.Secret,
		sub.Description, sub.Active, millis(sub.CreatedAt))
	return wrapOp("create_subscription", sub.ID, err)
}

const updateSubscriptionSQL = `
UPDATE subscriptions SET url = ?, events = ?, secret = ?, description = ?, active = ?
 WHERE id = ? AND deleted_at IS NULL`

// UpdateSubscription replaces the mutable fields of a subscription:
// url, events, secret, description, and active. Delivery counters are
// untouched.
func (s *Store) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	events, err := json.Marshal(sub.Events)
	if err != nil {
		return wrapOp("update_subscription", sub.ID, err)
	}
	res, err := s.db.ExecContext(ctx, updateSubscriptionSQL,
		sub.URL, string(events), sub.Secret, sub.Description, sub.Active, sub.ID)
	if err != nil {
		return wrapOp("update_subscription", sub.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return wrapOp("update_subscription", sub.ID, err)
	} else if n == 0 {
		return newStoreError(ErrNotFound, "update_subscription", sub.ID, nil)
	}
	return nil
}

// GetSubscription returns the subscription with the given id, including
// its signing secret.
func (s *Store) GetSubscription(ctx context.Context, id string) (*types.Subscription, error) {
	var row subscriptionRow
	err := s.db.GetContext(ctx, &row,
		`SELECT * FROM subscriptions WHERE id = ? AND deleted_at IS NULL`, id)
	if err != nil {
		return nil, wrapOp("get_subscription", id, err)
	}
	sub, err := row.toSubscription()
	if err != nil {
		return nil, wrapOp("get_subscription", id, err)
	}
	return sub, nil
}

func (s *Store) selectSubscriptions(ctx context.Context, op, query string, args ...any) ([]*types.Subscription, error) {
	var rows []subscriptionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, wrapOp(op, "", err)
	}
	subs := make([]*types.Subscription, 0, len(rows))
	for i := range rows {
		sub, err := rows[i].toSubscription()
		if err != nil {
			return nil, wrapOp(op, rows[i].ID, err)
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

// ListSubscriptions returns every subscription for the tenant, newest
// first, active or not.
func (s *Store) ListSubscriptions(ctx context.Context, tenant string) ([]*types.Subscription, error) {
	return s.selectSubscriptions(ctx, "list_subscriptions", `SELECT * FROM subscriptions
 WHERE tenant = ? AND deleted_at IS NULL ORDER BY created_at DESC, id DESC`, tenant)
}

// ActiveSubscriptions returns the tenant's active subscriptions.
func (s *Store) ActiveSubscriptions(ctx context.Context, tenant string) ([]*types.Subscription, error) {
	return s.selectSubscriptions(ctx, "active_subscriptions", `SELECT * FROM subscriptions
 WHERE tenant = ? AND active = 1 AND deleted_at IS NULL ORDER BY created_at ASC, id ASC`, tenant)
}

// AllActiveSubscriptions returns every active subscription across
// tenants, oldest first. This is the dispatcher's fan-out candidate
// set: event routing does not scope by tenant.
func (s *Store) AllActiveSubscriptions(ctx context.Context) ([]*types.Subscription, error) {
	return s.selectSubscriptions(ctx, "all_active_subscriptions", `SELECT * FROM subscriptions
 WHERE active = 1 AND deleted_at IS NULL ORDER BY created_at ASC, id ASC`)
}

const deleteSubscriptionSQL = `
UPDATE subscriptions SET active = 0, deleted_at = ?
 WHERE id = ? AND deleted_at IS NULL`

// DeleteSubscription soft-deletes a subscription: the row and its
// counters stay behind for audit but every read and the fan-out
// candidate set skip it. Deliveries already in flight finish their
// current attempt.
func (s *Store) DeleteSubscription(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, deleteSubscriptionSQL, millis(at), id)
	if err != nil {
		return wrapOp("delete_subscription", id, err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return wrapOp("delete_subscription", id, err)
	} else if n == 0 {
		return newStoreError(ErrNotFound, "delete_subscription", id, nil)
	}
	return nil
}

const recordDeliverySQL = `
UPDATE subscriptions SET
    total_deliveries = total_deliveries + 1,
    succeeded = succeeded + ?,
    failed = failed + ?,
    last_triggered_at = ?
 WHERE id = ? AND deleted_at IS NULL`

// RecordDelivery bumps a subscription's delivery counters after each
// delivery attempt. Recording against a deleted subscription is a
// no-op.
func (s *Store) RecordDelivery(ctx context.Context, id string, delivered bool, at time.Time) error {
	succ, fail := 0, 1
	if delivered {
		succ, fail = 1, 0
	}
	_, err := s.db.ExecContext(ctx, recordDeliverySQL, succ, fail, millis(at), id)
	return wrapOp("record_delivery", id, err)
}
