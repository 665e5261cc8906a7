package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/bipupu/server/internal/model"
)

type SubscriptionStore struct {
	db *sql.DB
}

func NewSubscriptionStore(db *sql.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

const subscriptionColumns = `id, user_handle, category, enabled, settings, window_start, window_end, timezone, created_at, updated_at`

// Upsert creates or replaces the user's subscription for one category.
func (s *SubscriptionStore) Upsert(sub *model.Subscription) (*model.Subscription, error) {
	settings, err := marshalSettings(sub.Settings)
	if err != nil {
		return nil, err
	}

	_, err = s.db.Exec(
		`INSERT INTO subscriptions (user_handle, category, enabled, settings, window_start, window_end, timezone)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_handle, category) DO UPDATE SET
		   enabled = excluded.enabled,
		   settings = excluded.settings,
		   window_start = excluded.window_start,
		   window_end = excluded.window_end,
		   timezone = excluded.timezone,
		   updated_at = CURRENT_TIMESTAMP`,
		sub.UserHandle, sub.Category, boolToInt(sub.Enabled), settings,
		sub.WindowStart, sub.WindowEnd, sub.Timezone,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert subscription: %w", err)
	}
	return s.Get(sub.UserHandle, sub.Category)
}

func (s *SubscriptionStore) Get(userHandle, category string) (*model.Subscription, error) {
	row := s.db.QueryRow(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_handle = ? AND category = ?`,
		userHandle, category,
	)
	sub, err := scanSubscription(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return sub, nil
}

// SetEnabled toggles a subscription without touching its settings.
func (s *SubscriptionStore) SetEnabled(userHandle, category string, enabled bool) error {
	_, err := s.db.Exec(
		`UPDATE subscriptions SET enabled = ?, updated_at = CURRENT_TIMESTAMP
		 WHERE user_handle = ? AND category = ?`,
		boolToInt(enabled), userHandle, category,
	)
	if err != nil {
		return fmt.Errorf("set subscription enabled: %w", err)
	}
	return nil
}

// ListEnabledByCategory returns every enabled subscription for one
// category; the scheduler walks this on each tick.
func (s *SubscriptionStore) ListEnabledByCategory(category string) ([]model.Subscription, error) {
	rows, err := s.db.Query(
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE category = ? AND enabled = 1 ORDER BY id`,
		category,
	)
	if err != nil {
		return nil, fmt.Errorf("list enabled subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, *sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row rowScanner) (*model.Subscription, error) {
	var sub model.Subscription
	var settings sql.NullString
	var enabledInt int
	if err := row.Scan(
		&sub.ID, &sub.UserHandle, &sub.Category, &enabledInt, &settings,
		&sub.WindowStart, &sub.WindowEnd, &sub.Timezone, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	sub.Enabled = enabledInt != 0
	if settings.Valid && settings.String != "" {
		if err := json.Unmarshal([]byte(settings.String), &sub.Settings); err != nil {
			return nil, fmt.Errorf("unmarshal settings: %w", err)
		}
	}
	return &sub, nil
}

func marshalSettings(settings map[string]any) (any, error) {
	if settings == nil {
		return nil, nil
	}
	data, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("marshal settings: %w", err)
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
