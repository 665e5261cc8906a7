package store

import (
	"database/sql"
	"fmt"

	"github.com/bipupu/server/internal/model"
)

type PushStore struct {
	db *sql.DB
}

func NewPushStore(db *sql.DB) *PushStore {
	return &PushStore{db: db}
}

// CreateEndpoint registers a web-push endpoint for one of a user's
// devices, replacing the keys if the endpoint is already known.
func (s *PushStore) CreateEndpoint(userHandle, endpoint, p256dh, auth string) (*model.PushEndpoint, error) {
	_, err := s.db.Exec(
		`INSERT INTO push_endpoints (user_handle, endpoint, p256dh_key, auth_key)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(endpoint) DO UPDATE SET p256dh_key = excluded.p256dh_key, auth_key = excluded.auth_key`,
		userHandle, endpoint, p256dh, auth,
	)
	if err != nil {
		return nil, fmt.Errorf("create push endpoint: %w", err)
	}
	return s.getByEndpoint(endpoint)
}

func (s *PushStore) getByEndpoint(endpoint string) (*model.PushEndpoint, error) {
	var e model.PushEndpoint
	err := s.db.QueryRow(
		`SELECT id, user_handle, endpoint, p256dh_key, auth_key, created_at
		 FROM push_endpoints WHERE endpoint = ?`, endpoint,
	).Scan(&e.ID, &e.UserHandle, &e.Endpoint, &e.P256dhKey, &e.AuthKey, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push endpoint: %w", err)
	}
	return &e, nil
}

func (s *PushStore) ListByUser(userHandle string) ([]model.PushEndpoint, error) {
	rows, err := s.db.Query(
		`SELECT id, user_handle, endpoint, p256dh_key, auth_key, created_at
		 FROM push_endpoints WHERE user_handle = ? ORDER BY created_at DESC`,
		userHandle,
	)
	if err != nil {
		return nil, fmt.Errorf("list push endpoints: %w", err)
	}
	defer rows.Close()

	var endpoints []model.PushEndpoint
	for rows.Next() {
		var e model.PushEndpoint
		if err := rows.Scan(&e.ID, &e.UserHandle, &e.Endpoint, &e.P256dhKey, &e.AuthKey, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push endpoint: %w", err)
		}
		endpoints = append(endpoints, e)
	}
	return endpoints, rows.Err()
}

// DeleteByEndpoint prunes an endpoint, typically after the push service
// reported it gone.
func (s *PushStore) DeleteByEndpoint(endpoint string) error {
	_, err := s.db.Exec(`DELETE FROM push_endpoints WHERE endpoint = ?`, endpoint)
	if err != nil {
		return fmt.Errorf("delete push endpoint: %w", err)
	}
	return nil
}
