package store

import (
	"database/sql"
	"fmt"

	"github.com/bipupu/server/internal/model"
)

type ServiceAccountStore struct {
	db *sql.DB
}

func NewServiceAccountStore(db *sql.DB) *ServiceAccountStore {
	return &ServiceAccountStore{db: db}
}

func (s *ServiceAccountStore) Create(name, description string) (*model.ServiceAccount, error) {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO service_accounts (name, description) VALUES (?, ?)`,
		name, description,
	)
	if err != nil {
		return nil, fmt.Errorf("create service account: %w", err)
	}
	return s.Get(name)
}

func (s *ServiceAccountStore) Get(name string) (*model.ServiceAccount, error) {
	var a model.ServiceAccount
	var activeInt int
	err := s.db.QueryRow(
		`SELECT id, name, description, active, created_at FROM service_accounts WHERE name = ?`,
		name,
	).Scan(&a.ID, &a.Name, &a.Description, &activeInt, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get service account: %w", err)
	}
	a.Active = activeInt != 0
	return &a, nil
}

// Exists reports whether an active service account with this name is
// registered.
func (s *ServiceAccountStore) Exists(name string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM service_accounts WHERE name = ? AND active = 1`, name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check service account: %w", err)
	}
	return count > 0, nil
}

// AddSubscriber puts a user on the account's broadcast list. Reports
// whether the membership changed.
func (s *ServiceAccountStore) AddSubscriber(accountName, userHandle string) (bool, error) {
	result, err := s.db.Exec(
		`INSERT OR IGNORE INTO service_account_subscribers (account_name, user_handle) VALUES (?, ?)`,
		accountName, userHandle,
	)
	if err != nil {
		return false, fmt.Errorf("add subscriber: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// RemoveSubscriber takes a user off the broadcast list. Reports whether
// the membership changed.
func (s *ServiceAccountStore) RemoveSubscriber(accountName, userHandle string) (bool, error) {
	result, err := s.db.Exec(
		`DELETE FROM service_account_subscribers WHERE account_name = ? AND user_handle = ?`,
		accountName, userHandle,
	)
	if err != nil {
		return false, fmt.Errorf("remove subscriber: %w", err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

func (s *ServiceAccountStore) IsSubscriber(accountName, userHandle string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM service_account_subscribers WHERE account_name = ? AND user_handle = ?`,
		accountName, userHandle,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check subscriber: %w", err)
	}
	return count > 0, nil
}

// Subscribers lists the handles subscribed to an account's broadcasts.
func (s *ServiceAccountStore) Subscribers(accountName string) ([]string, error) {
	rows, err := s.db.Query(
		`SELECT user_handle FROM service_account_subscribers WHERE account_name = ? ORDER BY user_handle`,
		accountName,
	)
	if err != nil {
		return nil, fmt.Errorf("list subscribers: %w", err)
	}
	defer rows.Close()

	var handles []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		handles = append(handles, h)
	}
	return handles, rows.Err()
}
