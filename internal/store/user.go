package store

import (
	"database/sql"
	"fmt"

	"github.com/bipupu/server/internal/model"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func (s *UserStore) Create(handle, nickname string) (*model.User, error) {
	result, err := s.db.Exec(
		`INSERT INTO users (handle, nickname) VALUES (?, ?)`,
		handle, nickname,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, _ := result.LastInsertId()
	return s.GetByID(id)
}

func (s *UserStore) GetByID(id int64) (*model.User, error) {
	var u model.User
	var activeInt int
	err := s.db.QueryRow(
		`SELECT id, handle, nickname, active, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Handle, &u.Nickname, &activeInt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	u.Active = activeInt != 0
	return &u, nil
}

func (s *UserStore) GetByHandle(handle string) (*model.User, error) {
	var u model.User
	var activeInt int
	err := s.db.QueryRow(
		`SELECT id, handle, nickname, active, created_at FROM users WHERE handle = ?`, handle,
	).Scan(&u.ID, &u.Handle, &u.Nickname, &activeInt, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by handle: %w", err)
	}
	u.Active = activeInt != 0
	return &u, nil
}

// Block records that blocker no longer accepts messages from blocked.
func (s *UserStore) Block(blockerHandle, blockedHandle string) error {
	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO user_blocks (blocker_handle, blocked_handle) VALUES (?, ?)`,
		blockerHandle, blockedHandle,
	)
	if err != nil {
		return fmt.Errorf("block user: %w", err)
	}
	return nil
}

func (s *UserStore) Unblock(blockerHandle, blockedHandle string) error {
	_, err := s.db.Exec(
		`DELETE FROM user_blocks WHERE blocker_handle = ? AND blocked_handle = ?`,
		blockerHandle, blockedHandle,
	)
	if err != nil {
		return fmt.Errorf("unblock user: %w", err)
	}
	return nil
}

// IsBlocked reports whether blocker has blocked blocked.
func (s *UserStore) IsBlocked(blockerHandle, blockedHandle string) (bool, error) {
	var count int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM user_blocks WHERE blocker_handle = ? AND blocked_handle = ?`,
		blockerHandle, blockedHandle,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check block: %w", err)
	}
	return count > 0, nil
}
