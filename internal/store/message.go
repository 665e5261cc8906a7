package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/bipupu/server/internal/model"
)

type MessageStore struct {
	db *sql.DB
}

func NewMessageStore(db *sql.DB) *MessageStore {
	return &MessageStore{db: db}
}

const messageColumns = `id, sender_handle, receiver_handle, content, msg_type, pattern, read_at, delivered_at, deleted, created_at`

// Create persists a single message and returns it with its assigned id.
func (s *MessageStore) Create(m *model.Message) (*model.Message, error) {
	pattern, err := marshalPattern(m.Pattern)
	if err != nil {
		return nil, err
	}

	result, err := s.db.Exec(
		`INSERT INTO messages (sender_handle, receiver_handle, content, msg_type, pattern)
		 VALUES (?, ?, ?, ?, ?)`,
		m.Sender, m.Receiver, m.Content, m.MsgType, pattern,
	)
	if err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	id, _ := result.LastInsertId()
	return s.GetByID(id)
}

// CreateBatch persists all messages in one transaction. Either every
// message commits or none does; assigned ids are written back into the
// given slice.
func (s *MessageStore) CreateBatch(msgs []*model.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO messages (sender_handle, receiver_handle, content, msg_type, pattern)
		 VALUES (?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare batch insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		pattern, err := marshalPattern(m.Pattern)
		if err != nil {
			return err
		}
		result, err := stmt.Exec(m.Sender, m.Receiver, m.Content, m.MsgType, pattern)
		if err != nil {
			return fmt.Errorf("batch insert message: %w", err)
		}
		m.ID, _ = result.LastInsertId()
		m.CreatedAt = time.Now().UTC()
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

func (s *MessageStore) GetByID(id int64) (*model.Message, error) {
	row := s.db.QueryRow(`SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// FindByDedupeMarker looks up a non-deleted notification for receiver
// whose pattern carries the given (category, UTC date) marker. Used by
// the scheduler for idempotence under re-execution.
func (s *MessageStore) FindByDedupeMarker(receiverHandle, category, pushDate string) (*model.Message, error) {
	row := s.db.QueryRow(
		`SELECT `+messageColumns+` FROM messages
		 WHERE receiver_handle = ?
		   AND msg_type = ?
		   AND deleted = 0
		   AND json_extract(pattern, '$.category') = ?
		   AND json_extract(pattern, '$.push_date') = ?
		 LIMIT 1`,
		receiverHandle, model.MsgTypeNotification, category, pushDate,
	)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by dedupe marker: %w", err)
	}
	return m, nil
}

// MarkRead flips the read timestamp for one message owned by receiver.
func (s *MessageStore) MarkRead(id int64, receiverHandle string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET read_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND receiver_handle = ? AND read_at IS NULL`,
		id, receiverHandle,
	)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead bulk-marks every unread message for receiver and returns
// how many rows changed. The caller must recompute the unread counter
// from CountUnread afterwards rather than decrementing.
func (s *MessageStore) MarkAllRead(receiverHandle string) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE messages SET read_at = CURRENT_TIMESTAMP
		 WHERE receiver_handle = ? AND read_at IS NULL AND deleted = 0`,
		receiverHandle,
	)
	if err != nil {
		return 0, fmt.Errorf("mark all read: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// MarkDelivered records transport-level delivery. Repeated deliveries
// keep the first timestamp.
func (s *MessageStore) MarkDelivered(id int64) error {
	_, err := s.db.Exec(
		`UPDATE messages SET delivered_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND delivered_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// SoftDelete hides a message from the receiver without removing the row.
func (s *MessageStore) SoftDelete(id int64, receiverHandle string) error {
	_, err := s.db.Exec(
		`UPDATE messages SET deleted = 1 WHERE id = ? AND receiver_handle = ?`,
		id, receiverHandle,
	)
	if err != nil {
		return fmt.Errorf("soft delete message: %w", err)
	}
	return nil
}

// CountUnread returns the authoritative unread count from storage.
func (s *MessageStore) CountUnread(receiverHandle string) (int64, error) {
	var count int64
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM messages
		 WHERE receiver_handle = ? AND read_at IS NULL AND deleted = 0`,
		receiverHandle,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// ListReceived returns a page of non-deleted messages for receiver,
// newest first.
func (s *MessageStore) ListReceived(receiverHandle string, page, pageSize int) ([]model.Message, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > 100 {
		pageSize = 20
	}
	rows, err := s.db.Query(
		`SELECT `+messageColumns+` FROM messages
		 WHERE receiver_handle = ? AND deleted = 0
		 ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		receiverHandle, pageSize, (page-1)*pageSize,
	)
	if err != nil {
		return nil, fmt.Errorf("list received: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CleanupNotifications removes scheduler-generated notifications created
// before the cutoff.
func (s *MessageStore) CleanupNotifications(before time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM messages
		 WHERE msg_type = ?
		   AND created_at < ?
		   AND json_extract(pattern, '$.source_type') = ?`,
		model.MsgTypeNotification, before.UTC(), model.PatternSourceSubscription,
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup notifications: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

func marshalPattern(pattern map[string]any) (any, error) {
	if pattern == nil {
		return nil, nil
	}
	data, err := json.Marshal(pattern)
	if err != nil {
		return nil, fmt.Errorf("marshal pattern: %w", err)
	}
	return string(data), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*model.Message, error) {
	var m model.Message
	var pattern sql.NullString
	var deletedInt int
	if err := row.Scan(
		&m.ID, &m.Sender, &m.Receiver, &m.Content, &m.MsgType,
		&pattern, &m.ReadAt, &m.DeliveredAt, &deletedInt, &m.CreatedAt,
	); err != nil {
		return nil, err
	}
	m.Deleted = deletedInt != 0
	if pattern.Valid && pattern.String != "" {
		if err := json.Unmarshal([]byte(pattern.String), &m.Pattern); err != nil {
			return nil, fmt.Errorf("unmarshal pattern: %w", err)
		}
	}
	return &m, nil
}

func scanMessages(rows *sql.Rows) ([]model.Message, error) {
	var msgs []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}
