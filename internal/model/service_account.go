package model

import "time"

// SystemSender is the fixed originator for scheduler notifications and
// system failure notices.
const SystemSender = "system.notification"

type ServiceAccount struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
}
