package model

import "time"

// PushEndpoint is a web-push registration for one of a user's devices,
// used as a best-effort wake-up channel when no live socket is available.
type PushEndpoint struct {
	ID         int64     `json:"id"`
	UserHandle string    `json:"user_handle"`
	Endpoint   string    `json:"endpoint"`
	P256dhKey  string    `json:"p256dh_key"`
	AuthKey    string    `json:"auth_key"`
	CreatedAt  time.Time `json:"created_at"`
}
