package model

import "time"

type User struct {
	ID        int64     `json:"id"`
	Handle    string    `json:"handle"`
	Nickname  string    `json:"nickname"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// IsServiceHandle reports whether a handle addresses a service account
// rather than a human user. Service accounts are dotted names like
// "cosmic.fortune"; user handles are all digits.
func IsServiceHandle(handle string) bool {
	if handle == "" {
		return false
	}
	hasDot := false
	allDigits := true
	for _, r := range handle {
		if r == '.' {
			hasDot = true
		}
		if r < '0' || r > '9' {
			allDigits = false
		}
	}
	return hasDot && !allDigits
}
