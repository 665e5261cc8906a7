package model

import "time"

// Subscription category constants
const (
	CategoryWeather = "weather"
	CategoryFortune = "fortune"
)

// Subscription is a user's opt-in to one scheduled notification category.
// WindowStart and WindowEnd are local wall-clock times of day ("HH:MM") in
// Timezone; a window where start > end wraps midnight.
type Subscription struct {
	ID          int64          `json:"id"`
	UserHandle  string         `json:"user_handle"`
	Category    string         `json:"category"`
	Enabled     bool           `json:"enabled"`
	Settings    map[string]any `json:"settings,omitempty"`
	WindowStart string         `json:"window_start"`
	WindowEnd   string         `json:"window_end"`
	Timezone    string         `json:"timezone"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
