package model

import "time"

// Message type constants
const (
	MsgTypeNormal       = "normal"
	MsgTypeService      = "service"
	MsgTypeNotification = "notification"
)

// Pattern keys written by the subscription scheduler. Everything else in a
// pattern is opaque presentation data for the receiving device.
const (
	PatternKeySource   = "source_type"
	PatternKeyCategory = "category"
	PatternKeyPushDate = "push_date" // UTC calendar date, YYYY-MM-DD
)

// PatternSourceSubscription marks a message generated by the scheduler.
const PatternSourceSubscription = "subscription"

// Message is the unit of delivery. Sender and Receiver are handles: an
// 8-digit user handle or a dotted service-account name.
type Message struct {
	ID          int64          `json:"id"`
	Sender      string         `json:"sender"`
	Receiver    string         `json:"receiver"`
	Content     string         `json:"content"`
	MsgType     string         `json:"msg_type"`
	Pattern     map[string]any `json:"pattern,omitempty"`
	ReadAt      *time.Time     `json:"read_at"`
	DeliveredAt *time.Time     `json:"delivered_at"`
	Deleted     bool           `json:"deleted"`
	CreatedAt   time.Time      `json:"created_at"`
}
