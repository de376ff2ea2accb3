package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage. An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ScheduledRecord is a notification waiting for its trigger time.
type ScheduledRecord struct {
	ID        string    `json:"id"`
	TriggerAt time.Time `json:"trigger_at"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Data      []byte    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// DeliveryRecord is one line of delivery history.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At             time.Time `json:"at"`
	Event          string    `json:"event"`
	Key            string    `json:"key,omitempty"`
	Type           string    `json:"type,omitempty"`
	NotificationID string    `json:"notification_id,omitempty"`
	Error          string    `json:"error,omitempty"`
}
