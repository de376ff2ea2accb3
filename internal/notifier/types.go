package notifier

import (
	"time"

	"opsnotify/internal/payload"
)

// DefaultCooldown is the suppression window of the immediate delivery path.
const DefaultCooldown = 30 * time.Second

// Request describes one delivery. TriggerAt nil means deliver now.
type Request struct {
	Title     string
	Body      string
	Type      payload.Type
	DedupKey  string
	TriggerAt *time.Time
	Payload   payload.Payload
	// Cooldown <= 0 disables suppression for this request.
	Cooldown time.Duration
}

// DeliveryEvent is published on the event bus for every request outcome.
// Keep it small; subscribers persist it.
type DeliveryEvent struct {
	Key            string     `json:"key"`
	Type           string     `json:"type,omitempty"`
	NotificationID string     `json:"notification_id,omitempty"`
	TriggerAt      *time.Time `json:"trigger_at,omitempty"`
	At             time.Time  `json:"at"`
	Error          string     `json:"error,omitempty"`
}
