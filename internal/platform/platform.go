// Package platform is the local-notification scheduling API the notification
// core runs against: list what is scheduled, schedule now or at a time, cancel
// by id.
package platform

import (
	"context"
	"errors"
	"time"

	"opsnotify/internal/payload"
)

var (
	// ErrUnavailable means the notification API does not exist on this runtime.
	ErrUnavailable = errors.New("platform: notifications unavailable")
	// ErrPermissionDenied means the user revoked notification permission.
	ErrPermissionDenied = errors.New("platform: permission denied")
	ErrNotFound         = errors.New("platform: notification not found")
	ErrInvalidTrigger   = errors.New("platform: trigger time is in the past")
	ErrQueueFull        = errors.New("platform: delivery queue full")
	ErrStopped          = errors.New("platform: stopped")
)

// Content is what the user sees plus the typed data payload.
type Content struct {
	Title string
	Body  string
	Data  payload.Payload
}

// Scheduled is a handle to a notification waiting for its trigger.
// TriggerAt is nil for immediate notifications.
type Scheduled struct {
	ID        string
	TriggerAt *time.Time
	Content   Content
}

// Store is the platform's scheduling API.
type Store interface {
	List(ctx context.Context) ([]Scheduled, error)
	// Schedule delivers immediately when triggerAt is nil.
	Schedule(ctx context.Context, triggerAt *time.Time, c Content) (string, error)
	Cancel(ctx context.Context, id string) error
}

// Prober is implemented by stores that can tell up front whether the
// notification API is usable at all.
type Prober interface {
	Available(ctx context.Context) error
}

// Probe reports ErrUnavailable for nil stores and stores whose probe fails with it.
func Probe(ctx context.Context, s Store) error {
	if s == nil {
		return ErrUnavailable
	}
	if p, ok := s.(Prober); ok {
		return p.Available(ctx)
	}
	return nil
}

// Unavailable returns a Store for runtimes without local notifications.
func Unavailable() Store { return unavailable{} }

type unavailable struct{}

func (unavailable) Available(context.Context) error { return ErrUnavailable }
func (unavailable) List(context.Context) ([]Scheduled, error) {
	return nil, ErrUnavailable
}
func (unavailable) Schedule(context.Context, *time.Time, Content) (string, error) {
	return "", ErrUnavailable
}
func (unavailable) Cancel(context.Context, string) error { return ErrUnavailable }
