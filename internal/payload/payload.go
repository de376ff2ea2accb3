// Package payload defines the closed set of notification payloads carried in
// the platform data map.
//
// Every variant has a fixed "type" discriminator so producers and the UI
// consumer agree on shape. Decode rejects unknown discriminators.
package payload

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates payload variants.
type Type string

const (
	TypeTaskReminder Type = "tarea_recordatorio"
	TypeTaskAssigned Type = "tarea_asignada"
	TypeOrderCreated Type = "pedido_nuevo"
)

// ReminderKind distinguishes the daily slots from the next-morning slot.
type ReminderKind string

const (
	KindPeriodic ReminderKind = "periodico"
	KindMorning  ReminderKind = "manana"
)

var ErrUnknownType = errors.New("payload: unknown type")

// Payload is implemented by every variant. The unexported method closes the set.
type Payload interface {
	Type() Type
	isPayload()
}

// TaskReminder is attached to notifications produced by a recompute cycle.
type TaskReminder struct {
	Slot       string       `json:"slot"`
	Date       string       `json:"date"`
	Kind       ReminderKind `json:"kind"`
	Generation uint64       `json:"generation"`
	Pending    int          `json:"pending"`
}

// TaskAssigned is attached to the immediate notification for a newly assigned task.
type TaskAssigned struct {
	TaskID string `json:"task_id"`
	Title  string `json:"title,omitempty"`
}

// OrderCreated is attached to the immediate notification for a new order.
type OrderCreated struct {
	OrderID  string `json:"order_id"`
	Customer string `json:"customer,omitempty"`
}

func (TaskReminder) Type() Type { return TypeTaskReminder }
func (TaskAssigned) Type() Type { return TypeTaskAssigned }
func (OrderCreated) Type() Type { return TypeOrderCreated }

func (TaskReminder) isPayload() {}
func (TaskAssigned) isPayload() {}
func (OrderCreated) isPayload() {}

type envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Encode serializes p with its discriminator.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, errors.New("payload: nil")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: p.Type(), Data: data})
}

// Decode parses bytes produced by Encode.
func Decode(b []byte) (Payload, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("payload: %w", err)
	}
	var (
		p   Payload
		err error
	)
	switch env.Type {
	case TypeTaskReminder:
		var v TaskReminder
		err = json.Unmarshal(env.Data, &v)
		p = v
	case TypeTaskAssigned:
		var v TaskAssigned
		err = json.Unmarshal(env.Data, &v)
		p = v
	case TypeOrderCreated:
		var v OrderCreated
		err = json.Unmarshal(env.Data, &v)
		p = v
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("payload %s: %w", env.Type, err)
	}
	return p, nil
}

// Reminder returns the TaskReminder carried by p, if any.
func Reminder(p Payload) (TaskReminder, bool) {
	r, ok := p.(TaskReminder)
	return r, ok
}
