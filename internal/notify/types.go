// Package notify is the in-memory, per-user notification mailbox that the
// reminder and score jobs write to and the HTTP API reads from.
//
// Contents are process-local and lost on restart.
package notify

import "time"

type Type string

const (
	TypeMedicationReminder  Type = "medication_reminder"
	TypeAppointmentReminder Type = "appointment_reminder"
	TypeHealthScore         Type = "health_score"
)

type Notification struct {
	ID        int64          `json:"id"`
	Owner     int64          `json:"user_id"`
	Type      Type           `json:"type"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Read      bool           `json:"read"`
}

// CreatedEvent is published on the event bus for every new notification.
type CreatedEvent struct {
	ID    int64 `json:"id"`
	Owner int64 `json:"user_id"`
	Type  Type  `json:"type"`
}
