package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationKind classifies a customer notification
type NotificationKind string

const (
	NotificationKindSuccess NotificationKind = "success"
	NotificationKindInfo    NotificationKind = "info"
	NotificationKindWarning NotificationKind = "warning"
	NotificationKindError   NotificationKind = "error"
)

// Notification is a fire-and-forget message for an account holder
type Notification struct {
	AccountID uuid.UUID        `json:"account_id"`
	Title     string           `json:"title"`
	Message   string           `json:"message"`
	Kind      NotificationKind `json:"kind"`
	CreatedAt time.Time        `json:"created_at"`
}
