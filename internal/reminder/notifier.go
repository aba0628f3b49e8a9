package reminder

import (
	"context"
	"fmt"

	"github.com/mossy-p/healthbridge/internal/models"
)

// Permission mirrors the browser notification permission states
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// ParsePermission maps unknown values to PermissionDefault
func ParsePermission(s string) Permission {
	switch Permission(s) {
	case PermissionGranted, PermissionDenied:
		return Permission(s)
	}
	return PermissionDefault
}

// Notification is one user-visible reminder. Notifications with the same
// Tag replace each other on the client.
type Notification struct {
	Title              string `json:"title"`
	Body               string `json:"body"`
	Tag                string `json:"tag"`
	RequireInteraction bool   `json:"requireInteraction"`
}

// Notifier delivers notifications to one user
type Notifier interface {
	Permission() Permission
	RequestPermission(ctx context.Context) (Permission, error)
	Show(ctx context.Context, n Notification) error
}

// NotificationFor builds the reminder for med at the given time of day
func NotificationFor(med models.Medication, at models.TimeOfDay) Notification {
	instructions := med.Instructions
	if instructions == "" {
		instructions = "Take as directed"
	}
	return Notification{
		Title:              fmt.Sprintf("Time to take %s", med.Name),
		Body:               fmt.Sprintf("%s %s - %s", med.Dosage, med.DosageUnit, instructions),
		Tag:                fmt.Sprintf("medication-%s-%s", med.ID, at),
		RequireInteraction: true,
	}
}
