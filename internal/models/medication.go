package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Medication log statuses
const (
	LogStatusTaken   = "taken"
	LogStatusSkipped = "skipped"
	LogStatusMissed  = "missed"
)

// ErrInvalid marks malformed medication or reminder input
var ErrInvalid = errors.New("invalid input")

// TimeOfDay is a wall-clock time with minute precision
type TimeOfDay struct {
	Hour   int
	Minute int
}

// ParseTimeOfDay accepts "HH:MM" and the "HH:MM:SS" form Postgres returns
// for time columns. Seconds are dropped.
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 && len(parts) != 3 {
		return TimeOfDay{}, fmt.Errorf("%w: time of day %q", ErrInvalid, s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("%w: hour in %q", ErrInvalid, s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("%w: minute in %q", ErrInvalid, s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// TimeOfDayOf returns the wall-clock minute of t in its own location
func TimeOfDayOf(t time.Time) TimeOfDay {
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}
}

// String renders the zero-padded "HH:MM" form
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant of t on the calendar day of day, in day's location
func (t TimeOfDay) On(day time.Time) time.Time {
	y, mo, d := day.Date()
	return time.Date(y, mo, d, t.Hour, t.Minute, 0, 0, day.Location())
}

func (t TimeOfDay) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeOfDay) UnmarshalText(b []byte) error {
	v, err := ParseTimeOfDay(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// EveryDay is the default weekday set for new reminders
var EveryDay = []time.Weekday{
	time.Sunday, time.Monday, time.Tuesday, time.Wednesday,
	time.Thursday, time.Friday, time.Saturday,
}

// Reminder is a recurring time-of-day on a set of weekdays
type Reminder struct {
	ID           string         `json:"id"`
	MedicationID string         `json:"medication_id"`
	Time         TimeOfDay      `json:"reminder_time"`
	DaysOfWeek   []time.Weekday `json:"days_of_week"`
	Enabled      bool           `json:"is_enabled"`
	CreatedAt    time.Time      `json:"created_at"`
}

// OnDay reports whether the reminder recurs on weekday d
func (r Reminder) OnDay(d time.Weekday) bool {
	for _, w := range r.DaysOfWeek {
		if w == d {
			return true
		}
	}
	return false
}

// Medication is a prescribed medication with its reminders
type Medication struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Name         string     `json:"name"`
	Dosage       string     `json:"dosage"`
	DosageUnit   string     `json:"dosage_unit"`
	Frequency    string     `json:"frequency"`
	Instructions string     `json:"instructions,omitempty"`
	StartDate    string     `json:"start_date"`
	EndDate      *string    `json:"end_date,omitempty"`
	IsActive     bool       `json:"is_active"`
	Color        string     `json:"color,omitempty"`
	Icon         string     `json:"icon,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Reminders    []Reminder `json:"reminders,omitempty"`
}

// MedicationLog records one taken, skipped or missed dose
type MedicationLog struct {
	ID            string     `json:"id"`
	MedicationID  string     `json:"medication_id"`
	UserID        string     `json:"user_id"`
	TakenAt       time.Time  `json:"taken_at"`
	ScheduledTime *TimeOfDay `json:"scheduled_time,omitempty"`
	Status        string     `json:"status"`
	Notes         string     `json:"notes,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// ReminderInput is the body for creating a reminder
type ReminderInput struct {
	Time       string `json:"reminder_time" binding:"required"`
	DaysOfWeek []int  `json:"days_of_week"`
}

// Weekdays validates and converts DaysOfWeek, defaulting to every day
func (in ReminderInput) Weekdays() ([]time.Weekday, error) {
	if len(in.DaysOfWeek) == 0 {
		return append([]time.Weekday(nil), EveryDay...), nil
	}
	out := make([]time.Weekday, 0, len(in.DaysOfWeek))
	for _, d := range in.DaysOfWeek {
		if d < 0 || d > 6 {
			return nil, fmt.Errorf("%w: day of week out of range: %d", ErrInvalid, d)
		}
		out = append(out, time.Weekday(d))
	}
	return out, nil
}

// CreateMedicationRequest is the request body for creating a medication
type CreateMedicationRequest struct {
	Name         string          `json:"name" binding:"required"`
	Dosage       string          `json:"dosage" binding:"required"`
	DosageUnit   string          `json:"dosage_unit" binding:"required"`
	Frequency    string          `json:"frequency" binding:"required"`
	Instructions string          `json:"instructions"`
	StartDate    string          `json:"start_date" binding:"required"`
	EndDate      *string         `json:"end_date"`
	Color        string          `json:"color"`
	Icon         string          `json:"icon"`
	Reminders    []ReminderInput `json:"reminders"`
}

// UpdateMedicationRequest carries the mutable medication fields
type UpdateMedicationRequest struct {
	Name         *string `json:"name"`
	Dosage       *string `json:"dosage"`
	DosageUnit   *string `json:"dosage_unit"`
	Frequency    *string `json:"frequency"`
	Instructions *string `json:"instructions"`
	EndDate      *string `json:"end_date"`
	IsActive     *bool   `json:"is_active"`
	Color        *string `json:"color"`
	Icon         *string `json:"icon"`
}

// UpdateReminderRequest carries the mutable reminder fields
type UpdateReminderRequest struct {
	Time       *string `json:"reminder_time"`
	DaysOfWeek []int   `json:"days_of_week"`
	Enabled    *bool   `json:"is_enabled"`
}

// LogMedicationRequest is the body for recording a dose
type LogMedicationRequest struct {
	ScheduledTime string `json:"scheduled_time"`
	Status        string `json:"status"`
	Notes         string `json:"notes"`
}

// LogFilter narrows a dose history query. Zero fields match everything.
type LogFilter struct {
	MedicationID string
	From         time.Time // inclusive
	To           time.Time // exclusive
}

// DayBounds returns the start of t's day in loc and the start of the next
func DayBounds(t time.Time, loc *time.Location) (time.Time, time.Time) {
	y, m, d := t.In(loc).Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 0, 1)
}
