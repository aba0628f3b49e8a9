// Package reminder turns weekly medication reminder schedules into timers
// that fire notifications during the current day.
package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/charmbracelet/log"
	"github.com/mossy-p/healthbridge/internal/models"
)

// Pending describes one armed reminder timer
type Pending struct {
	MedicationID string           `json:"medication_id"`
	Medication   string           `json:"medication"`
	Time         models.TimeOfDay `json:"reminder_time"`
	FiresAt      time.Time        `json:"fires_at"`
}

type pendingTimer struct {
	Pending
	timer *clock.Timer
}

// Option configures a Scheduler or Manager
type Option func(*options)

type options struct {
	clock    clock.Clock
	location *time.Location
	logger   *log.Logger
}

// WithClock replaces the wall clock, mostly for tests
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLocation sets the time zone "today" and "midnight" are evaluated in
func WithLocation(loc *time.Location) Option {
	return func(o *options) { o.location = loc }
}

func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

func buildOptions(opts []Option) options {
	o := options{clock: clock.New(), location: time.Local, logger: log.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Scheduler keeps at most one timer per (medication, time of day) for the
// current day. It is safe for concurrent use.
type Scheduler struct {
	clock    clock.Clock
	loc      *time.Location
	notifier Notifier
	logger   *log.Logger

	mu         sync.Mutex
	meds       []models.Medication
	timers     map[string]*pendingTimer
	generation uint64
	midnight   *clock.Timer
	stopped    bool
}

// NewScheduler creates an idle scheduler. Nothing is armed until the first
// RecomputeToday.
func NewScheduler(n Notifier, opts ...Option) *Scheduler {
	o := buildOptions(opts)
	return &Scheduler{
		clock:    o.clock,
		loc:      o.location,
		notifier: n,
		logger:   o.logger.With("component", "reminder"),
		timers:   make(map[string]*pendingTimer),
	}
}

// RecomputeToday cancels every pending timer and schedules one timer per
// enabled reminder that recurs today at a time of day later than now.
// It returns the number of pending timers.
func (s *Scheduler) RecomputeToday(meds []models.Medication) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return 0
	}
	s.meds = meds
	s.ensureMidnightLocked()
	return s.recomputeLocked()
}

// ScheduledCount is the number of timers that have not fired yet
func (s *Scheduler) ScheduledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// Pending lists the armed timers ordered by fire time
func (s *Scheduler) Pending() []Pending {
	s.mu.Lock()
	out := make([]Pending, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.Pending)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].FiresAt.Equal(out[j].FiresAt) {
			return out[i].FiresAt.Before(out[j].FiresAt)
		}
		return out[i].MedicationID < out[j].MedicationID
	})
	return out
}

// Stop cancels every timer including the midnight re-arm
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopped = true
	s.clearLocked()
	if s.midnight != nil {
		s.midnight.Stop()
		s.midnight = nil
	}
}

func (s *Scheduler) clearLocked() {
	for key, t := range s.timers {
		t.timer.Stop()
		delete(s.timers, key)
	}
	s.generation++
}

func (s *Scheduler) recomputeLocked() int {
	s.clearLocked()

	if p := s.notifier.Permission(); p != PermissionGranted {
		s.logger.Debug("Notifications not permitted, nothing scheduled", "permission", p)
		return 0
	}

	now := s.clock.Now().In(s.loc)
	today := now.Weekday()
	current := models.TimeOfDayOf(now).String()
	gen := s.generation

	for _, med := range s.meds {
		if !med.IsActive {
			continue
		}
		for _, r := range med.Reminders {
			if !r.Enabled || !r.OnDay(today) {
				continue
			}
			at := r.Time.String()
			// strictly later than the current minute; a reminder due this
			// minute is treated as already passed
			if at <= current {
				continue
			}

			key := med.ID + "-" + at
			if _, dup := s.timers[key]; dup {
				continue
			}

			firesAt := r.Time.On(now)
			n := NotificationFor(med, r.Time)
			pt := &pendingTimer{Pending: Pending{
				MedicationID: med.ID,
				Medication:   med.Name,
				Time:         r.Time,
				FiresAt:      firesAt,
			}}
			pt.timer = s.clock.AfterFunc(firesAt.Sub(now), func() { s.fire(gen, key, n) })
			s.timers[key] = pt
		}
	}

	s.logger.Info("Reminders scheduled", "count", len(s.timers), "weekday", today)
	return len(s.timers)
}

func (s *Scheduler) fire(gen uint64, key string, n Notification) {
	s.mu.Lock()
	if gen != s.generation || s.stopped {
		s.mu.Unlock()
		return
	}
	if _, ok := s.timers[key]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.timers, key)
	s.mu.Unlock()

	if err := s.notifier.Show(context.Background(), n); err != nil {
		s.logger.Warn("Failed to show reminder", "tag", n.Tag, "error", err)
		return
	}
	s.logger.Info("Reminder fired", "tag", n.Tag)
}

// ensureMidnightLocked arms the one-shot timer that recomputes at the
// next local midnight and re-arms itself.
func (s *Scheduler) ensureMidnightLocked() {
	if s.midnight != nil {
		return
	}
	now := s.clock.Now().In(s.loc)
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, s.loc)

	s.midnight = s.clock.AfterFunc(next.Sub(now), s.rollover)
}

func (s *Scheduler) rollover() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	s.midnight = nil
	s.logger.Debug("Midnight rollover")
	s.ensureMidnightLocked()
	s.recomputeLocked()
}
