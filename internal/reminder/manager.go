package reminder

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/healthbridge/internal/models"
)

// MedicationSource loads the active medications of a user with their
// reminders
type MedicationSource interface {
	ActiveMedications(ctx context.Context, userID string) ([]models.Medication, error)
}

// NotifierSource returns the notifier that reaches a user
type NotifierSource interface {
	Notifier(userID string) Notifier
}

// Status is what the UI shows about a user's reminders
type Status struct {
	Permission     Permission `json:"permission"`
	ScheduledCount int        `json:"scheduled_count"`
	Pending        []Pending  `json:"pending"`
}

// Manager owns one Scheduler per user and recomputes it whenever the
// user's medications or notification permission change.
type Manager struct {
	source    MedicationSource
	notifiers NotifierSource
	opts      []Option
	o         options

	mu         sync.Mutex
	schedulers map[string]*Scheduler
	reloads    map[string]*sync.Mutex
	closed     bool
}

func NewManager(source MedicationSource, notifiers NotifierSource, opts ...Option) *Manager {
	return &Manager{
		source:     source,
		notifiers:  notifiers,
		opts:       opts,
		o:          buildOptions(opts),
		schedulers: make(map[string]*Scheduler),
		reloads:    make(map[string]*sync.Mutex),
	}
}

// reloadLock serializes load-and-recompute for one user so an older load
// never replaces a newer one
func (m *Manager) reloadLock(userID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.reloads[userID]
	if !ok {
		l = &sync.Mutex{}
		m.reloads[userID] = l
	}
	return l
}

func (m *Manager) scheduler(userID string) (*Scheduler, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, fmt.Errorf("reminder manager closed")
	}
	s, ok := m.schedulers[userID]
	if !ok {
		opts := append(append([]Option(nil), m.opts...), WithLogger(m.o.logger.With("user", userID)))
		s = NewScheduler(m.notifiers.Notifier(userID), opts...)
		m.schedulers[userID] = s
	}
	return s, nil
}

// Invalidate reloads the user's medications and recomputes today's timers.
// It returns the new scheduled count.
func (m *Manager) Invalidate(ctx context.Context, userID string) (int, error) {
	l := m.reloadLock(userID)
	l.Lock()
	defer l.Unlock()

	meds, err := m.source.ActiveMedications(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to load medications: %w", err)
	}
	s, err := m.scheduler(userID)
	if err != nil {
		return 0, err
	}
	return s.RecomputeToday(meds), nil
}

// InvalidateAsync runs Invalidate in the background and logs failures.
// Used after writes so the request does not wait on the reload.
func (m *Manager) InvalidateAsync(userID string) {
	go func() {
		if _, err := m.Invalidate(context.Background(), userID); err != nil {
			m.o.logger.Warn("Failed to recompute reminders", "user", userID, "error", err)
		}
	}()
}

// PermissionChanged is called when a user's notification permission
// changes. Becoming granted schedules reminders; losing it clears them.
func (m *Manager) PermissionChanged(userID string, p Permission) {
	m.o.logger.Debug("Notification permission changed", "user", userID, "permission", p)
	m.InvalidateAsync(userID)
}

// Status reports the user's permission and pending reminders
func (m *Manager) Status(userID string) Status {
	st := Status{Permission: m.notifiers.Notifier(userID).Permission(), Pending: []Pending{}}

	m.mu.Lock()
	s, ok := m.schedulers[userID]
	m.mu.Unlock()
	if ok {
		st.Pending = s.Pending()
		st.ScheduledCount = len(st.Pending)
	}
	return st
}

// Remove stops and forgets the user's scheduler
func (m *Manager) Remove(userID string) {
	m.mu.Lock()
	s, ok := m.schedulers[userID]
	delete(m.schedulers, userID)
	m.mu.Unlock()
	if ok {
		s.Stop()
	}
}

// Close stops every scheduler
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	schedulers := m.schedulers
	m.schedulers = make(map[string]*Scheduler)
	m.mu.Unlock()

	for _, s := range schedulers {
		s.Stop()
	}
}
