package handlers_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/reminder"
	"github.com/mossy-p/healthbridge/internal/signaling"
	"github.com/mossy-p/healthbridge/internal/store"
)

type fakeSessions struct {
	mu      sync.Mutex
	byID    map[string]models.VideoCallSession
	waiting map[string]string
	members map[string]map[string]bool
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{
		byID:    map[string]models.VideoCallSession{},
		waiting: map[string]string{},
		members: map[string]map[string]bool{},
	}
}

func (f *fakeSessions) AddParticipant(ctx context.Context, sessionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.members[sessionID] == nil {
		f.members[sessionID] = map[string]bool{}
	}
	f.members[sessionID][userID] = true
	return nil
}

func (f *fakeSessions) IsParticipant(ctx context.Context, sessionID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.members[sessionID][userID], nil
}

func (f *fakeSessions) FindOrCreateWaiting(ctx context.Context, appointmentID string) (models.VideoCallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id, ok := f.waiting[appointmentID]; ok {
		return f.byID[id], nil
	}
	s := models.VideoCallSession{
		ID:            uuid.New().String(),
		AppointmentID: appointmentID,
		Status:        models.SessionStatusWaiting,
		CreatedAt:     time.Now(),
	}
	f.byID[s.ID] = s
	f.waiting[appointmentID] = s.ID
	return s, nil
}

func (f *fakeSessions) Get(ctx context.Context, id string) (models.VideoCallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return s, store.ErrNotFound
	}
	return s, nil
}

func (f *fakeSessions) MarkActive(ctx context.Context, id string) (models.VideoCallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return s, store.ErrNotFound
	}
	if s.Status == models.SessionStatusWaiting {
		s.Status = models.SessionStatusActive
		delete(f.waiting, s.AppointmentID)
		f.byID[id] = s
	}
	return s, nil
}

func (f *fakeSessions) End(ctx context.Context, id string) (models.VideoCallSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.byID[id]
	if !ok {
		return s, store.ErrNotFound
	}
	if s.Status != models.SessionStatusEnded {
		now := time.Now()
		s.Status = models.SessionStatusEnded
		s.EndedAt = &now
		delete(f.waiting, s.AppointmentID)
		f.byID[id] = s
	}
	return s, nil
}

func (f *fakeSessions) status(id string) models.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.byID[id].Status
}

type fakePresence struct {
	mu    sync.Mutex
	peers map[string]map[string]bool
}

func newFakePresence() *fakePresence {
	return &fakePresence{peers: map[string]map[string]bool{}}
}

func (f *fakePresence) Join(ctx context.Context, sessionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.peers[sessionID] == nil {
		f.peers[sessionID] = map[string]bool{}
	}
	f.peers[sessionID][userID] = true
	return nil
}

func (f *fakePresence) Leave(ctx context.Context, sessionID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers[sessionID], userID)
	return nil
}

func (f *fakePresence) Count(ctx context.Context, sessionID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.peers[sessionID]), nil
}

func (f *fakePresence) Clear(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.peers, sessionID)
	return nil
}

// compactingLog records Compact calls
type compactingLog struct {
	*signaling.MemoryLog

	mu        sync.Mutex
	compacted []string
}

func (l *compactingLog) Compact(ctx context.Context, sessionID string, retain time.Duration) error {
	l.mu.Lock()
	l.compacted = append(l.compacted, sessionID)
	l.mu.Unlock()
	return l.MemoryLog.Compact(ctx, sessionID, retain)
}

func (l *compactingLog) calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.compacted...)
}

type fakeMedications struct {
	mu    sync.Mutex
	meds  map[string]models.Medication
	order []string
	logs  []models.MedicationLog
}

func newFakeMedications() *fakeMedications {
	return &fakeMedications{meds: map[string]models.Medication{}}
}

func (f *fakeMedications) owned(userID, id string) (models.Medication, error) {
	m, ok := f.meds[id]
	if !ok || m.UserID != userID {
		return m, store.ErrNotFound
	}
	return m, nil
}

func (f *fakeMedications) ActiveMedications(ctx context.Context, userID string) ([]models.Medication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Medication
	for _, m := range f.meds {
		if m.UserID == userID && m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMedications) Medications(ctx context.Context, userID string) ([]models.Medication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Medication
	for i := len(f.order) - 1; i >= 0; i-- {
		if m, ok := f.meds[f.order[i]]; ok && m.UserID == userID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeMedications) CreateMedication(ctx context.Context, userID string, req models.CreateMedicationRequest) (models.Medication, error) {
	m := models.Medication{
		ID:         uuid.New().String(),
		UserID:     userID,
		Name:       req.Name,
		Dosage:     req.Dosage,
		DosageUnit: req.DosageUnit,
		Frequency:  req.Frequency,
		StartDate:  req.StartDate,
		IsActive:   true,
	}
	for _, in := range req.Reminders {
		at, err := models.ParseTimeOfDay(in.Time)
		if err != nil {
			return models.Medication{}, err
		}
		days, err := in.Weekdays()
		if err != nil {
			return models.Medication{}, err
		}
		m.Reminders = append(m.Reminders, models.Reminder{ID: uuid.New().String(), MedicationID: m.ID, Time: at, DaysOfWeek: days, Enabled: true})
	}
	f.mu.Lock()
	f.meds[m.ID] = m
	f.order = append(f.order, m.ID)
	f.mu.Unlock()
	return m, nil
}

func (f *fakeMedications) UpdateMedication(ctx context.Context, userID, id string, req models.UpdateMedicationRequest) (models.Medication, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.owned(userID, id)
	if err != nil {
		return m, err
	}
	if req.IsActive != nil {
		m.IsActive = *req.IsActive
	}
	if req.Name != nil {
		m.Name = *req.Name
	}
	f.meds[id] = m
	return m, nil
}

func (f *fakeMedications) DeleteMedication(ctx context.Context, userID, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.owned(userID, id); err != nil {
		return err
	}
	delete(f.meds, id)
	return nil
}

func (f *fakeMedications) AddReminder(ctx context.Context, userID, medicationID string, in models.ReminderInput) (models.Reminder, error) {
	at, err := models.ParseTimeOfDay(in.Time)
	if err != nil {
		return models.Reminder{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	m, err := f.owned(userID, medicationID)
	if err != nil {
		return models.Reminder{}, err
	}
	r := models.Reminder{ID: uuid.New().String(), MedicationID: m.ID, Time: at, DaysOfWeek: models.EveryDay, Enabled: true}
	m.Reminders = append(m.Reminders, r)
	f.meds[m.ID] = m
	return r, nil
}

func (f *fakeMedications) UpdateReminder(ctx context.Context, userID, reminderID string, req models.UpdateReminderRequest) (models.Reminder, error) {
	return models.Reminder{}, store.ErrNotFound
}

func (f *fakeMedications) DeleteReminder(ctx context.Context, userID, reminderID string) error {
	return store.ErrNotFound
}

func (f *fakeMedications) LogMedication(ctx context.Context, userID, medicationID string, req models.LogMedicationRequest) (models.MedicationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.owned(userID, medicationID); err != nil {
		return models.MedicationLog{}, err
	}
	status := req.Status
	if status == "" {
		status = models.LogStatusTaken
	}
	if status != models.LogStatusTaken && status != models.LogStatusSkipped && status != models.LogStatusMissed {
		return models.MedicationLog{}, fmt.Errorf("%w: status %q", models.ErrInvalid, status)
	}
	l := models.MedicationLog{ID: uuid.New().String(), MedicationID: medicationID, UserID: userID, TakenAt: time.Now(), Status: status}
	f.logs = append(f.logs, l)
	return l, nil
}

func (f *fakeMedications) TodayLogs(ctx context.Context, userID string, now time.Time, loc *time.Location) ([]models.MedicationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MedicationLog
	for _, l := range f.logs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (f *fakeMedications) Logs(ctx context.Context, userID string, filter models.LogFilter) ([]models.MedicationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.MedicationLog
	for _, l := range f.logs {
		switch {
		case l.UserID != userID:
		case filter.MedicationID != "" && l.MedicationID != filter.MedicationID:
		case !filter.From.IsZero() && l.TakenAt.Before(filter.From):
		case !filter.To.IsZero() && !l.TakenAt.Before(filter.To):
		default:
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TakenAt.After(out[j].TakenAt) })
	return out, nil
}

func (f *fakeMedications) addLog(l models.MedicationLog) {
	f.mu.Lock()
	f.logs = append(f.logs, l)
	f.mu.Unlock()
}

type fakeReminders struct {
	mu          sync.Mutex
	invalidated []string
}

func (f *fakeReminders) InvalidateAsync(userID string) {
	f.mu.Lock()
	f.invalidated = append(f.invalidated, userID)
	f.mu.Unlock()
}

func (f *fakeReminders) Status(userID string) reminder.Status {
	return reminder.Status{Permission: reminder.PermissionGranted, ScheduledCount: 1, Pending: []reminder.Pending{}}
}

func (f *fakeReminders) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.invalidated)
}
