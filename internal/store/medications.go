package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/mossy-p/healthbridge/internal/models"
)

const (
	medicationColumns = `
		m.id, m.user_id, m.name, m.dosage, m.dosage_unit, m.frequency,
		COALESCE(m.instructions, ''), m.start_date::text, m.end_date::text,
		m.is_active, COALESCE(m.color, ''), COALESCE(m.icon, ''),
		m.created_at, m.updated_at`
	reminderColumns = `
		r.id, r.medication_id, r.reminder_time::text, r.days_of_week,
		r.is_enabled, r.created_at`
	logColumns = `
		l.id, l.medication_id, l.user_id, l.taken_at, l.scheduled_time::text,
		l.status, COALESCE(l.notes, ''), l.created_at`
)

// MedicationStore keeps medications, their reminders and dose logs.
// Every method is scoped to the owning user.
type MedicationStore struct {
	db TxDB
}

func NewMedicationStore(db TxDB) *MedicationStore {
	return &MedicationStore{db: db}
}

func scanMedication(row pgx.Row) (models.Medication, error) {
	var m models.Medication
	err := row.Scan(
		&m.ID, &m.UserID, &m.Name, &m.Dosage, &m.DosageUnit, &m.Frequency,
		&m.Instructions, &m.StartDate, &m.EndDate,
		&m.IsActive, &m.Color, &m.Icon,
		&m.CreatedAt, &m.UpdatedAt,
	)
	return m, err
}

func scanReminder(row pgx.Row) (models.Reminder, error) {
	var (
		r    models.Reminder
		at   string
		days []int32
	)
	if err := row.Scan(&r.ID, &r.MedicationID, &at, &days, &r.Enabled, &r.CreatedAt); err != nil {
		return r, err
	}
	t, err := models.ParseTimeOfDay(at)
	if err != nil {
		return r, err
	}
	r.Time = t
	r.DaysOfWeek = make([]time.Weekday, 0, len(days))
	for _, d := range days {
		r.DaysOfWeek = append(r.DaysOfWeek, time.Weekday(d))
	}
	return r, nil
}

func scanLog(row pgx.Row) (models.MedicationLog, error) {
	var (
		l         models.MedicationLog
		scheduled *string
	)
	err := row.Scan(&l.ID, &l.MedicationID, &l.UserID, &l.TakenAt, &scheduled, &l.Status, &l.Notes, &l.CreatedAt)
	if err != nil {
		return l, err
	}
	if scheduled != nil {
		t, err := models.ParseTimeOfDay(*scheduled)
		if err != nil {
			return l, err
		}
		l.ScheduledTime = &t
	}
	return l, nil
}

func weekdayInts(days []time.Weekday) []int32 {
	out := make([]int32, len(days))
	for i, d := range days {
		out[i] = int32(d)
	}
	return out
}

// ActiveMedications lists the user's active medications ordered by name,
// each with its reminders
func (s *MedicationStore) ActiveMedications(ctx context.Context, userID string) ([]models.Medication, error) {
	query := `
		SELECT ` + medicationColumns + `
		FROM medications m
		WHERE m.user_id = $1 AND m.is_active
		ORDER BY m.name
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, wrapErr(ctx, "list medications", err)
	}
	meds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Medication, error) {
		return scanMedication(row)
	})
	if err != nil {
		return nil, wrapErr(ctx, "list medications", err)
	}

	if err := s.attachReminders(ctx, meds); err != nil {
		return nil, err
	}
	return meds, nil
}

func (s *MedicationStore) attachReminders(ctx context.Context, meds []models.Medication) error {
	if len(meds) == 0 {
		return nil
	}
	ids := make([]string, len(meds))
	index := make(map[string]int, len(meds))
	for i, m := range meds {
		ids[i] = m.ID
		index[m.ID] = i
	}

	query := `
		SELECT ` + reminderColumns + `
		FROM medication_reminders r
		WHERE r.medication_id = ANY($1::uuid[])
		ORDER BY r.reminder_time
	`
	rows, err := s.db.Query(ctx, query, ids)
	if err != nil {
		return wrapErr(ctx, "list reminders", err)
	}
	reminders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Reminder, error) {
		return scanReminder(row)
	})
	if err != nil {
		return wrapErr(ctx, "list reminders", err)
	}

	for _, r := range reminders {
		i := index[r.MedicationID]
		meds[i].Reminders = append(meds[i].Reminders, r)
	}
	return nil
}

// Medication returns one of the user's medications with its reminders
func (s *MedicationStore) Medication(ctx context.Context, userID, id string) (models.Medication, error) {
	query := `SELECT ` + medicationColumns + ` FROM medications m WHERE m.id = $1 AND m.user_id = $2`
	m, err := scanMedication(s.db.QueryRow(ctx, query, id, userID))
	if err != nil {
		return models.Medication{}, wrapErr(ctx, "get medication", err)
	}
	meds := []models.Medication{m}
	if err := s.attachReminders(ctx, meds); err != nil {
		return models.Medication{}, err
	}
	return meds[0], nil
}

// CreateMedication stores the medication and its reminders in one
// transaction
func (s *MedicationStore) CreateMedication(ctx context.Context, userID string, req models.CreateMedicationRequest) (models.Medication, error) {
	type reminderRow struct {
		at   models.TimeOfDay
		days []time.Weekday
	}
	reminders := make([]reminderRow, 0, len(req.Reminders))
	for _, in := range req.Reminders {
		at, err := models.ParseTimeOfDay(in.Time)
		if err != nil {
			return models.Medication{}, err
		}
		days, err := in.Weekdays()
		if err != nil {
			return models.Medication{}, err
		}
		reminders = append(reminders, reminderRow{at: at, days: days})
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return models.Medication{}, wrapErr(ctx, "begin transaction", err)
	}
	defer tx.Rollback(ctx)

	id := uuid.New().String()
	insert := `
		INSERT INTO medications (
			id, user_id, name, dosage, dosage_unit, frequency,
			instructions, start_date, end_date, color, icon
		)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8::date, $9::date, NULLIF($10, ''), NULLIF($11, ''))
	`
	_, err = tx.Exec(ctx, insert,
		id, userID, req.Name, req.Dosage, req.DosageUnit, req.Frequency,
		req.Instructions, req.StartDate, req.EndDate, req.Color, req.Icon,
	)
	if err != nil {
		return models.Medication{}, wrapErr(ctx, "create medication", err)
	}

	for _, r := range reminders {
		_, err := tx.Exec(ctx, `
			INSERT INTO medication_reminders (id, medication_id, reminder_time, days_of_week)
			VALUES ($1, $2, $3::time, $4)
		`, uuid.New().String(), id, r.at.String(), weekdayInts(r.days))
		if err != nil {
			return models.Medication{}, wrapErr(ctx, "create reminder", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Medication{}, wrapErr(ctx, "commit medication", err)
	}
	return s.Medication(ctx, userID, id)
}

// UpdateMedication applies the non-nil fields of req
func (s *MedicationStore) UpdateMedication(ctx context.Context, userID, id string, req models.UpdateMedicationRequest) (models.Medication, error) {
	query := `
		UPDATE medications SET
			name         = COALESCE($3, name),
			dosage       = COALESCE($4, dosage),
			dosage_unit  = COALESCE($5, dosage_unit),
			frequency    = COALESCE($6, frequency),
			instructions = COALESCE($7, instructions),
			end_date     = COALESCE($8::date, end_date),
			is_active    = COALESCE($9, is_active),
			color        = COALESCE($10, color),
			icon         = COALESCE($11, icon),
			updated_at   = now()
		WHERE id = $1 AND user_id = $2
	`
	tag, err := s.db.Exec(ctx, query,
		id, userID, req.Name, req.Dosage, req.DosageUnit, req.Frequency,
		req.Instructions, req.EndDate, req.IsActive, req.Color, req.Icon,
	)
	if err != nil {
		return models.Medication{}, wrapErr(ctx, "update medication", err)
	}
	if tag.RowsAffected() == 0 {
		return models.Medication{}, ErrNotFound
	}
	return s.Medication(ctx, userID, id)
}

func (s *MedicationStore) DeleteMedication(ctx context.Context, userID, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM medications WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return wrapErr(ctx, "delete medication", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddReminder attaches a reminder to one of the user's medications
func (s *MedicationStore) AddReminder(ctx context.Context, userID, medicationID string, in models.ReminderInput) (models.Reminder, error) {
	at, err := models.ParseTimeOfDay(in.Time)
	if err != nil {
		return models.Reminder{}, err
	}
	days, err := in.Weekdays()
	if err != nil {
		return models.Reminder{}, err
	}

	query := `
		INSERT INTO medication_reminders (id, medication_id, reminder_time, days_of_week)
		SELECT $1::uuid, m.id, $4::time, $5::int[]
		FROM medications m
		WHERE m.id = $2 AND m.user_id = $3
		RETURNING ` + reminderColumnsUnqualified
	r, err := scanReminder(s.db.QueryRow(ctx, query, uuid.New().String(), medicationID, userID, at.String(), weekdayInts(days)))
	if err != nil {
		return models.Reminder{}, wrapErr(ctx, "add reminder", err)
	}
	return r, nil
}

const reminderColumnsUnqualified = `id, medication_id, reminder_time::text, days_of_week, is_enabled, created_at`

// UpdateReminder applies the non-nil fields of req to a reminder of one of
// the user's medications
func (s *MedicationStore) UpdateReminder(ctx context.Context, userID, reminderID string, req models.UpdateReminderRequest) (models.Reminder, error) {
	var at *string
	if req.Time != nil {
		t, err := models.ParseTimeOfDay(*req.Time)
		if err != nil {
			return models.Reminder{}, err
		}
		v := t.String()
		at = &v
	}
	var days []int32
	if req.DaysOfWeek != nil {
		wd, err := models.ReminderInput{DaysOfWeek: req.DaysOfWeek}.Weekdays()
		if err != nil {
			return models.Reminder{}, err
		}
		days = weekdayInts(wd)
	}

	query := `
		UPDATE medication_reminders r SET
			reminder_time = COALESCE($3::time, r.reminder_time),
			days_of_week  = COALESCE($4::int[], r.days_of_week),
			is_enabled    = COALESCE($5::boolean, r.is_enabled)
		FROM medications m
		WHERE r.id = $1 AND r.medication_id = m.id AND m.user_id = $2
		RETURNING ` + reminderColumns
	r, err := scanReminder(s.db.QueryRow(ctx, query, reminderID, userID, at, days, req.Enabled))
	if err != nil {
		return models.Reminder{}, wrapErr(ctx, "update reminder", err)
	}
	return r, nil
}

func (s *MedicationStore) DeleteReminder(ctx context.Context, userID, reminderID string) error {
	query := `
		DELETE FROM medication_reminders r
		USING medications m
		WHERE r.id = $1 AND r.medication_id = m.id AND m.user_id = $2
	`
	tag, err := s.db.Exec(ctx, query, reminderID, userID)
	if err != nil {
		return wrapErr(ctx, "delete reminder", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// LogMedication records a dose. Status defaults to taken.
func (s *MedicationStore) LogMedication(ctx context.Context, userID, medicationID string, req models.LogMedicationRequest) (models.MedicationLog, error) {
	status := req.Status
	if status == "" {
		status = models.LogStatusTaken
	}
	switch status {
	case models.LogStatusTaken, models.LogStatusSkipped, models.LogStatusMissed:
	default:
		return models.MedicationLog{}, fmt.Errorf("%w: status %q", models.ErrInvalid, status)
	}

	var scheduled *string
	if req.ScheduledTime != "" {
		t, err := models.ParseTimeOfDay(req.ScheduledTime)
		if err != nil {
			return models.MedicationLog{}, err
		}
		v := t.String()
		scheduled = &v
	}

	query := `
		INSERT INTO medication_logs AS l (id, medication_id, user_id, scheduled_time, status, notes)
		SELECT $1::uuid, m.id, m.user_id, $4::time, $5::text, NULLIF($6::text, '')
		FROM medications m
		WHERE m.id = $2 AND m.user_id = $3
		RETURNING ` + logColumns
	l, err := scanLog(s.db.QueryRow(ctx, query, uuid.New().String(), medicationID, userID, scheduled, status, req.Notes))
	if err != nil {
		return models.MedicationLog{}, wrapErr(ctx, "log medication", err)
	}
	return l, nil
}

// Medications lists all of the user's medications, inactive ones too,
// newest first, each with its reminders
func (s *MedicationStore) Medications(ctx context.Context, userID string) ([]models.Medication, error) {
	query := `
		SELECT ` + medicationColumns + `
		FROM medications m
		WHERE m.user_id = $1
		ORDER BY m.created_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID)
	if err != nil {
		return nil, wrapErr(ctx, "list all medications", err)
	}
	meds, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Medication, error) {
		return scanMedication(row)
	})
	if err != nil {
		return nil, wrapErr(ctx, "list all medications", err)
	}

	if err := s.attachReminders(ctx, meds); err != nil {
		return nil, err
	}
	return meds, nil
}

// Logs lists the user's dose logs matching f, newest first
func (s *MedicationStore) Logs(ctx context.Context, userID string, f models.LogFilter) ([]models.MedicationLog, error) {
	var (
		medicationID *string
		from, to     *time.Time
	)
	if f.MedicationID != "" {
		medicationID = &f.MedicationID
	}
	if !f.From.IsZero() {
		from = &f.From
	}
	if !f.To.IsZero() {
		to = &f.To
	}

	query := `
		SELECT ` + logColumns + `
		FROM medication_logs l
		WHERE l.user_id = $1
		  AND ($2::uuid IS NULL OR l.medication_id = $2::uuid)
		  AND ($3::timestamptz IS NULL OR l.taken_at >= $3)
		  AND ($4::timestamptz IS NULL OR l.taken_at < $4)
		ORDER BY l.taken_at DESC
	`
	rows, err := s.db.Query(ctx, query, userID, medicationID, from, to)
	if err != nil {
		return nil, wrapErr(ctx, "list logs", err)
	}
	logs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.MedicationLog, error) {
		return scanLog(row)
	})
	if err != nil {
		return nil, wrapErr(ctx, "list logs", err)
	}
	return logs, nil
}

// TodayLogs lists the user's logs taken during the current day in loc,
// newest first
func (s *MedicationStore) TodayLogs(ctx context.Context, userID string, now time.Time, loc *time.Location) ([]models.MedicationLog, error) {
	start, end := models.DayBounds(now, loc)
	return s.Logs(ctx, userID, models.LogFilter{From: start, To: end})
}
