package handlers_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mossy-p/healthbridge/internal/handlers"
	"github.com/mossy-p/healthbridge/internal/middleware"
	"github.com/mossy-p/healthbridge/internal/models"
	"github.com/mossy-p/healthbridge/internal/notify"
	"github.com/mossy-p/healthbridge/internal/signaling"
)

const secret = "handler-secret"

type env struct {
	router    *gin.Engine
	sessions  *fakeSessions
	presence  *fakePresence
	log       *compactingLog
	meds      *fakeMedications
	reminders *fakeReminders
	hub       *notify.Hub
}

func newEnv(t *testing.T) *env {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := log.New(io.Discard)

	e := &env{
		sessions:  newFakeSessions(),
		presence:  newFakePresence(),
		log:       &compactingLog{MemoryLog: signaling.NewMemoryLog()},
		meds:      newFakeMedications(),
		reminders: &fakeReminders{},
		hub:       notify.NewHub(logger),
	}
	t.Cleanup(e.hub.Close)
	e.router = gin.New()
	handlers.Routes{
		JWTSecret:      secret,
		AllowedOrigins: []string{"http://localhost:5173"},
		Sessions:       handlers.NewSessionHandler(e.sessions, e.presence, e.log, time.Hour, logger),
		Medications:    handlers.NewMedicationHandler(e.meds, e.reminders, time.UTC, logger),
		Notifications:  handlers.NewNotificationHandler(e.hub, logger),
	}.Register(e.router)
	return e
}

func token(t *testing.T, user string) string {
	t.Helper()
	tok, err := middleware.IssueToken(secret, user, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return tok
}

func (e *env) do(t *testing.T, method, path, user string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, user))
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

func TestHealthAndLogin(t *testing.T) {
	e := newEnv(t)

	if w := e.do(t, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health: %d", w.Code)
	}

	w := e.do(t, http.MethodPost, "/api/auth/login", "", handlers.LoginRequest{Username: "dr-who", Password: "x"})
	if w.Code != http.StatusOK {
		t.Fatalf("login: %d %s", w.Code, w.Body.String())
	}
	resp := decode[handlers.LoginResponse](t, w)
	claims, err := middleware.ParseToken(secret, resp.Token)
	if err != nil || claims.UserID != "dr-who" || resp.UserID != "dr-who" {
		t.Fatalf("unexpected login response %+v (%v)", resp, err)
	}

	if w := e.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty login, got %d", w.Code)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := newEnv(t)
	for _, path := range []string{"/api/medications", "/api/sessions/x", "/api/reminders/status"} {
		if w := e.do(t, http.MethodGet, path, "", nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, w.Code)
		}
	}
}

func TestSessionLifecycle(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/appointments/appt-1/session", "patient", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	first := decode[models.VideoCallSession](t, w)
	if first.Status != models.SessionStatusWaiting || first.AppointmentID != "appt-1" {
		t.Fatalf("unexpected session %+v", first)
	}

	second := decode[models.VideoCallSession](t, e.do(t, http.MethodPost, "/api/appointments/appt-1/session", "doctor", nil))
	if second.ID != first.ID {
		t.Fatalf("expected the waiting session to be reused")
	}

	e.presence.Join(t.Context(), first.ID, "patient")
	info := decode[models.SessionInfo](t, e.do(t, http.MethodGet, "/api/sessions/"+first.ID, "doctor", nil))
	if info.Participants != 1 || info.ID != first.ID {
		t.Fatalf("unexpected info %+v", info)
	}

	w = e.do(t, http.MethodPost, "/api/sessions/"+first.ID+"/end", "doctor", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("end: %d", w.Code)
	}
	ended := decode[models.VideoCallSession](t, w)
	if ended.Status != models.SessionStatusEnded || ended.EndedAt == nil {
		t.Fatalf("unexpected ended session %+v", ended)
	}
	if got := e.log.calls(); len(got) != 1 || got[0] != first.ID {
		t.Fatalf("expected one compaction, got %v", got)
	}
	if n, _ := e.presence.Count(t.Context(), first.ID); n != 0 {
		t.Fatalf("presence not cleared: %d", n)
	}

	if w := e.do(t, http.MethodPost, "/api/sessions/"+first.ID+"/end", "doctor", nil); w.Code != http.StatusOK {
		t.Fatalf("second end: %d", w.Code)
	}
	if w := e.do(t, http.MethodGet, "/api/sessions/missing", "doctor", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestMedicationMutationsInvalidateReminders(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/medications", "patient", models.CreateMedicationRequest{
		Name:       "Metformin",
		Dosage:     "500",
		DosageUnit: "mg",
		Frequency:  "twice daily",
		StartDate:  "2024-03-01",
		Reminders:  []models.ReminderInput{{Time: "08:00"}, {Time: "20:00", DaysOfWeek: []int{1, 3, 5}}},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body.String())
	}
	med := decode[models.Medication](t, w)
	if len(med.Reminders) != 2 || e.reminders.count() != 1 {
		t.Fatalf("unexpected medication %+v, invalidations %d", med, e.reminders.count())
	}

	meds := decode[[]models.Medication](t, e.do(t, http.MethodGet, "/api/medications", "patient", nil))
	if len(meds) != 1 {
		t.Fatalf("expected one medication, got %d", len(meds))
	}
	other := decode[[]models.Medication](t, e.do(t, http.MethodGet, "/api/medications", "someone-else", nil))
	if len(other) != 0 {
		t.Fatalf("medications leaked across users")
	}

	if w := e.do(t, http.MethodPost, "/api/medications/"+med.ID+"/reminders", "patient", models.ReminderInput{Time: "12:30"}); w.Code != http.StatusCreated {
		t.Fatalf("add reminder: %d %s", w.Code, w.Body.String())
	}

	inactive := false
	w = e.do(t, http.MethodPatch, "/api/medications/"+med.ID, "patient", models.UpdateMedicationRequest{IsActive: &inactive})
	if w.Code != http.StatusOK || decode[models.Medication](t, w).IsActive {
		t.Fatalf("update: %d %s", w.Code, w.Body.String())
	}

	if w := e.do(t, http.MethodDelete, "/api/medications/"+med.ID, "patient", nil); w.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", w.Code)
	}
	if got := e.reminders.count(); got != 4 {
		t.Fatalf("expected 4 invalidations, got %d", got)
	}
}

func TestMedicationErrors(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodPost, "/api/medications", "patient", models.CreateMedicationRequest{
		Name: "X", Dosage: "1", DosageUnit: "tab", Frequency: "daily", StartDate: "2024-03-01",
		Reminders: []models.ReminderInput{{Time: "25:00"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad time, got %d", w.Code)
	}

	if w := e.do(t, http.MethodPost, "/api/medications", "patient", map[string]string{"name": "X"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing fields, got %d", w.Code)
	}

	if w := e.do(t, http.MethodDelete, "/api/medications/nope", "patient", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if w := e.do(t, http.MethodDelete, "/api/reminders/nope", "patient", nil); w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if e.reminders.count() != 0 {
		t.Fatalf("failed writes must not invalidate reminders")
	}
}

func TestLogDoseAndToday(t *testing.T) {
	e := newEnv(t)
	med := decode[models.Medication](t, e.do(t, http.MethodPost, "/api/medications", "patient", models.CreateMedicationRequest{
		Name: "Aspirin", Dosage: "81", DosageUnit: "mg", Frequency: "daily", StartDate: "2024-03-01",
	}))

	w := e.do(t, http.MethodPost, "/api/medications/"+med.ID+"/logs", "patient", nil)
	if w.Code != http.StatusCreated || decode[models.MedicationLog](t, w).Status != models.LogStatusTaken {
		t.Fatalf("log: %d %s", w.Code, w.Body.String())
	}
	if w := e.do(t, http.MethodPost, "/api/medications/"+med.ID+"/logs", "patient", models.LogMedicationRequest{Status: "forgot"}); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad status, got %d", w.Code)
	}

	logs := decode[[]models.MedicationLog](t, e.do(t, http.MethodGet, "/api/medication-logs/today", "patient", nil))
	if len(logs) != 1 {
		t.Fatalf("expected one log, got %d", len(logs))
	}

	status := decode[map[string]any](t, e.do(t, http.MethodGet, "/api/reminders/status", "patient", nil))
	if status["permission"] != "granted" {
		t.Fatalf("unexpected status %v", status)
	}
}

func TestOriginFilter(t *testing.T) {
	e := newEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.example")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/medications", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	w = httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent || w.Header().Get("Access-Control-Allow-Origin") != "http://localhost:5173" {
		t.Fatalf("preflight: %d %v", w.Code, w.Header())
	}
	if !strings.Contains(w.Header().Get("Access-Control-Allow-Methods"), "PATCH") {
		t.Fatalf("PATCH not allowed")
	}
}

func dialRelay(t *testing.T, srv *httptest.Server, sessionID, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal/" + sessionID + "?token=" + token(t, user)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) models.SignalingMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m models.SignalingMessage
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func TestSignalRelay(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	sess := decode[models.VideoCallSession](t, e.do(t, http.MethodPost, "/api/appointments/appt-9/session", "patient", nil))

	patient := dialRelay(t, srv, sess.ID, "patient")
	if err := patient.WriteJSON(models.NewMessage("", "spoofed", models.JoinPayload{UserID: "patient"})); err != nil {
		t.Fatalf("write: %v", err)
	}

	// the doctor connects later and gets the join from the backlog
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs, _ := e.log.List(t.Context(), sess.ID, "")
		if len(msgs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("join never appended")
		}
		time.Sleep(5 * time.Millisecond)
	}
	e.do(t, http.MethodPost, "/api/appointments/appt-9/session", "doctor", nil)
	doctor := dialRelay(t, srv, sess.ID, "doctor")

	join := readMessage(t, doctor)
	if join.Type != models.MessageTypeJoin || join.SenderID != "patient" || join.SessionID != sess.ID {
		t.Fatalf("unexpected backlog message %+v", join)
	}

	offer := models.NewMessage(sess.ID, "doctor", models.DescriptionPayload{Type: "offer", SDP: "v=0"})
	if err := doctor.WriteJSON(offer); err != nil {
		t.Fatalf("write: %v", err)
	}
	got := readMessage(t, patient)
	if got.Type != models.MessageTypeOffer || got.SenderID != "doctor" {
		t.Fatalf("unexpected relayed message %+v", got)
	}
	if e.sessions.status(sess.ID) != models.SessionStatusActive {
		t.Fatalf("session should be active with two peers")
	}

	// the patient drops without a leave; the relay appends one
	patient.Close()
	leave := readMessage(t, doctor)
	if leave.Type != models.MessageTypeLeave || leave.SenderID != "patient" {
		t.Fatalf("expected leave from patient, got %+v", leave)
	}
}

func TestSessionRequiresMembership(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)
	sess := decode[models.VideoCallSession](t, e.do(t, http.MethodPost, "/api/appointments/appt-3/session", "patient", nil))

	if w := e.do(t, http.MethodGet, "/api/sessions/"+sess.ID, "stranger", nil); w.Code != http.StatusForbidden {
		t.Fatalf("get: expected 403, got %d", w.Code)
	}
	if w := e.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/end", "stranger", nil); w.Code != http.StatusForbidden {
		t.Fatalf("end: expected 403, got %d", w.Code)
	}
	if e.sessions.status(sess.ID) != models.SessionStatusWaiting {
		t.Fatalf("stranger must not end the session")
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/signal/" + sess.ID + "?token=" + token(t, "stranger")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("relay: expected 403, got %v %v", resp, err)
	}

	if w := e.do(t, http.MethodGet, "/api/sessions/"+sess.ID, "patient", nil); w.Code != http.StatusOK {
		t.Fatalf("member get: %d", w.Code)
	}
}

func TestSignalRejectsEndedSession(t *testing.T) {
	e := newEnv(t)
	sess := decode[models.VideoCallSession](t, e.do(t, http.MethodPost, "/api/appointments/appt-2/session", "patient", nil))
	e.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/end", "patient", nil)

	if w := e.do(t, http.MethodGet, "/ws/signal/"+sess.ID, "patient", nil); w.Code != http.StatusGone {
		t.Fatalf("expected 410, got %d", w.Code)
	}
}

func TestNotificationPermissionRequest(t *testing.T) {
	e := newEnv(t)
	srv := httptest.NewServer(e.router)
	t.Cleanup(srv.Close)

	if w := e.do(t, http.MethodPost, "/api/notifications/permission-request", "patient", nil); w.Code != http.StatusConflict {
		t.Fatalf("expected 409 without clients, got %d", w.Code)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/notifications?token=" + token(t, "patient")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for e.hub.Clients("patient") == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if w := e.do(t, http.MethodPost, "/api/notifications/permission-request", "patient", nil); w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", w.Code)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f notify.Frame
	if err := conn.ReadJSON(&f); err != nil || f.Type != notify.FramePermissionRequest {
		t.Fatalf("expected permission request frame, got %+v (%v)", f, err)
	}
}

func TestListAllMedications(t *testing.T) {
	e := newEnv(t)
	create := func(name string) models.Medication {
		return decode[models.Medication](t, e.do(t, http.MethodPost, "/api/medications", "patient", models.CreateMedicationRequest{
			Name: name, Dosage: "1", DosageUnit: "tablet", Frequency: "daily", StartDate: "2024-03-01",
		}))
	}
	first := create("Metformin")
	second := create("Aspirin")

	inactive := false
	if w := e.do(t, http.MethodPatch, "/api/medications/"+first.ID, "patient", models.UpdateMedicationRequest{IsActive: &inactive}); w.Code != http.StatusOK {
		t.Fatalf("deactivate: %d %s", w.Code, w.Body.String())
	}

	active := decode[[]models.Medication](t, e.do(t, http.MethodGet, "/api/medications", "patient", nil))
	if len(active) != 1 || active[0].ID != second.ID {
		t.Fatalf("expected only the active medication, got %+v", active)
	}

	all := decode[[]models.Medication](t, e.do(t, http.MethodGet, "/api/medications?all=true", "patient", nil))
	if len(all) != 2 || all[0].ID != second.ID || all[1].ID != first.ID || all[1].IsActive {
		t.Fatalf("expected both medications newest first, got %+v", all)
	}

	if other := decode[[]models.Medication](t, e.do(t, http.MethodGet, "/api/medications?all=true", "someone-else", nil)); len(other) != 0 {
		t.Fatalf("other user sees %d medications", len(other))
	}
}

func TestMedicationHistory(t *testing.T) {
	e := newEnv(t)
	m1, m2 := uuid.New().String(), uuid.New().String()
	at := func(day, hour int) time.Time { return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC) }

	e.meds.addLog(models.MedicationLog{ID: "a", MedicationID: m1, UserID: "patient", TakenAt: at(1, 9), Status: models.LogStatusTaken})
	e.meds.addLog(models.MedicationLog{ID: "b", MedicationID: m2, UserID: "patient", TakenAt: at(2, 9), Status: models.LogStatusSkipped})
	e.meds.addLog(models.MedicationLog{ID: "c", MedicationID: m1, UserID: "patient", TakenAt: at(3, 23), Status: models.LogStatusTaken})
	e.meds.addLog(models.MedicationLog{ID: "d", MedicationID: m1, UserID: "someone-else", TakenAt: at(2, 9), Status: models.LogStatusTaken})

	ids := func(logs []models.MedicationLog) string {
		var out []string
		for _, l := range logs {
			out = append(out, l.ID)
		}
		return strings.Join(out, ",")
	}

	tests := []struct {
		query string
		want  string
	}{
		{query: "", want: "c,b,a"},
		{query: "?medication_id=" + m1, want: "c,a"},
		{query: "?from=2024-03-02", want: "c,b"},
		{query: "?to=2024-03-02", want: "b,a"},
		{query: "?medication_id=" + m1 + "&from=2024-03-01&to=2024-03-02", want: "a"},
		{query: "?from=2024-03-03&to=2024-03-03", want: "c"},
	}
	for _, tt := range tests {
		w := e.do(t, http.MethodGet, "/api/medication-logs"+tt.query, "patient", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%q: %d %s", tt.query, w.Code, w.Body.String())
		}
		if got := ids(decode[[]models.MedicationLog](t, w)); got != tt.want {
			t.Errorf("%q: got %s, want %s", tt.query, got, tt.want)
		}
	}

	for _, bad := range []string{"?from=03/01/2024", "?to=yesterday", "?medication_id=nope", "?from=2024-03-03&to=2024-03-01"} {
		if w := e.do(t, http.MethodGet, "/api/medication-logs"+bad, "patient", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%q: expected 400, got %d", bad, w.Code)
		}
	}
}
