package handler

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/verdantapp/verdant/internal/auth"
	"github.com/verdantapp/verdant/internal/database"
	"github.com/verdantapp/verdant/internal/recurrence"
	"github.com/verdantapp/verdant/internal/store"
)

type reminderFixture struct {
	handler       *ReminderHandler
	reminders     *store.ReminderStore
	userID        int64
	progressionID int64
}

func setupReminderHandler(t *testing.T) *reminderFixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	reminders := store.NewReminderStore(db)
	progressions := store.NewProgressionStore(db)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	user, err := store.NewUserStore(db).Create("a@example.com", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	challenge, err := store.NewChallengeStore(db).Create("Daily Reading", "", "learning")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	progression, err := progressions.Create(user.ID, challenge.ID)
	if err != nil {
		t.Fatalf("create progression: %v", err)
	}

	return &reminderFixture{
		handler:       NewReminderHandler(reminders, progressions, nil, logger),
		reminders:     reminders,
		userID:        user.ID,
		progressionID: progression.ID,
	}
}

// doJSON performs a request as userID, optionally carrying an {id} path value.
func (f *reminderFixture) doJSON(t *testing.T, h http.HandlerFunc, userID int64, id int64, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/reminders", strings.NewReader(body))
	req = req.WithContext(auth.WithAuth(req.Context(), auth.AuthContext{UserID: userID}))
	if id != 0 {
		req.SetPathValue("id", strconv.FormatInt(id, 10))
	}
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func (f *reminderFixture) createBody(tz, at, rec string) string {
	return fmt.Sprintf(`{"progressionId":%d,"scheduledAt":%q,"timezone":%q,"recurrence":%q}`,
		f.progressionID, at, tz, rec)
}

func TestCreateReminder(t *testing.T) {
	f := setupReminderHandler(t)

	rec := f.doJSON(t, f.handler.Create, f.userID, 0,
		f.createBody("Europe/Paris", "2026-09-01T08:30:00", "DAILY"))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}

	got, err := f.reminders.GetByID(resp.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if got == nil || got.Recurrence != recurrence.Daily || got.Timezone != "Europe/Paris" {
		t.Errorf("stored reminder = %+v", got)
	}
	// 08:30 Paris in September is 06:30 UTC.
	want := time.Date(2026, 9, 1, 6, 30, 0, 0, time.UTC)
	if !got.ScheduledAtUTC.Equal(want) {
		t.Errorf("scheduled = %v, want %v", got.ScheduledAtUTC, want)
	}
}

func TestCreateReminderIdempotent(t *testing.T) {
	f := setupReminderHandler(t)
	body := f.createBody("UTC", "2026-09-01T08:30:00", "DAILY")

	first := f.doJSON(t, f.handler.Create, f.userID, 0, body)
	if first.Code != http.StatusCreated {
		t.Fatalf("first status = %d", first.Code)
	}

	second := f.doJSON(t, f.handler.Create, f.userID, 0, body)
	if second.Code != http.StatusOK {
		t.Fatalf("second status = %d, want 200", second.Code)
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(second.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "exists" {
		t.Errorf("status field = %q, want exists", resp.Status)
	}
}

func TestCreateReminderValidation(t *testing.T) {
	f := setupReminderHandler(t)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"bad timezone", f.createBody("Mars/Olympus", "2026-09-01T08:30:00", "DAILY"), http.StatusBadRequest},
		{"bad datetime", f.createBody("UTC", "tomorrow", "DAILY"), http.StatusBadRequest},
		{"bad recurrence", f.createBody("UTC", "2026-09-01T08:30:00", "HOURLY"), http.StatusBadRequest},
		{"foreign progression", fmt.Sprintf(`{"progressionId":%d,"scheduledAt":"2026-09-01T08:30:00","timezone":"UTC"}`,
			f.progressionID+999), http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.doJSON(t, f.handler.Create, f.userID, 0, tc.body)
			if rec.Code != tc.want {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tc.want, rec.Body.String())
			}
		})
	}
}

func TestCreateReminderDefaultsToNone(t *testing.T) {
	f := setupReminderHandler(t)

	rec := f.doJSON(t, f.handler.Create, f.userID, 0,
		fmt.Sprintf(`{"progressionId":%d,"scheduledAt":"2026-09-01T08:30:00","timezone":"UTC"}`, f.progressionID))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		ID int64 `json:"id"`
	}
	json.NewDecoder(rec.Body).Decode(&resp)
	got, _ := f.reminders.GetByID(resp.ID)
	if got.Recurrence != recurrence.None {
		t.Errorf("recurrence = %v, want None", got.Recurrence)
	}
}

func TestCompleteOneShotDeletes(t *testing.T) {
	f := setupReminderHandler(t)
	rem, _, err := f.reminders.Create(f.progressionID, time.Now().UTC(), recurrence.None, "UTC")
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	rec := f.doJSON(t, f.handler.Complete, f.userID, rem.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, err := f.reminders.GetByID(rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if got != nil {
		t.Error("completed one-shot reminder should be deleted")
	}
}

func TestCompleteDailyAdvances(t *testing.T) {
	f := setupReminderHandler(t)
	at := time.Now().UTC().Truncate(time.Second)
	rem, _, err := f.reminders.Create(f.progressionID, at, recurrence.Daily, "UTC")
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	rec := f.doJSON(t, f.handler.Complete, f.userID, rem.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, _ := f.reminders.GetByID(rem.ID)
	if got == nil || !got.Active {
		t.Fatal("daily reminder should remain active")
	}
	if !got.ScheduledAtUTC.Equal(at.Add(24 * time.Hour)) {
		t.Errorf("next fire = %v, want %v", got.ScheduledAtUTC, at.Add(24*time.Hour))
	}
}

func TestCompleteNotFound(t *testing.T) {
	f := setupReminderHandler(t)
	rec := f.doJSON(t, f.handler.Complete, f.userID, 12345, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCompleteForeignReminder(t *testing.T) {
	f := setupReminderHandler(t)
	rem, _, err := f.reminders.Create(f.progressionID, time.Now().UTC(), recurrence.None, "UTC")
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	rec := f.doJSON(t, f.handler.Complete, f.userID+999, rem.ID, "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSnooze(t *testing.T) {
	f := setupReminderHandler(t)
	at := time.Now().UTC().Truncate(time.Second)
	rem, _, err := f.reminders.Create(f.progressionID, at, recurrence.Daily, "UTC")
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}

	rec := f.doJSON(t, f.handler.Snooze, f.userID, rem.ID, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	got, _ := f.reminders.GetByID(rem.ID)
	if !got.ScheduledAtUTC.Equal(at.Add(10 * time.Minute)) {
		t.Errorf("snoozed to %v, want %v", got.ScheduledAtUTC, at.Add(10*time.Minute))
	}
	if got.Recurrence != recurrence.Daily {
		t.Error("snooze should not change recurrence")
	}
}
