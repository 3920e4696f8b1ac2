package dispatch

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/verdantapp/verdant/internal/database"
	"github.com/verdantapp/verdant/internal/model"
	"github.com/verdantapp/verdant/internal/push"
	"github.com/verdantapp/verdant/internal/recurrence"
	"github.com/verdantapp/verdant/internal/store"
)

type deliveryCall struct {
	subs    []model.PushSubscription
	payload push.Payload
}

// fakeDeliverer records calls and returns canned reports. The default is
// success for every subscription.
type fakeDeliverer struct {
	calls   []deliveryCall
	reports func(subs []model.PushSubscription) []push.DeliveryReport
}

func (f *fakeDeliverer) SendWithReport(ctx context.Context, subs []model.PushSubscription, payload push.Payload) []push.DeliveryReport {
	f.calls = append(f.calls, deliveryCall{subs: subs, payload: payload})
	if f.reports != nil {
		return f.reports(subs)
	}
	reports := make([]push.DeliveryReport, 0, len(subs))
	for _, sub := range subs {
		reports = append(reports, push.DeliveryReport{Endpoint: sub.Endpoint, Success: true, StatusCode: 201})
	}
	return reports
}

type fixture struct {
	reminders *store.ReminderStore
	subs      *store.PushStore
	locks     *store.LockStore
	deliverer *fakeDeliverer
	runner    *Runner

	userID        int64
	progressionID int64
}

// setupDispatchTest opens an in-memory database seeded with one user, one
// challenge named "Daily Reading", and a progression linking them.
func setupDispatchTest(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	f := &fixture{
		reminders: store.NewReminderStore(db),
		subs:      store.NewPushStore(db),
		locks:     store.NewLockStore(db),
		deliverer: &fakeDeliverer{},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.runner = NewRunner(f.reminders, f.subs, f.locks, f.deliverer, "https://verdant.example.com", logger)

	user, err := store.NewUserStore(db).Create("a@example.com", "hash")
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	challenge, err := store.NewChallengeStore(db).Create("Daily Reading", "Read 20 pages", "learning")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	progression, err := store.NewProgressionStore(db).Create(user.ID, challenge.ID)
	if err != nil {
		t.Fatalf("create progression: %v", err)
	}
	f.userID = user.ID
	f.progressionID = progression.ID
	return f
}

func defaultOptions() Options {
	return Options{Limit: 100, AdvanceWithoutSubscribers: true}
}

func (f *fixture) seedReminder(t *testing.T, rec recurrence.Recurrence, at time.Time, tz string, withSub bool) *model.Reminder {
	t.Helper()
	rem, _, err := f.reminders.Create(f.progressionID, at, rec, tz)
	if err != nil {
		t.Fatalf("create reminder: %v", err)
	}
	if withSub {
		if _, _, err := f.subs.Upsert(f.userID, "https://push.example.com/send/u1", "p256dh", "auth", model.DefaultEncoding); err != nil {
			t.Fatalf("create subscription: %v", err)
		}
	}
	return rem
}

func TestRunDeactivatesOneShot(t *testing.T) {
	f := setupDispatchTest(t)
	now := time.Now().UTC().Truncate(time.Second)
	rem := f.seedReminder(t, recurrence.None, now.Add(-10*time.Second), "UTC", true)

	summary, err := f.runner.Run(context.Background(), defaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Scanned != 1 || summary.Sent != 1 || summary.Failed != 0 {
		t.Errorf("summary = %+v", summary)
	}

	got, err := f.reminders.GetByID(rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if got.Active {
		t.Error("one-shot reminder should be inactive after firing")
	}
}

func TestRunAdvancesDaily(t *testing.T) {
	f := setupDispatchTest(t)
	scheduled := time.Now().UTC().Truncate(time.Second).Add(-30 * time.Second)
	rem := f.seedReminder(t, recurrence.Daily, scheduled, "UTC", true)

	summary, err := f.runner.Run(context.Background(), defaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Sent != 1 {
		t.Errorf("sent = %d, want 1", summary.Sent)
	}

	got, err := f.reminders.GetByID(rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if !got.Active {
		t.Error("daily reminder should stay active")
	}
	want := scheduled.Add(24 * time.Hour)
	if !got.ScheduledAtUTC.Equal(want) {
		t.Errorf("next fire = %v, want %v", got.ScheduledAtUTC, want)
	}
}

func TestRunPayload(t *testing.T) {
	f := setupDispatchTest(t)
	now := time.Now().UTC().Truncate(time.Second)
	rem := f.seedReminder(t, recurrence.Daily, now.Add(-time.Second), "UTC", true)

	if _, err := f.runner.Run(context.Background(), defaultOptions()); err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(f.deliverer.calls) != 1 {
		t.Fatalf("got %d delivery calls, want 1", len(f.deliverer.calls))
	}

	p := f.deliverer.calls[0].payload
	if p.Title != "Challenge reminder" {
		t.Errorf("title = %q", p.Title)
	}
	if !strings.Contains(p.Body, "Daily Reading") {
		t.Errorf("body = %q, want challenge name", p.Body)
	}
	if p.Data == nil || p.Data.ReminderID != rem.ID {
		t.Error("payload data missing reminder id")
	}
	if p.Data.URL != "https://verdant.example.com/progression/" {
		t.Errorf("url = %q", p.Data.URL)
	}
	if !strings.HasPrefix(p.Tag, "reminder-") {
		t.Errorf("tag = %q", p.Tag)
	}
	if !p.RequireInteraction || !p.Renotify {
		t.Error("reminder payloads should renotify and require interaction")
	}
	if len(p.Actions) != 3 {
		t.Errorf("got %d actions, want 3", len(p.Actions))
	}
}

func TestRunDryRun(t *testing.T) {
	f := setupDispatchTest(t)
	scheduled := time.Now().UTC().Truncate(time.Second).Add(-time.Second)
	rem := f.seedReminder(t, recurrence.None, scheduled, "UTC", true)

	opts := defaultOptions()
	opts.DryRun = true
	summary, err := f.runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.DryRun || summary.Scanned != 1 || summary.Sent != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(f.deliverer.calls) != 0 {
		t.Error("dry run must not deliver")
	}

	got, err := f.reminders.GetByID(rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if !got.Active || !got.ScheduledAtUTC.Equal(scheduled) {
		t.Error("dry run must not mutate reminders")
	}
}

func TestRunRetiresExpiredEndpoint(t *testing.T) {
	f := setupDispatchTest(t)
	now := time.Now().UTC().Truncate(time.Second)
	rem := f.seedReminder(t, recurrence.Daily, now.Add(-time.Second), "UTC", true)

	f.deliverer.reports = func(subs []model.PushSubscription) []push.DeliveryReport {
		reports := make([]push.DeliveryReport, 0, len(subs))
		for _, sub := range subs {
			reports = append(reports, push.DeliveryReport{
				Endpoint:   sub.Endpoint,
				StatusCode: 410,
				Expired:    true,
				Reason:     "subscription expired",
			})
		}
		return reports
	}

	summary, err := f.runner.Run(context.Background(), defaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Sent != 0 || summary.Failed != 1 {
		t.Errorf("summary = %+v", summary)
	}

	subs, err := f.subs.ListActiveByUser(f.userID)
	if err != nil {
		t.Fatalf("list subscriptions: %v", err)
	}
	if len(subs) != 0 {
		t.Error("expired endpoint should be deactivated")
	}

	// The reminder still advances: the firing happened, delivery just had
	// nowhere to land.
	got, err := f.reminders.GetByID(rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if !got.ScheduledAtUTC.After(now) {
		t.Error("reminder should have advanced")
	}

	// Next run sees no active subscriptions at all.
	f.deliverer.calls = nil
	summary, err = f.runner.Run(context.Background(), defaultOptions())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(f.deliverer.calls) != 0 {
		t.Error("retired endpoint must not be delivered to again")
	}
}

func TestRunNoSubscribersAdvances(t *testing.T) {
	f := setupDispatchTest(t)
	now := time.Now().UTC().Truncate(time.Second)
	rem := f.seedReminder(t, recurrence.None, now.Add(-time.Second), "UTC", false)

	summary, err := f.runner.Run(context.Background(), defaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.SkippedNoSubs != 1 || summary.Sent != 0 {
		t.Errorf("summary = %+v", summary)
	}

	got, err := f.reminders.GetByID(rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if got.Active {
		t.Error("one-shot reminder should be retired even without subscribers")
	}
}

func TestRunNoSubscribersHold(t *testing.T) {
	f := setupDispatchTest(t)
	scheduled := time.Now().UTC().Truncate(time.Second).Add(-time.Second)
	rem := f.seedReminder(t, recurrence.None, scheduled, "UTC", false)

	opts := defaultOptions()
	opts.AdvanceWithoutSubscribers = false
	summary, err := f.runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.SkippedNoSubs != 1 {
		t.Errorf("summary = %+v", summary)
	}

	got, err := f.reminders.GetByID(rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if !got.Active || !got.ScheduledAtUTC.Equal(scheduled) {
		t.Error("hold policy should leave the reminder for the next run")
	}
}

func TestRunWindowSkipsStale(t *testing.T) {
	f := setupDispatchTest(t)
	scheduled := time.Now().UTC().Truncate(time.Second).Add(-time.Hour)
	rem := f.seedReminder(t, recurrence.Daily, scheduled, "UTC", true)

	opts := defaultOptions()
	opts.Window = 90 * time.Second
	summary, err := f.runner.Run(context.Background(), opts)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if summary.Scanned != 0 {
		t.Errorf("scanned = %d, want 0", summary.Scanned)
	}

	got, err := f.reminders.GetByID(rem.ID)
	if err != nil {
		t.Fatalf("get reminder: %v", err)
	}
	if !got.ScheduledAtUTC.Equal(scheduled) {
		t.Error("stale reminder outside the window must not be touched")
	}
}

func TestRunLockBusy(t *testing.T) {
	f := setupDispatchTest(t)
	now := time.Now().UTC().Truncate(time.Second)
	f.seedReminder(t, recurrence.None, now.Add(-time.Second), "UTC", true)

	if _, err := f.locks.Acquire(LockName, time.Minute); err != nil {
		t.Fatalf("pre-acquire lock: %v", err)
	}

	summary, err := f.runner.Run(context.Background(), defaultOptions())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !summary.LockBusy || summary.Scanned != 0 {
		t.Errorf("summary = %+v", summary)
	}
	if len(f.deliverer.calls) != 0 {
		t.Error("a busy run must not deliver")
	}
}

func TestRunReleasesLock(t *testing.T) {
	f := setupDispatchTest(t)

	if _, err := f.runner.Run(context.Background(), defaultOptions()); err != nil {
		t.Fatalf("run: %v", err)
	}

	lease, err := f.locks.Acquire(LockName, time.Minute)
	if err != nil {
		t.Fatalf("lock should be free after a run: %v", err)
	}
	f.locks.Release(lease)
}
