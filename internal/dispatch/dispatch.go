package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/verdantapp/verdant/internal/model"
	"github.com/verdantapp/verdant/internal/push"
	"github.com/verdantapp/verdant/internal/recurrence"
	"github.com/verdantapp/verdant/internal/store"
)

const (
	// LockName is the system-wide mutex guarding dispatch runs.
	LockName = "due-reminder-dispatch"

	lockTTL    = 5 * time.Minute
	flushEvery = 100
)

// Deliverer sends one payload to a set of subscriptions and reports per
// subscription. Satisfied by *push.Service.
type Deliverer interface {
	SendWithReport(ctx context.Context, subs []model.PushSubscription, payload push.Payload) []push.DeliveryReport
}

// Options configure one dispatch run.
type Options struct {
	// Window is the look-back eligibility floor. Reminders overdue by more
	// than this are skipped until their next natural occurrence. Zero
	// disables the floor.
	Window time.Duration
	// Limit caps how many reminders one run processes.
	Limit int
	// DryRun scans and builds payloads but never delivers or persists.
	DryRun bool
	// UserID restricts the run to one user (0 = all), for debugging.
	UserID int64
	// AdvanceWithoutSubscribers keeps the reminder clock ticking even when
	// the owning user has no active subscriptions. This is the historical
	// behavior; disabling it holds the reminder for retry on the next run.
	AdvanceWithoutSubscribers bool
}

// Summary reports what one run did. It is informational only: per-item
// delivery failures are expected, recoverable conditions.
type Summary struct {
	RunID         string
	Scanned       int
	Sent          int
	Failed        int
	SkippedNoSubs int
	LockBusy      bool
	DryRun        bool
}

// Runner executes due-reminder dispatch runs: lock, scan, fan out delivery,
// apply recurrence transitions, persist in batches, report.
type Runner struct {
	reminders *store.ReminderStore
	subs      *store.PushStore
	locks     *store.LockStore
	deliverer Deliverer
	baseURL   string
	logger    *slog.Logger
}

func NewRunner(reminders *store.ReminderStore, subs *store.PushStore, locks *store.LockStore, deliverer Deliverer, baseURL string, logger *slog.Logger) *Runner {
	return &Runner{
		reminders: reminders,
		subs:      subs,
		locks:     locks,
		deliverer: deliverer,
		baseURL:   strings.TrimRight(baseURL, "/"),
		logger:    logger,
	}
}

// Run performs one end-to-end dispatch pass. Failing to acquire the lock is
// a clean no-op (another run is in progress). Only infrastructure failures
// (store, lock backend) return an error; delivery failures land in the
// summary.
func (r *Runner) Run(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{
		RunID:  uuid.NewString()[:8],
		DryRun: opts.DryRun,
	}
	logger := r.logger.With("run_id", summary.RunID)

	lease, err := r.locks.Acquire(LockName, lockTTL)
	if errors.Is(err, store.ErrBusy) {
		logger.Info("another dispatch run is in progress, exiting")
		summary.LockBusy = true
		return summary, nil
	}
	if err != nil {
		return summary, fmt.Errorf("acquire dispatch lock: %w", err)
	}
	defer func() {
		if err := r.locks.Release(lease); err != nil {
			logger.Error("release dispatch lock", "error", err)
		}
	}()

	// One reference instant for the whole batch.
	now := time.Now().UTC().Truncate(time.Second)

	logger.Info("dispatch run starting",
		"now", now.Format(time.RFC3339),
		"window", opts.Window,
		"limit", opts.Limit,
		"dry_run", opts.DryRun)

	due, err := r.reminders.ListDue(now, opts.Window, opts.Limit, opts.UserID)
	if err != nil {
		return summary, fmt.Errorf("scan due reminders: %w", err)
	}

	var staged []store.StagedTransition
	flush := func() error {
		if err := r.reminders.ApplyTransitions(staged); err != nil {
			return err
		}
		staged = staged[:0]
		return nil
	}

	for _, item := range due {
		summary.Scanned++

		subs, err := r.subs.ListActiveByUser(item.UserID)
		if err != nil {
			logger.Error("list subscriptions", "reminder_id", item.ID, "user_id", item.UserID, "error", err)
			summary.Failed++
			continue
		}

		if len(subs) == 0 {
			summary.SkippedNoSubs++
			if opts.DryRun {
				continue
			}
			// Delivery is skipped, but the recurrence transition still
			// applies unless the hold policy is set.
			if opts.AdvanceWithoutSubscribers {
				staged = append(staged, stageTransition(item))
			}
			logger.Debug("no active subscriptions", "reminder_id", item.ID, "user_id", item.UserID)
			continue
		}

		payload := r.buildPayload(item, now)

		if opts.DryRun {
			logger.Info("dry-run preview",
				"reminder_id", item.ID,
				"user_id", item.UserID,
				"subscriptions", len(subs),
				"challenge", item.ChallengeName)
			continue
		}

		okForAny := false
		for _, rep := range r.deliverer.SendWithReport(ctx, subs, payload) {
			if rep.Success {
				okForAny = true
				continue
			}
			summary.Failed++
			if rep.Expired {
				// Persist immediately, not with the reminder batch, so the
				// dead endpoint is gone from the very next scan.
				if err := r.subs.DeactivateByEndpoint(rep.Endpoint); err != nil {
					logger.Error("deactivate expired subscription", "error", err)
				} else {
					logger.Info("retired expired subscription",
						"reminder_id", item.ID, "status", rep.StatusCode)
				}
				continue
			}
			logger.Warn("push delivery failed",
				"reminder_id", item.ID, "status", rep.StatusCode, "reason", rep.Reason)
		}
		if okForAny {
			summary.Sent++
		}

		staged = append(staged, stageTransition(item))

		if len(staged) >= flushEvery {
			if err := flush(); err != nil {
				return summary, fmt.Errorf("flush transitions: %w", err)
			}
		}
	}

	if err := flush(); err != nil {
		return summary, fmt.Errorf("flush transitions: %w", err)
	}

	logger.Info("dispatch run finished",
		"scanned", summary.Scanned,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped_no_subs", summary.SkippedNoSubs,
		"dry_run", summary.DryRun)

	return summary, nil
}

func stageTransition(item store.DueReminder) store.StagedTransition {
	tr := recurrence.Fire(item.Recurrence, item.ScheduledAtUTC, item.Timezone)
	return store.StagedTransition{
		ReminderID: item.ID,
		Deactivate: tr.Deactivate,
		NextUTC:    tr.NextUTC,
	}
}

func (r *Runner) buildPayload(item store.DueReminder, now time.Time) push.Payload {
	return push.Payload{
		Title: "Challenge reminder",
		Body:  fmt.Sprintf("Time to work on: %s", item.ChallengeName),
		Data: &push.Data{
			URL:        r.baseURL + "/progression/",
			ReminderID: item.ID,
		},
		Actions: []push.Action{
			{Action: "open", Title: "Open"},
			{Action: "done", Title: "Done"},
			{Action: "snooze", Title: "Later"},
		},
		Tag:                fmt.Sprintf("reminder-%d-%d", item.ID, now.Unix()),
		Renotify:           true,
		RequireInteraction: true,
	}
}
