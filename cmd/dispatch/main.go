package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verdantapp/verdant/internal/database"
	"github.com/verdantapp/verdant/internal/dispatch"
	"github.com/verdantapp/verdant/internal/logging"
	"github.com/verdantapp/verdant/internal/push"
	"github.com/verdantapp/verdant/internal/store"
)

// dispatch scans for due reminders and delivers push notifications. Run it
// from cron or a systemd timer; concurrent runs exclude each other via a
// database lock and exit cleanly.
func main() {
	var (
		dbPath     = flag.String("db", envOr("VERDANT_DB_PATH", "verdant.db"), "path to the sqlite database")
		window     = flag.Duration("window", 90*time.Second, "look-back eligibility floor, 0 disables")
		limit      = flag.Int("limit", 500, "max reminders per run")
		dryRun     = flag.Bool("dry-run", false, "scan and build payloads without delivering or persisting")
		userID     = flag.Int64("user", 0, "restrict the run to one user id, 0 = all")
		holdNoSubs = flag.Bool("hold-no-subs", false, "hold reminders whose owner has no active subscriptions instead of advancing them")
	)
	flag.Parse()

	logger := logging.Setup(os.Getenv("VERDANT_LOG_LEVEL")).With("component", "dispatch")

	pushCfg := push.Config{
		VAPIDPublicKey:  os.Getenv("VERDANT_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VERDANT_VAPID_PRIVATE_KEY"),
		Subscriber:      os.Getenv("VERDANT_VAPID_SUBSCRIBER"),
	}
	if !*dryRun && (pushCfg.VAPIDPublicKey == "" || pushCfg.VAPIDPrivateKey == "") {
		logger.Error("VAPID keys are required")
		os.Exit(1)
	}

	db, err := database.Open(*dbPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runner := dispatch.NewRunner(
		store.NewReminderStore(db),
		store.NewPushStore(db),
		store.NewLockStore(db),
		push.NewService(pushCfg, logger.With("component", "push")),
		os.Getenv("VERDANT_BASE_URL"),
		logger,
	)

	summary, err := runner.Run(ctx, dispatch.Options{
		Window:                    *window,
		Limit:                     *limit,
		DryRun:                    *dryRun,
		UserID:                    *userID,
		AdvanceWithoutSubscribers: !*holdNoSubs,
	})
	if err != nil {
		logger.Error("dispatch run failed", "error", err)
		os.Exit(1)
	}

	logger.Info("dispatch run finished",
		"run_id", summary.RunID,
		"scanned", summary.Scanned,
		"sent", summary.Sent,
		"failed", summary.Failed,
		"skipped_no_subs", summary.SkippedNoSubs,
		"lock_busy", summary.LockBusy,
		"dry_run", summary.DryRun,
	)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
