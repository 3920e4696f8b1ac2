package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verdantapp/verdant/internal/backup"
	"github.com/verdantapp/verdant/internal/database"
	"github.com/verdantapp/verdant/internal/logging"
	"github.com/verdantapp/verdant/internal/push"
	"github.com/verdantapp/verdant/internal/server"
)

func main() {
	logger := logging.Setup(os.Getenv("VERDANT_LOG_LEVEL"))

	port := os.Getenv("VERDANT_PORT")
	if port == "" {
		port = "8080"
	}

	dbPath := os.Getenv("VERDANT_DB_PATH")
	if dbPath == "" {
		dbPath = "verdant.db"
	}

	jwtSecret := os.Getenv("VERDANT_JWT_SECRET")
	if jwtSecret == "" {
		logger.Error("VERDANT_JWT_SECRET is required")
		os.Exit(1)
	}

	db, err := database.Open(dbPath)
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cfg := server.Config{
		JWTSecret: jwtSecret,
		Push: push.Config{
			VAPIDPublicKey:  os.Getenv("VERDANT_VAPID_PUBLIC_KEY"),
			VAPIDPrivateKey: os.Getenv("VERDANT_VAPID_PRIVATE_KEY"),
			Subscriber:      os.Getenv("VERDANT_VAPID_SUBSCRIBER"),
		},
	}
	if cfg.Push.VAPIDPublicKey == "" || cfg.Push.VAPIDPrivateKey == "" {
		logger.Warn("VAPID keys not configured, push endpoints disabled")
	}

	srv := server.New(db, cfg, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backupMgr := backup.NewManager(backupConfig(dbPath), db, logger.With("component", "backup"))
	if backupMgr.Enabled() {
		backupMgr.Start(ctx)
		defer backupMgr.Stop()

		// SIGUSR1 triggers an immediate snapshot outside the schedule.
		usr1 := make(chan os.Signal, 1)
		signal.Notify(usr1, syscall.SIGUSR1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case <-usr1:
					if _, err := backupMgr.Snapshot(ctx); err != nil {
						logger.Error("manual snapshot failed", "error", err)
					}
				}
			}
		}()
	}

	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			}
		}
	}()

	httpServer := &http.Server{
		Addr:         ":" + port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("verdant listening", "port", port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func backupConfig(dbPath string) backup.Config {
	interval := 24 * time.Hour
	if v := os.Getenv("VERDANT_BACKUP_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			interval = d
		} else {
			fmt.Fprintf(os.Stderr, "invalid VERDANT_BACKUP_INTERVAL %q, using default\n", v)
		}
	}
	return backup.Config{
		S3: backup.S3Config{
			Endpoint:  os.Getenv("VERDANT_S3_ENDPOINT"),
			Bucket:    os.Getenv("VERDANT_S3_BUCKET"),
			Region:    os.Getenv("VERDANT_S3_REGION"),
			AccessKey: os.Getenv("VERDANT_S3_ACCESS_KEY"),
			SecretKey: os.Getenv("VERDANT_S3_SECRET_KEY"),
		},
		DBPath:     dbPath,
		Passphrase: os.Getenv("VERDANT_BACKUP_PASSPHRASE"),
		Prefix:     os.Getenv("VERDANT_S3_PREFIX"),
		Interval:   interval,
	}
}
