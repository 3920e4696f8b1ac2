package backup

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// Config holds backup manager configuration.
type Config struct {
	S3         S3Config
	DBPath     string
	Passphrase string
	Prefix     string
	Interval   time.Duration
}

// Manager uploads encrypted database snapshots to S3-compatible storage on
// a fixed interval.
type Manager struct {
	mu     sync.RWMutex
	cfg    Config
	db     *sql.DB
	client s3Client
	logger *slog.Logger

	lastSnapshot time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

func NewManager(cfg Config, db *sql.DB, logger *slog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	m := &Manager{cfg: cfg, db: db, logger: logger}
	if cfg.S3.Bucket != "" && cfg.S3.AccessKey != "" && cfg.S3.SecretKey != "" && cfg.Passphrase != "" {
		m.client = newS3Client(cfg.S3)
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

// Enabled reports whether S3 credentials and a passphrase were configured.
func (m *Manager) Enabled() bool {
	return m.client != nil
}

// LastSnapshot returns the completion time of the most recent snapshot.
func (m *Manager) LastSnapshot() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSnapshot
}

// Start begins the periodic snapshot loop. No-op when disabled.
func (m *Manager) Start(ctx context.Context) {
	if !m.Enabled() {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := m.Snapshot(ctx); err != nil {
					m.logger.Error("scheduled snapshot failed", "error", err)
				}
			}
		}
	}()
}

// Stop gracefully stops the snapshot loop.
func (m *Manager) Stop() {
	m.mu.RLock()
	cancel := m.cancel
	done := m.done
	m.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// Snapshot copies the database with VACUUM INTO, encrypts the copy, and
// uploads it. Returns the object key.
func (m *Manager) Snapshot(ctx context.Context) (string, error) {
	if !m.Enabled() {
		return "", fmt.Errorf("backup not configured")
	}

	tmp := filepath.Join(os.TempDir(), fmt.Sprintf("verdant-snapshot-%d.db", time.Now().UnixNano()))
	defer os.Remove(tmp)

	// VACUUM INTO produces a consistent copy without blocking writers.
	if _, err := m.db.ExecContext(ctx, "VACUUM INTO ?", tmp); err != nil {
		return "", fmt.Errorf("vacuum into: %w", err)
	}

	plaintext, err := os.ReadFile(tmp)
	if err != nil {
		return "", fmt.Errorf("read snapshot: %w", err)
	}

	salt, err := GenerateSalt()
	if err != nil {
		return "", err
	}
	sealed, err := Seal(m.cfg.Passphrase, salt, plaintext)
	if err != nil {
		return "", fmt.Errorf("seal snapshot: %w", err)
	}

	key := m.objectKey(time.Now().UTC())
	_, err = m.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(m.cfg.S3.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return "", fmt.Errorf("upload to s3: %w", err)
	}

	m.mu.Lock()
	m.lastSnapshot = time.Now().UTC()
	m.mu.Unlock()

	m.logger.Info("snapshot uploaded", "key", key, "size_bytes", len(sealed))
	return key, nil
}

// Restore downloads a snapshot, decrypts it, checks its integrity, and
// writes it to dstPath. The caller is responsible for restarting against
// the restored file.
func (m *Manager) Restore(ctx context.Context, key, dstPath string) error {
	if !m.Enabled() {
		return fmt.Errorf("backup not configured")
	}

	result, err := m.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(m.cfg.S3.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return fmt.Errorf("read object: %w", err)
	}

	plaintext, err := Open(m.cfg.Passphrase, sealed)
	if err != nil {
		return fmt.Errorf("open snapshot: %w", err)
	}

	tmp := dstPath + ".restore"
	if err := os.WriteFile(tmp, plaintext, 0600); err != nil {
		return fmt.Errorf("write restored file: %w", err)
	}

	tmpDB, err := sql.Open("sqlite", tmp)
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("open restored db: %w", err)
	}
	var integrity string
	if err := tmpDB.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&integrity); err != nil {
		tmpDB.Close()
		os.Remove(tmp)
		return fmt.Errorf("integrity check: %w", err)
	}
	tmpDB.Close()
	if integrity != "ok" {
		os.Remove(tmp)
		return fmt.Errorf("integrity check failed: %s", integrity)
	}

	if err := os.Rename(tmp, dstPath); err != nil {
		return fmt.Errorf("replace database: %w", err)
	}
	os.Remove(dstPath + "-wal")
	os.Remove(dstPath + "-shm")
	return nil
}

func (m *Manager) objectKey(ts time.Time) string {
	name := fmt.Sprintf("snapshot-%s.db.enc", ts.Format("2006-01-02T150405Z"))
	if m.cfg.Prefix != "" {
		return m.cfg.Prefix + "/" + name
	}
	return name
}
