package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/verdantapp/verdant/internal/model"
)

type PushStore struct {
	db *sql.DB
}

func NewPushStore(db *sql.DB) *PushStore {
	return &PushStore{db: db}
}

// EndpointHash returns the hex SHA-256 of a push endpoint URL. Endpoints can
// be arbitrarily long, so the hash is the identity key.
func EndpointHash(endpoint string) string {
	sum := sha256.Sum256([]byte(endpoint))
	return hex.EncodeToString(sum[:])
}

// Upsert registers a subscription keyed by endpoint hash. Re-subscribing the
// same endpoint refreshes the keys and forces active=1 on the existing row;
// created_at is only set on first insert. isNew reports whether a row was
// created.
func (s *PushStore) Upsert(userID int64, endpoint, p256dh, auth, encoding string) (*model.PushSubscription, bool, error) {
	hash := EndpointHash(endpoint)

	existing, err := s.getByHash(hash)
	if err != nil {
		return nil, false, err
	}

	_, err = s.db.Exec(
		`INSERT INTO push_subscriptions (user_id, endpoint_hash, endpoint, p256dh, auth, encoding, active)
		 VALUES (?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(endpoint_hash) DO UPDATE SET
			user_id = excluded.user_id,
			p256dh = excluded.p256dh,
			auth = excluded.auth,
			encoding = excluded.encoding,
			active = 1`,
		userID, hash, endpoint, p256dh, auth, encoding,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert push subscription: %w", err)
	}

	sub, err := s.getByHash(hash)
	if err != nil {
		return nil, false, err
	}
	if sub == nil {
		return nil, false, fmt.Errorf("upsert push subscription: row missing after write")
	}
	return sub, existing == nil, nil
}

func (s *PushStore) getByHash(hash string) (*model.PushSubscription, error) {
	var sub model.PushSubscription
	var activeInt int
	err := s.db.QueryRow(
		`SELECT id, user_id, endpoint_hash, endpoint, p256dh, auth, encoding, active, created_at
		 FROM push_subscriptions WHERE endpoint_hash = ?`, hash,
	).Scan(&sub.ID, &sub.UserID, &sub.EndpointHash, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.Encoding, &activeInt, &sub.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get push subscription: %w", err)
	}
	sub.Active = activeInt != 0
	return &sub, nil
}

// ListActiveByUser returns the user's active subscriptions, oldest first.
func (s *PushStore) ListActiveByUser(userID int64) ([]model.PushSubscription, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, endpoint_hash, endpoint, p256dh, auth, encoding, active, created_at
		 FROM push_subscriptions WHERE user_id = ? AND active = 1 ORDER BY created_at ASC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list push subscriptions by user: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// ListActive returns every active subscription, for broadcast notifications.
func (s *PushStore) ListActive() ([]model.PushSubscription, error) {
	rows, err := s.db.Query(
		`SELECT id, user_id, endpoint_hash, endpoint, p256dh, auth, encoding, active, created_at
		 FROM push_subscriptions WHERE active = 1 ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active push subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

// DeactivateAllForUser marks every active subscription of the user inactive
// and returns how many were affected.
func (s *PushStore) DeactivateAllForUser(userID int64) (int64, error) {
	result, err := s.db.Exec(
		`UPDATE push_subscriptions SET active = 0 WHERE user_id = ? AND active = 1`, userID)
	if err != nil {
		return 0, fmt.Errorf("deactivate push subscriptions: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// DeactivateByEndpoint retires a single dead endpoint, keeping the row so a
// re-subscribe can revive it through the hash key.
func (s *PushStore) DeactivateByEndpoint(endpoint string) error {
	_, err := s.db.Exec(
		`UPDATE push_subscriptions SET active = 0 WHERE endpoint_hash = ?`, EndpointHash(endpoint))
	if err != nil {
		return fmt.Errorf("deactivate push subscription: %w", err)
	}
	return nil
}

func scanSubscriptions(rows *sql.Rows) ([]model.PushSubscription, error) {
	var subs []model.PushSubscription
	for rows.Next() {
		var sub model.PushSubscription
		var activeInt int
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.EndpointHash, &sub.Endpoint, &sub.P256dh, &sub.Auth, &sub.Encoding, &activeInt, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan push subscription: %w", err)
		}
		sub.Active = activeInt != 0
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
