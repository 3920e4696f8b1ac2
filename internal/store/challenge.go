package store

import (
	"database/sql"
	"fmt"

	"github.com/verdantapp/verdant/internal/model"
)

type ChallengeStore struct {
	db *sql.DB
}

func NewChallengeStore(db *sql.DB) *ChallengeStore {
	return &ChallengeStore{db: db}
}

func (s *ChallengeStore) Create(name, description, category string) (*model.Challenge, error) {
	result, err := s.db.Exec(
		`INSERT INTO challenges (name, description, category) VALUES (?, ?, ?)`,
		name, description, category,
	)
	if err != nil {
		return nil, fmt.Errorf("insert challenge: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *ChallengeStore) GetByID(id int64) (*model.Challenge, error) {
	var c model.Challenge
	err := s.db.QueryRow(
		`SELECT id, name, description, category, created_at FROM challenges WHERE id = ?`, id,
	).Scan(&c.ID, &c.Name, &c.Description, &c.Category, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return &c, nil
}

func (s *ChallengeStore) List() ([]model.Challenge, error) {
	rows, err := s.db.Query(
		`SELECT id, name, description, category, created_at FROM challenges ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list challenges: %w", err)
	}
	defer rows.Close()

	var challenges []model.Challenge
	for rows.Next() {
		var c model.Challenge
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.Category, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan challenge: %w", err)
		}
		challenges = append(challenges, c)
	}
	return challenges, rows.Err()
}

type ProgressionStore struct {
	db *sql.DB
}

func NewProgressionStore(db *sql.DB) *ProgressionStore {
	return &ProgressionStore{db: db}
}

func (s *ProgressionStore) Create(userID, challengeID int64) (*model.Progression, error) {
	result, err := s.db.Exec(
		`INSERT INTO progressions (user_id, challenge_id, status) VALUES (?, ?, ?)`,
		userID, challengeID, model.ProgressionInProgress,
	)
	if err != nil {
		return nil, fmt.Errorf("insert progression: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *ProgressionStore) GetByID(id int64) (*model.Progression, error) {
	return s.get(`SELECT id, user_id, challenge_id, status, started_at, completed_at
		 FROM progressions WHERE id = ?`, id)
}

// GetOwned returns the progression only if it belongs to userID.
func (s *ProgressionStore) GetOwned(id, userID int64) (*model.Progression, error) {
	return s.get(`SELECT id, user_id, challenge_id, status, started_at, completed_at
		 FROM progressions WHERE id = ? AND user_id = ?`, id, userID)
}

func (s *ProgressionStore) get(query string, args ...any) (*model.Progression, error) {
	var p model.Progression
	var completedAt sql.NullTime

	err := s.db.QueryRow(query, args...).
		Scan(&p.ID, &p.UserID, &p.ChallengeID, &p.Status, &p.StartedAt, &completedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progression: %w", err)
	}

	if completedAt.Valid {
		p.CompletedAt = &completedAt.Time
	}
	return &p, nil
}
