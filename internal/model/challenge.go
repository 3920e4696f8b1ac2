package model

import "time"

// Progression status constants
const (
	ProgressionInProgress = "in_progress"
	ProgressionCompleted  = "completed"
)

type Challenge struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Category    string    `json:"category"`
	CreatedAt   time.Time `json:"created_at"`
}

// Progression is one user's attempt at one challenge. Reminders hang off it.
type Progression struct {
	ID          int64      `json:"id"`
	UserID      int64      `json:"user_id"`
	ChallengeID int64      `json:"challenge_id"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
