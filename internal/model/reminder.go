package model

import (
	"time"

	"github.com/verdantapp/verdant/internal/recurrence"
)

// Reminder is a scheduled notification attached to one progression.
// ScheduledAtUTC is always stored in UTC; Timezone is only consulted when
// computing the next local-time-correct occurrence.
type Reminder struct {
	ID             int64                 `json:"id"`
	ProgressionID  int64                 `json:"progression_id"`
	ScheduledAtUTC time.Time             `json:"scheduled_at_utc"`
	Recurrence     recurrence.Recurrence `json:"recurrence"`
	Timezone       string                `json:"timezone"`
	Active         bool                  `json:"active"`
}
