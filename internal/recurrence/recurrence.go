package recurrence

import (
	"fmt"
	"time"
)

// Recurrence governs the transition applied when a reminder fires.
type Recurrence int

const (
	None Recurrence = iota
	Daily
	Weekly
)

var names = map[Recurrence]string{
	None:   "NONE",
	Daily:  "DAILY",
	Weekly: "WEEKLY",
}

var fromName = map[string]Recurrence{
	"NONE":   None,
	"DAILY":  Daily,
	"WEEKLY": Weekly,
}

// Parse maps a stored recurrence value to its enum. Anything outside the
// three known values is a data-integrity error, never silently defaulted.
func Parse(s string) (Recurrence, error) {
	r, ok := fromName[s]
	if !ok {
		return None, fmt.Errorf("unknown recurrence: %q", s)
	}
	return r, nil
}

func (r Recurrence) String() string {
	return names[r]
}

func (r Recurrence) MarshalJSON() ([]byte, error) {
	return []byte(`"` + names[r] + `"`), nil
}

func (r *Recurrence) UnmarshalJSON(data []byte) error {
	if len(data) < 2 || data[0] != '"' || data[len(data)-1] != '"' {
		return fmt.Errorf("recurrence must be a string")
	}
	parsed, err := Parse(string(data[1 : len(data)-1]))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Transition is the outcome of a reminder firing: either the reminder is
// retired, or it is rescheduled to NextUTC. No other states exist.
type Transition struct {
	Deactivate bool
	NextUTC    time.Time
}

// Fire computes the post-firing state of a reminder. Pure function, no I/O.
//
// DAILY and WEEKLY step one or seven calendar days in the reminder's zone so
// an 8pm local reminder stays at 8pm across DST transitions. An empty or
// unresolvable zone falls back to flat UTC arithmetic.
func Fire(r Recurrence, scheduledUTC time.Time, timezone string) Transition {
	var days int
	switch r {
	case Daily:
		days = 1
	case Weekly:
		days = 7
	default:
		return Transition{Deactivate: true}
	}

	if timezone != "" {
		if loc, err := time.LoadLocation(timezone); err == nil {
			next := scheduledUTC.In(loc).AddDate(0, 0, days)
			return Transition{NextUTC: next.UTC()}
		}
	}
	return Transition{NextUTC: scheduledUTC.Add(time.Duration(days) * 24 * time.Hour)}
}
