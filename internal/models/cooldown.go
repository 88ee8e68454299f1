package models

import "time"

// Cooldown kinds stored on a record while an expiry is set.
const (
	CooldownNone   = ""
	CooldownWeekly = "weekly"
	CooldownBan    = "ban"
)

// CooldownRecord is created lazily on a requester's first request and never deleted.
type CooldownRecord struct {
	Requester          string     `json:"requester"`
	SubsidizedCount7d  int        `json:"subsidized_count_7d"`
	LastSubsidizedAt   *time.Time `json:"last_subsidized_at,omitempty"`
	CooldownUntil      *time.Time `json:"cooldown_until,omitempty"`
	CooldownKind       string     `json:"cooldown_kind,omitempty"`
	ConsecutiveDays    int        `json:"consecutive_days"`
	LifetimeSubsidized int        `json:"lifetime_subsidized"`
	Escalations        int        `json:"escalations"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// DailyLimit counts subsidized usage for one requester on one UTC day.
type DailyLimit struct {
	Requester          string    `json:"requester"`
	Day                time.Time `json:"day"`
	SubsidizedAttempts int       `json:"subsidized_attempts"`
	FreeConfirmed      int       `json:"free_confirmed"`
	ElevatedConfirmed  int       `json:"elevated_confirmed"`
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
