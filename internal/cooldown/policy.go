package cooldown

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/klikdeploy/backend/internal/models"
)

// State is derived from a CooldownRecord at evaluation time; it is never stored.
type State string

const (
	StateFresh    State = "fresh"
	StateEligible State = "eligible"
	StateWarned   State = "warned"
	StateCooldown State = "cooldown"
	StateBanned   State = "banned"
)

// Reason codes carried on a Verdict.
const (
	ReasonAllowed         = "allowed"
	ReasonWeeklyCap       = "weekly_cap_exceeded"
	ReasonSameDaySeverity = "same_day_severity"
	ReasonCooldownActive  = "cooldown_active"
	ReasonEscalated       = "escalated_ban"
)

const day = 24 * time.Hour

type Policy struct {
	StandardWeeklyCap   int
	ElevatedWeeklyCap   int
	SeverityThreshold   int
	EscalationThreshold int
	CooldownPeriod      time.Duration
	BanPeriod           time.Duration
	MaxExpiry           time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		StandardWeeklyCap:   3,
		ElevatedWeeklyCap:   10,
		SeverityThreshold:   5,
		EscalationThreshold: 10,
		CooldownPeriod:      7 * day,
		BanPeriod:           30 * day,
		MaxExpiry:           30 * day,
	}
}

// Usage is what the persisted history says about a requester right now.
type Usage struct {
	// Weekly is subsidized confirmations in the trailing 7 days.
	Weekly int
	// AttemptsToday excludes the attempt being evaluated.
	AttemptsToday int
	Recent        []models.RecentDeployment
}

type Verdict struct {
	MayProceed        bool                      `json:"may_proceed"`
	State             State                     `json:"state"`
	Reason            string                    `json:"reason"`
	Message           string                    `json:"message"`
	DaysRemaining     int                       `json:"days_remaining,omitempty"`
	AttemptsRemaining int                       `json:"attempts_remaining,omitempty"`
	WeeklyUsed        int                       `json:"weekly_used"`
	WeeklyCap         int                       `json:"weekly_cap"`
	Recent            []models.RecentDeployment `json:"recent,omitempty"`
}

// Evaluate runs one subsidized attempt through the state machine. It is pure:
// the returned record is what must be persisted if the caller commits.
func (p Policy) Evaluate(rec *models.CooldownRecord, usage Usage, elevated bool, now time.Time) (Verdict, models.CooldownRecord) {
	var next models.CooldownRecord
	if rec == nil {
		next = models.CooldownRecord{CreatedAt: now}
	} else {
		next = *rec
	}
	next.UpdatedAt = now
	next.SubsidizedCount7d = usage.Weekly

	weeklyCap := p.StandardWeeklyCap
	if elevated {
		weeklyCap = p.ElevatedWeeklyCap
	}
	v := Verdict{WeeklyUsed: usage.Weekly, WeeklyCap: weeklyCap}

	if next.CooldownUntil != nil && now.After(*next.CooldownUntil) {
		next.CooldownUntil = nil
		next.CooldownKind = models.CooldownNone
		next.Escalations = 0
	}
	if next.CooldownUntil != nil {
		next.CooldownUntil = p.capExpiry(now, *next.CooldownUntil)
	}
	attempts := usage.AttemptsToday + 1

	if next.CooldownUntil != nil {
		if next.CooldownKind != models.CooldownBan && attempts >= p.SeverityThreshold {
			return p.ban(v, &next, now, ReasonSameDaySeverity,
				fmt.Sprintf("%d subsidized attempts today. %d-day ban applied", attempts, p.banDays())), next
		}
		next.Escalations++
		if next.Escalations >= p.EscalationThreshold {
			return p.ban(v, &next, now, ReasonEscalated,
				fmt.Sprintf("repeated attempts during cooldown. %d-day ban applied", p.banDays())), next
		}
		v.State = StateWarned
		v.Reason = ReasonCooldownActive
		v.DaysRemaining = daysUntil(now, *next.CooldownUntil)
		v.AttemptsRemaining = p.EscalationThreshold - next.Escalations
		v.Recent = usage.Recent
		v.Message = warnedMessage(v)
		return v, next
	}

	if attempts >= p.SeverityThreshold {
		return p.ban(v, &next, now, ReasonSameDaySeverity,
			fmt.Sprintf("%d subsidized attempts today. %d-day ban applied", attempts, p.banDays())), next
	}
	if usage.Weekly >= weeklyCap {
		until := p.capExpiry(now, now.Add(p.CooldownPeriod))
		next.CooldownUntil = until
		next.CooldownKind = models.CooldownWeekly
		next.Escalations = 0
		v.State = StateCooldown
		v.Reason = ReasonWeeklyCap
		v.DaysRemaining = daysUntil(now, *until)
		v.Message = fmt.Sprintf("weekly limit exceeded (%d/%d used). %d-day cooldown applied", usage.Weekly, weeklyCap, v.DaysRemaining)
		return v, next
	}

	v.MayProceed = true
	v.State = StateEligible
	v.Reason = ReasonAllowed
	v.Message = fmt.Sprintf("deployment allowed (%d/%d used this week)", usage.Weekly, weeklyCap)
	if attempts == p.SeverityThreshold-1 {
		v.Message += fmt.Sprintf(". One more today triggers a %d-day ban", p.banDays())
	}
	return v, next
}

func (p Policy) ban(v Verdict, next *models.CooldownRecord, now time.Time, reason, msg string) Verdict {
	until := p.capExpiry(now, now.Add(p.BanPeriod))
	next.CooldownUntil = until
	next.CooldownKind = models.CooldownBan
	next.Escalations = 0
	v.MayProceed = false
	v.State = StateBanned
	v.Reason = reason
	v.DaysRemaining = daysUntil(now, *until)
	v.Message = msg
	return v
}

// capExpiry enforces the maximum cooldown horizon on every write.
func (p Policy) capExpiry(now, t time.Time) *time.Time {
	limit := now.Add(p.MaxExpiry)
	if t.After(limit) {
		t = limit
	}
	return &t
}

func (p Policy) banDays() int {
	return int(p.BanPeriod / day)
}

// StateOf reports the state a stored record is in at now.
func StateOf(rec *models.CooldownRecord, now time.Time) State {
	switch {
	case rec == nil:
		return StateFresh
	case rec.CooldownUntil == nil || now.After(*rec.CooldownUntil):
		return StateEligible
	case rec.Escalations > 0:
		return StateWarned
	case rec.CooldownKind == models.CooldownBan:
		return StateBanned
	default:
		return StateCooldown
	}
}

func daysUntil(now, until time.Time) int {
	d := until.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}

func warnedMessage(v Verdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "cooldown active, %d days remaining. %d more attempts before escalation", v.DaysRemaining, v.AttemptsRemaining)
	if len(v.Recent) > 0 {
		b.WriteString(". Recent deployments:")
		for _, d := range v.Recent {
			fmt.Fprintf(&b, " $%s", d.Symbol)
			if d.TokenAddress != "" {
				fmt.Fprintf(&b, " (%s)", d.TokenAddress)
			}
		}
	}
	return b.String()
}
