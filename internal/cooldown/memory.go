package cooldown

import (
	"context"
	"sync"
	"time"

	"github.com/klikdeploy/backend/internal/models"
)

type dailyKey struct {
	requester string
	day       time.Time
}

// MemoryStore keeps cooldown records and daily counters in process.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.CooldownRecord
	daily   map[dailyKey]models.DailyLimit
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]models.CooldownRecord),
		daily:   make(map[dailyKey]models.DailyLimit),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) Get(_ context.Context, requester string) (*models.CooldownRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[requester]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Put(_ context.Context, rec models.CooldownRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[rec.Requester]; ok {
		rec.CreatedAt = prev.CreatedAt
	}
	m.records[rec.Requester] = rec
	return nil
}

func (m *MemoryStore) bump(requester string, day time.Time, fn func(*models.DailyLimit)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dailyKey{requester, models.DayOf(day)}
	dl, ok := m.daily[k]
	if !ok {
		dl = models.DailyLimit{Requester: requester, Day: k.day}
	}
	fn(&dl)
	m.daily[k] = dl
}

func (m *MemoryStore) AddAttempt(_ context.Context, requester string, day time.Time) error {
	m.bump(requester, day, func(dl *models.DailyLimit) { dl.SubsidizedAttempts++ })
	return nil
}

func (m *MemoryStore) AddConfirmation(_ context.Context, requester string, day time.Time, tier string) error {
	m.bump(requester, day, func(dl *models.DailyLimit) {
		if tier == models.TierElevated {
			dl.ElevatedConfirmed++
		} else {
			dl.FreeConfirmed++
		}
	})
	return nil
}

func (m *MemoryStore) DailyLimit(_ context.Context, requester string, day time.Time) (models.DailyLimit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := dailyKey{requester, models.DayOf(day)}
	if dl, ok := m.daily[k]; ok {
		return dl, nil
	}
	return models.DailyLimit{Requester: requester, Day: k.day}, nil
}

func (m *MemoryStore) ConfirmedSince(_ context.Context, requester string, from time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	from = models.DayOf(from)
	var n int
	for k, dl := range m.daily {
		if k.requester == requester && !k.day.Before(from) {
			n += dl.FreeConfirmed + dl.ElevatedConfirmed
		}
	}
	return n, nil
}

func (m *MemoryStore) Sweep(_ context.Context, now, maxUntil time.Time) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var cleared, clamped int
	for k, rec := range m.records {
		if rec.CooldownUntil == nil {
			continue
		}
		switch {
		case now.After(*rec.CooldownUntil):
			rec.CooldownUntil = nil
			rec.CooldownKind = models.CooldownNone
			rec.Escalations = 0
			cleared++
		case rec.CooldownUntil.After(maxUntil):
			until := maxUntil
			rec.CooldownUntil = &until
			clamped++
		default:
			continue
		}
		rec.UpdatedAt = now
		m.records[k] = rec
	}
	return cleared, clamped, nil
}
