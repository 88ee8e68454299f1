package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/klikdeploy/backend/internal/models"
)

// MemoryDeployments is the in-process deployment store used by tests and
// the memory database driver.
type MemoryDeployments struct {
	mu   sync.RWMutex
	rows map[string]models.DeploymentRequest
}

func NewMemoryDeployments() *MemoryDeployments {
	return &MemoryDeployments{rows: make(map[string]models.DeploymentRequest)}
}

func (m *MemoryDeployments) Create(_ context.Context, d *models.DeploymentRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[d.ID]; ok {
		return ErrDuplicate
	}
	m.rows[d.ID] = *d
	return nil
}

func (m *MemoryDeployments) Get(_ context.Context, id string) (*models.DeploymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryDeployments) Save(_ context.Context, d *models.DeploymentRequest, from string) error {
	if from != d.Status && !models.CanTransition(from, d.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, d.Status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[d.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from {
		return ErrStaleStatus
	}
	m.rows[d.ID] = *d
	return nil
}

func (m *MemoryDeployments) ListByStatus(_ context.Context, status string) ([]*models.DeploymentRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []*models.DeploymentRequest
	for _, d := range m.rows {
		if d.Status == status {
			d := d
			list = append(list, &d)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].RequestedAt.Before(list[j].RequestedAt) })
	return list, nil
}

func (m *MemoryDeployments) CountSubmittedSince(_ context.Context, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int
	for _, d := range m.rows {
		if d.SubmittedAt != nil && !d.SubmittedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryDeployments) CountSubsidizedSince(_ context.Context, requester string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int
	for _, d := range m.rows {
		if confirmedSince(d, requester, since) && models.IsSubsidized(d.Tier) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryDeployments) RecentConfirmed(_ context.Context, requester string, since time.Time, limit int) ([]models.RecentDeployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var list []models.RecentDeployment
	for _, d := range m.rows {
		if confirmedSince(d, requester, since) {
			list = append(list, models.RecentDeployment{Symbol: d.Payload.Symbol, TokenAddress: d.TokenAddress, DeployedAt: *d.CompletedAt})
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].DeployedAt.After(list[j].DeployedAt) })
	if len(list) > limit {
		list = list[:limit]
	}
	return list, nil
}

func confirmedSince(d models.DeploymentRequest, requester string, since time.Time) bool {
	return d.Requester == requester && d.Status == models.StatusConfirmed &&
		d.CompletedAt != nil && !d.CompletedAt.Before(since)
}
