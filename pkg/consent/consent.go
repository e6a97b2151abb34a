// Package consent provides an in-memory consent registry. It suits
// single-process deployments and tests; production systems typically
// implement driver.ConsentManager against their identity store.
package consent

import (
	"context"
	"sort"
	"sync"
	"time"

	"goflare.io/aegis/pkg/driver"
)

// Manager is a threadsafe in-memory driver.ConsentManager. Revoked
// purposes are kept with Granted=false so status queries can show when
// consent was withdrawn.
type Manager struct {
	mu    sync.RWMutex
	users map[string]map[string]driver.ConsentStatus
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{users: make(map[string]map[string]driver.ConsentStatus)}
}

// CheckConsent reports whether the user currently grants the purpose.
// Unknown users and purposes are not granted.
func (m *Manager) CheckConsent(ctx context.Context, userID, purpose string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.users[userID][purpose]
	return ok && status.Granted, nil
}

// GrantConsent records the purposes as granted.
func (m *Manager) GrantConsent(ctx context.Context, userID string, purposes []string) error {
	return m.set(userID, purposes, true)
}

// RevokeConsent records the purposes as withdrawn.
func (m *Manager) RevokeConsent(ctx context.Context, userID string, purposes []string) error {
	return m.set(userID, purposes, false)
}

func (m *Manager) set(userID string, purposes []string, granted bool) error {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	byPurpose, ok := m.users[userID]
	if !ok {
		byPurpose = make(map[string]driver.ConsentStatus)
		m.users[userID] = byPurpose
	}
	for _, purpose := range purposes {
		byPurpose[purpose] = driver.ConsentStatus{
			PurposeID: purpose,
			Granted:   granted,
			UpdatedAt: now,
		}
	}
	return nil
}

// GetConsentStatus lists the user's recorded decisions, sorted by
// purpose. A non-empty purposeID narrows the result to that purpose.
func (m *Manager) GetConsentStatus(ctx context.Context, userID, purposeID string) ([]driver.ConsentStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byPurpose := m.users[userID]
	if purposeID != "" {
		if status, ok := byPurpose[purposeID]; ok {
			return []driver.ConsentStatus{status}, nil
		}
		return []driver.ConsentStatus{}, nil
	}

	out := make([]driver.ConsentStatus, 0, len(byPurpose))
	for _, status := range byPurpose {
		out = append(out, status)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PurposeID < out[j].PurposeID })
	return out, nil
}
