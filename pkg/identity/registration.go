package identity

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/shinkailabs/shinkai-node/pkg/shinkerr"
)

// RegistrationCode is a single-use, role-scoped code gating device/profile
// provisioning, directly modeled on the node's join-token mechanism.
type RegistrationCode struct {
	Code      string
	Role      string // e.g. "profile", "device"
	CreatedAt time.Time
	ExpiresAt time.Time
	Used      bool
}

// RegistrationManager issues and validates registration codes. Whether
// the very first device of a fresh node requires one is governed by
// config's FIRST_DEVICE_NEEDS_REGISTRATION_CODE.
type RegistrationManager struct {
	mu    sync.RWMutex
	codes map[string]*RegistrationCode
}

// NewRegistrationManager builds an empty manager.
func NewRegistrationManager() *RegistrationManager {
	return &RegistrationManager{codes: make(map[string]*RegistrationCode)}
}

// GenerateCode mints a new single-use code valid for ttl, scoped to role.
func (m *RegistrationManager) GenerateCode(role string, ttl time.Duration) (*RegistrationCode, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("generate registration code: %w", err)
	}

	code := &RegistrationCode{
		Code:      hex.EncodeToString(buf),
		Role:      role,
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.codes[code.Code] = code
	return code, nil
}

// UseCode validates and consumes a code. A code can be used exactly once;
// a second use, an unknown code, or an expired code is an Authorization
// category error.
func (m *RegistrationManager) UseCode(code string) (*RegistrationCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rc, ok := m.codes[code]
	if !ok {
		return nil, shinkerr.New(shinkerr.CategoryAuthorization, shinkerr.CodeInvalidReaderPerm, "unknown registration code")
	}
	if rc.Used {
		return nil, shinkerr.New(shinkerr.CategoryAuthorization, shinkerr.CodeInvalidReaderPerm, "registration code already used")
	}
	if time.Now().After(rc.ExpiresAt) {
		return nil, shinkerr.New(shinkerr.CategoryAuthorization, shinkerr.CodeInvalidReaderPerm, "registration code expired")
	}

	rc.Used = true
	return rc, nil
}

// CleanupExpired drops expired, unused codes from memory.
func (m *RegistrationManager) CleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for k, rc := range m.codes {
		if !rc.Used && now.After(rc.ExpiresAt) {
			delete(m.codes, k)
		}
	}
}

// ListCodes returns a snapshot of all known codes, used and unused.
func (m *RegistrationManager) ListCodes() []*RegistrationCode {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RegistrationCode, 0, len(m.codes))
	for _, rc := range m.codes {
		out = append(out, rc)
	}
	return out
}
