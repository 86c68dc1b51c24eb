// Package auth manages agent and seller identities and resolves the opaque
// credentials they present on every request.
//
// Credentials are random keys shown once at registration. Only their
// SHA-256 hash is stored; lookup is always by hash, never by a value derived
// from the caller's claimed identity.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/agentgate/internal/apperr"
	"github.com/mbd888/agentgate/internal/idgen"
)

var (
	ErrNoCredential      = errors.New("credential required")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrPendingApproval   = errors.New("identity is pending approval")
	ErrRevoked           = errors.New("identity has been revoked")
	ErrNotFound          = errors.New("identity not found")
	ErrInvalidStatus     = apperr.New(apperr.InvalidTransition, "invalid status transition")
	ErrDuplicate         = errors.New("identity already exists")
)

// Role distinguishes buyer agents from sellers.
type Role string

const (
	RoleAgent  Role = "agent"
	RoleSeller Role = "seller"
)

// Status is the identity lifecycle status.
type Status string

const (
	StatusPendingApproval Status = "PENDING_APPROVAL"
	StatusActive          Status = "ACTIVE"
	StatusRevoked         Status = "REVOKED"
)

// Identity is an agent or seller known to the platform.
type Identity struct {
	ID         string    `json:"id"`
	Role       Role      `json:"role"`
	Name       string    `json:"name"`
	KeyHash    string    `json:"-"`
	KeyPrefix  string    `json:"keyPrefix"`
	Status     Status    `json:"status"`
	PolicyRef  string    `json:"policyRef,omitempty"`
	TrustScore float64   `json:"trustScore,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Store persists identities.
type Store interface {
	Create(ctx context.Context, id *Identity) error
	Get(ctx context.Context, id string) (*Identity, error)
	GetByKeyHash(ctx context.Context, hash string) (*Identity, error)
	UpdateStatus(ctx context.Context, id string, status Status) (*Identity, error)
	List(ctx context.Context, role Role, status Status, limit int) ([]*Identity, error)
}

// Registration describes a new identity.
type Registration struct {
	Role       Role
	Name       string
	PolicyRef  string
	TrustScore float64
}

// Manager issues credentials and authenticates callers.
type Manager struct {
	store             Store
	autoApproveAgents bool
}

// NewManager creates a new auth manager.
func NewManager(store Store) *Manager {
	return &Manager{store: store}
}

// WithAutoApproveAgents activates new agents immediately instead of leaving
// them in PENDING_APPROVAL.
func (m *Manager) WithAutoApproveAgents(on bool) *Manager {
	m.autoApproveAgents = on
	return m
}

// Register creates an identity and returns its raw key (shown once).
func (m *Manager) Register(ctx context.Context, reg Registration) (string, *Identity, error) {
	prefix, idPrefix, err := prefixesFor(reg.Role)
	if err != nil {
		return "", nil, err
	}

	raw, err := newKey(prefix)
	if err != nil {
		return "", nil, err
	}

	status := StatusPendingApproval
	if reg.Role == RoleAgent && m.autoApproveAgents {
		status = StatusActive
	}

	now := time.Now().UTC()
	ident := &Identity{
		ID:         idgen.WithPrefix(idPrefix),
		Role:       reg.Role,
		Name:       strings.TrimSpace(reg.Name),
		KeyHash:    HashKey(raw),
		KeyPrefix:  raw[:len(prefix)+6],
		Status:     status,
		PolicyRef:  reg.PolicyRef,
		TrustScore: reg.TrustScore,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.Create(ctx, ident); err != nil {
		return "", nil, fmt.Errorf("create identity: %w", err)
	}
	return raw, ident, nil
}

// Import stores an identity with a caller-chosen id and key (seed fixtures).
func (m *Manager) Import(ctx context.Context, ident *Identity, rawKey string) error {
	if ident.ID == "" || rawKey == "" {
		return fmt.Errorf("import identity: id and key are required")
	}
	if _, _, err := prefixesFor(ident.Role); err != nil {
		return err
	}
	if ident.Status == "" {
		ident.Status = StatusActive
	}
	now := time.Now().UTC()
	ident.KeyHash = HashKey(rawKey)
	ident.KeyPrefix = rawKey[:min(len(rawKey), 9)]
	ident.CreatedAt, ident.UpdatedAt = now, now
	return m.store.Create(ctx, ident)
}

// Authenticate resolves a raw credential to an active identity.
func (m *Manager) Authenticate(ctx context.Context, rawKey string) (*Identity, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, ErrNoCredential
	}

	ident, err := m.store.GetByKeyHash(ctx, HashKey(rawKey))
	if errors.Is(err, ErrNotFound) {
		return nil, ErrInvalidCredential
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}

	switch ident.Status {
	case StatusActive:
		return ident, nil
	case StatusPendingApproval:
		return nil, ErrPendingApproval
	default:
		return nil, ErrRevoked
	}
}

// Get returns an identity by id.
func (m *Manager) Get(ctx context.Context, id string) (*Identity, error) {
	return m.store.Get(ctx, id)
}

// List returns identities filtered by role and (optionally) status.
func (m *Manager) List(ctx context.Context, role Role, status Status, limit int) ([]*Identity, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.store.List(ctx, role, status, limit)
}

// SetStatus applies an administrative status change. REVOKED is final.
func (m *Manager) SetStatus(ctx context.Context, id string, status Status) (*Identity, error) {
	current, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !validStatusChange(current.Status, status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStatus, current.Status, status)
	}
	if current.Status == status {
		return current, nil
	}
	return m.store.UpdateStatus(ctx, id, status)
}

// Revoke is the self-service revocation of the caller's own credential.
func (m *Manager) Revoke(ctx context.Context, id string) (*Identity, error) {
	return m.SetStatus(ctx, id, StatusRevoked)
}

func validStatusChange(from, to Status) bool {
	switch to {
	case StatusActive, StatusPendingApproval, StatusRevoked:
	default:
		return false
	}
	if from == StatusRevoked {
		return to == StatusRevoked
	}
	return true
}

// HashKey returns the hex SHA-256 of a raw key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

func prefixesFor(role Role) (keyPrefix, idPrefix string, err error) {
	switch role {
	case RoleAgent:
		return "ak_", "agt_", nil
	case RoleSeller:
		return "sk_", "sel_", nil
	default:
		return "", "", fmt.Errorf("unknown role %q", role)
	}
}

func newKey(prefix string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
