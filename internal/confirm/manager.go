// Package confirm issues and resolves time-bounded challenges for
// guarded-tier actions. Challenges live only in memory.
package confirm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTTL applies when the manager is built with a non-positive TTL.
const DefaultTTL = 300 * time.Second

// Status is the lifecycle state of a stored challenge.
type Status string

// Challenge states.
const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
)

// Resolution is the result of resolving or consuming a challenge.
type Resolution string

// Resolutions.
const (
	Confirmed Resolution = "confirmed"
	Expired   Resolution = "expired"
	Mismatch  Resolution = "mismatch"
	Rejected  Resolution = "rejected"
)

var (
	affirmWords = map[string]bool{"yes": true, "y": true, "confirm": true, "ja": true}
	denyWords   = map[string]bool{"no": true, "n": true, "cancel": true, "nein": true, "deny": true}
)

// Challenge binds a pending request to a future confirmation.
type Challenge struct {
	ID          string        `json:"id"`
	Action      string        `json:"action"`
	Fingerprint string        `json:"args_fingerprint"`
	IssuedAt    time.Time     `json:"issued_at"`
	TTL         time.Duration `json:"ttl"`
	Status      Status        `json:"status"`
}

// ExpiresAt returns the instant the challenge stops being valid.
func (c Challenge) ExpiresAt() time.Time {
	return c.IssuedAt.Add(c.TTL)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// Manager owns the challenge table. Resolve, Consume and Sweep take the
// same lock, so an entry is never resolved and expired at once.
type Manager struct {
	mu         sync.Mutex
	ttl        time.Duration
	now        func() time.Time
	logger     *zap.Logger
	challenges map[string]*Challenge
	byKey      map[string]string // action+fingerprint -> newest challenge ID
}

// NewManager creates a Manager issuing challenges with the given TTL.
func NewManager(ttl time.Duration, opts ...Option) *Manager {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Manager{
		ttl:        ttl,
		now:        time.Now,
		logger:     zap.NewNop(),
		challenges: make(map[string]*Challenge),
		byKey:      make(map[string]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("mod", "confirm"))
	return m
}

// TTL returns the challenge lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

func key(action, fingerprint string) string {
	return action + "\x00" + fingerprint
}

// Request always issues a fresh challenge. An earlier unconsumed challenge
// for the same action and arguments is dropped, so it cannot be replayed.
func (m *Manager) Request(action, fingerprint string) Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(action, fingerprint)
	if old, ok := m.byKey[k]; ok {
		delete(m.challenges, old)
		m.logger.Debug("challenge superseded", zap.String("challenge_id", old))
	}

	c := &Challenge{
		ID:          uuid.New().String(),
		Action:      action,
		Fingerprint: fingerprint,
		IssuedAt:    m.now(),
		TTL:         m.ttl,
		Status:      StatusPending,
	}
	m.challenges[c.ID] = c
	m.byKey[k] = c.ID
	m.logger.Info("challenge issued",
		zap.String("challenge_id", c.ID),
		zap.String("action", action),
		zap.Duration("ttl", m.ttl))
	return *c
}

// Resolve applies a human response to a pending challenge.
//
// Affirmative responses (yes, y, confirm, ja) confirm it; negative ones
// (no, n, cancel, nein, deny) reject and remove it. Unknown IDs, already
// resolved challenges and unrecognized responses yield Mismatch; an
// unrecognized response leaves the challenge pending.
func (m *Manager) Resolve(id, response string) Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[id]
	if !ok || c.Status != StatusPending {
		return Mismatch
	}
	if m.expiredLocked(c) {
		m.removeLocked(c)
		return Expired
	}

	word := strings.ToLower(strings.TrimSpace(response))
	switch {
	case affirmWords[word]:
		c.Status = StatusConfirmed
		m.logger.Info("challenge confirmed", zap.String("challenge_id", id))
		return Confirmed
	case denyWords[word]:
		m.removeLocked(c)
		m.logger.Info("challenge rejected", zap.String("challenge_id", id))
		return Rejected
	default:
		return Mismatch
	}
}

// Consume redeems a confirmed challenge for exactly the action and
// arguments it was issued for. A successful Consume removes the challenge,
// so every later Resolve or Consume of the same ID is a Mismatch.
func (m *Manager) Consume(id, action, fingerprint string) Resolution {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.challenges[id]
	if !ok {
		return Mismatch
	}
	if m.expiredLocked(c) {
		m.removeLocked(c)
		return Expired
	}
	if c.Action != action || c.Fingerprint != fingerprint || c.Status != StatusConfirmed {
		return Mismatch
	}
	m.removeLocked(c)
	return Confirmed
}

// Lookup returns a copy of a live challenge.
func (m *Manager) Lookup(id string) (Challenge, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.challenges[id]
	if !ok || m.expiredLocked(c) {
		return Challenge{}, false
	}
	return *c, true
}

// Pending returns copies of all live challenges, oldest first.
func (m *Manager) Pending() []Challenge {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Challenge, 0, len(m.challenges))
	for _, c := range m.challenges {
		if !m.expiredLocked(c) {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].IssuedAt.Before(out[j].IssuedAt)
	})
	return out
}

// Sweep removes expired challenges and returns how many were removed.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, c := range m.challenges {
		if m.expiredLocked(c) {
			m.removeLocked(c)
			n++
		}
	}
	if n > 0 {
		m.logger.Debug("expired challenges purged", zap.Int("count", n))
	}
	return n
}

// Run sweeps on every tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Manager) expiredLocked(c *Challenge) bool {
	return !m.now().Before(c.ExpiresAt())
}

func (m *Manager) removeLocked(c *Challenge) {
	delete(m.challenges, c.ID)
	k := key(c.Action, c.Fingerprint)
	if m.byKey[k] == c.ID {
		delete(m.byKey, k)
	}
}

// Fingerprint hashes arguments into a stable identifier. encoding/json
// sorts map keys, so equal argument maps always hash the same.
func Fingerprint(args map[string]any) string {
	if args == nil {
		args = map[string]any{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		// Never matches anything.
		data = []byte(uuid.New().String())
	}
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
