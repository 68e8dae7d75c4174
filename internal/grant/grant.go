package grant

import (
	"log/slog"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"go.olrik.dev/steward/internal/fault"
)

// DefaultTTL bounds how long an unused grant stays valid
const DefaultTTL = 30 * time.Second

// Grant is per-call authorization evidence. It is minted after the peer was
// verified and is consumed exactly once by the executor of that action.
type Grant struct {
	ID      string
	Peer    Peer
	Action  string
	Expires time.Time
}

// Policy lists who may call the Root Service
type Policy struct {
	AllowedUIDs        []uint32 // root is always allowed
	AllowedExecutables []string // empty allows any executable
}

// Config for an Authorizer
type Config struct {
	Policy Policy
	Clock  clock.Clock
	TTL    time.Duration
	Logger *slog.Logger
}

// Authorizer checks peers against the policy and mints grants
type Authorizer struct {
	policy Policy
	ledger *Ledger
	clock  clock.Clock
	ttl    time.Duration
	logger *slog.Logger
}

// NewAuthorizer creates an authorizer with its own replay ledger
func NewAuthorizer(cfg Config) *Authorizer {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	execs := make([]string, 0, len(cfg.Policy.AllowedExecutables))
	for _, e := range cfg.Policy.AllowedExecutables {
		execs = append(execs, filepath.Clean(e))
	}
	cfg.Policy.AllowedExecutables = execs

	return &Authorizer{
		policy: cfg.Policy,
		ledger: NewLedger(),
		clock:  cfg.Clock,
		ttl:    cfg.TTL,
		logger: cfg.Logger,
	}
}

// Check reports whether peer may call the Root Service for action
func (a *Authorizer) Check(peer Peer, action string) error {
	if peer.UID != 0 && !slices.Contains(a.policy.AllowedUIDs, peer.UID) {
		a.logger.Warn("Denied caller by user id", "peer", peer.String(), "action", action)
		return fault.New(fault.PermissionDenied, "user %d may not call %s", peer.UID, action)
	}
	if len(a.policy.AllowedExecutables) > 0 && !slices.Contains(a.policy.AllowedExecutables, filepath.Clean(peer.Executable)) {
		a.logger.Warn("Denied caller by executable", "peer", peer.String(), "action", action)
		return fault.New(fault.PermissionDenied, "%s may not call %s", peer.Executable, action)
	}
	return nil
}

// Authorize checks peer for action and mints a grant if allowed
func (a *Authorizer) Authorize(peer Peer, action string) (Grant, error) {
	if err := a.Check(peer, action); err != nil {
		return Grant{}, err
	}

	g := Grant{
		ID:      uuid.NewString(),
		Peer:    peer,
		Action:  action,
		Expires: a.clock.Now().Add(a.ttl),
	}
	a.ledger.Issue(g.ID, g.Expires)
	a.logger.Debug("Grant issued", "grant", g.ID, "peer", peer.String(), "action", action)
	return g, nil
}

// Consume redeems g for action. It fails for another action, after expiry
// and on every attempt after the first.
func (a *Authorizer) Consume(g Grant, action string) error {
	if g.Action != action {
		return fault.New(fault.PermissionDenied, "grant for %s used for %s", g.Action, action)
	}
	now := a.clock.Now()
	if !now.Before(g.Expires) {
		return fault.New(fault.PermissionDenied, "grant %s expired", g.ID)
	}
	if !a.ledger.Redeem(g.ID, now) {
		return fault.New(fault.PermissionDenied, "grant %s already used or unknown", g.ID)
	}
	return nil
}

// Cleanup drops ledger entries whose grants expired
func (a *Authorizer) Cleanup() int {
	return a.ledger.Cleanup(a.clock.Now())
}

// Ledger remembers issued grants until they are redeemed or expire.
// Redeemed ids stay until their natural expiry so a replay is recognized.
type Ledger struct {
	mu       sync.Mutex
	issued   map[string]time.Time
	redeemed map[string]time.Time
}

// NewLedger creates an empty ledger
func NewLedger() *Ledger {
	return &Ledger{
		issued:   make(map[string]time.Time),
		redeemed: make(map[string]time.Time),
	}
}

// Issue records a new grant id
func (l *Ledger) Issue(id string, expires time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.issued[id] = expires
}

// Redeem marks id as used. It reports false if id was never issued, was
// already redeemed or expired.
func (l *Ledger) Redeem(id string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, used := l.redeemed[id]; used {
		return false
	}
	expires, ok := l.issued[id]
	if !ok || !now.Before(expires) {
		return false
	}
	delete(l.issued, id)
	l.redeemed[id] = expires
	return true
}

// Cleanup removes entries past their expiry
func (l *Ledger) Cleanup(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for _, m := range []map[string]time.Time{l.issued, l.redeemed} {
		for id, expires := range m {
			if !now.Before(expires) {
				delete(m, id)
				removed++
			}
		}
	}
	return removed
}

// Len returns the number of tracked grants
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.issued) + len(l.redeemed)
}
