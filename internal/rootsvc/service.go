// Package rootsvc is the privileged half of steward. It trusts nothing it
// receives: every call is re-authorized against the peer's kernel identity
// and every argument is checked against the limits the hardware declares
// before a single byte is written.
package rootsvc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/feature"
	"go.olrik.dev/steward/internal/grant"
	"go.olrik.dev/steward/internal/hardware"
	"go.olrik.dev/steward/internal/operation"
	"go.olrik.dev/steward/internal/resource"
)

// Query names used when authorizing read-only and control calls
const (
	queryGetOperation    = "get_operation"
	queryCancelOperation = "cancel_operation"
	queryListOperations  = "list_operations"
)

// PeerResolver verifies who is calling
type PeerResolver interface {
	Resolve(ctx context.Context, sender dbus.Sender) (grant.Peer, error)
}

// ScriptExecutor runs helper scripts for long actions
type ScriptExecutor interface {
	Run(task *operation.Task, job hardware.ScriptJob) error
}

// Config for a Service. Backends, Resolver and Authorizer are required.
type Config struct {
	Backends      *hardware.Backends
	Features      feature.Set
	Resolver      PeerResolver
	Authorizer    *grant.Authorizer
	Tracker       *operation.Tracker
	Scripts       ScriptExecutor
	BlockDevice   func(path string) (string, error) // validates format targets, returns the canonical node
	RequestKeyTTL time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Service executes privileged actions
type Service struct {
	backends    *hardware.Backends
	features    feature.Set
	resolver    PeerResolver
	authorizer  *grant.Authorizer
	tracker     *operation.Tracker
	scripts     ScriptExecutor
	blockDevice func(string) (string, error)
	locks       *resource.Locks
	requests    *requestCache
	clock       clock.Clock
	logger      *slog.Logger

	startMu sync.Mutex

	// Background operations outlive the call that started them
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the service
func New(cfg Config) (*Service, error) {
	if cfg.Backends == nil || cfg.Resolver == nil || cfg.Authorizer == nil {
		return nil, fault.New(fault.InternalError, "root service needs backends, a peer resolver and an authorizer")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracker == nil {
		cfg.Tracker = operation.New(operation.Config{Clock: cfg.Clock, Logger: cfg.Logger})
	}
	if cfg.Scripts == nil {
		cfg.Scripts = hardware.NewScriptRunner(cfg.Logger)
	}
	if cfg.BlockDevice == nil {
		cfg.BlockDevice = checkBlockDevice
	}
	if cfg.RequestKeyTTL == 0 {
		cfg.RequestKeyTTL = defaultRequestKeyTTL
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		backends:    cfg.Backends,
		features:    cfg.Features,
		resolver:    cfg.Resolver,
		authorizer:  cfg.Authorizer,
		tracker:     cfg.Tracker,
		scripts:     cfg.Scripts,
		blockDevice: cfg.BlockDevice,
		locks:       resource.NewLocks(),
		requests:    newRequestCache(cfg.RequestKeyTTL),
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Tracker returns the authoritative operation tracker
func (s *Service) Tracker() *operation.Tracker {
	return s.tracker
}

// Run does the periodic housekeeping until ctx is done
func (s *Service) Run(ctx context.Context) {
	go s.tracker.Run(ctx)

	ticker := s.clock.Ticker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.authorizer.Cleanup(); n > 0 {
				s.logger.Debug("Expired grants removed", "count", n)
			}
			s.requests.prune(s.clock.Now())
		}
	}
}

// Close stops accepting background work. Running scripts see their context
// cancelled and stop at their next safe point.
func (s *Service) Close() {
	s.cancel()
}

// admit runs the checks every action call goes through, in order: verify
// the peer, authorize it for the action, then look the action up. Arguments
// are not looked at before the caller is known to be allowed.
func (s *Service) admit(ctx context.Context, sender dbus.Sender, action string) (grant.Peer, grant.Grant, contract.Action, error) {
	peer, err := s.resolver.Resolve(ctx, sender)
	if err != nil {
		s.logger.Warn("Rejected unverifiable caller", "sender", sender, "action", action, "error", err)
		return grant.Peer{}, grant.Grant{}, contract.Action{}, err
	}
	g, err := s.authorizer.Authorize(peer, action)
	if err != nil {
		return grant.Peer{}, grant.Grant{}, contract.Action{}, err
	}
	def, ok := contract.LookupAction(action)
	if !ok {
		return grant.Peer{}, grant.Grant{}, contract.Action{}, fault.New(fault.InvalidArgument, "unknown action %q", action)
	}
	if !s.features.Enabled(def.Feature) {
		return grant.Peer{}, grant.Grant{}, contract.Action{}, fault.New(fault.UnsupportedFeature, "%s is not supported on this device", def.Feature)
	}
	return peer, g, def, nil
}

// check verifies the peer for calls that do not touch hardware
func (s *Service) check(ctx context.Context, sender dbus.Sender, query string) error {
	peer, err := s.resolver.Resolve(ctx, sender)
	if err != nil {
		return err
	}
	return s.authorizer.Check(peer, query)
}

// Execute runs a short action synchronously and returns the value read back
// from the hardware afterwards.
func (s *Service) Execute(ctx context.Context, sender dbus.Sender, action string, args map[string]dbus.Variant) (map[string]dbus.Variant, error) {
	peer, g, def, err := s.admit(ctx, sender, action)
	if err != nil {
		return nil, err
	}
	if def.Async {
		return nil, fault.New(fault.InvalidArgument, "%s is long running, use Start", action)
	}
	h, ok := syncHandlers[action]
	if !ok {
		return nil, fault.New(fault.InternalError, "no handler for %s", action)
	}

	decoded, err := def.Decode(args)
	if err != nil {
		return nil, err
	}
	if err := h.validate(s, decoded); err != nil {
		return nil, err
	}

	key := def.ResourceFor(decoded)
	release, err := s.locks.Acquire(ctx, key)
	if err != nil {
		return nil, fault.Wrap(fault.InternalError, err, "call abandoned while waiting for %s", key)
	}
	defer release()

	if err := s.authorizer.Consume(g, action); err != nil {
		return nil, err
	}

	value, err := h.apply(ctx, s, decoded)
	if err != nil {
		s.logger.Error("Action failed", "action", action, "peer", peer.String(), "error", err)
		return nil, hardwareFault(err, "%s failed", action)
	}

	s.logger.Info("Action applied", "action", action, "peer", peer.String(), "args", decoded, "value", value)
	return map[string]dbus.Variant{"value": dbus.MakeVariant(value)}, nil
}

// Start accepts a long action and returns its operation id at once. With a
// request key, repeating the same request returns the same operation, so a
// client may retry Start after losing the reply.
func (s *Service) Start(ctx context.Context, sender dbus.Sender, action string, args map[string]dbus.Variant, requestKey string) (operation.ID, error) {
	peer, g, def, err := s.admit(ctx, sender, action)
	if err != nil {
		return "", err
	}
	if !def.Async {
		return "", fault.New(fault.InvalidArgument, "%s is synchronous, use Execute", action)
	}
	h, ok := asyncHandlers[action]
	if !ok {
		return "", fault.New(fault.InternalError, "no handler for %s", action)
	}

	decoded, err := def.Decode(args)
	if err != nil {
		return "", err
	}
	if err := h.validate(s, decoded); err != nil {
		return "", err
	}
	job, err := h.job(s, decoded)
	if err != nil {
		return "", err
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	var cacheKey, hash string
	if requestKey != "" {
		cacheKey, hash = requestCacheKey(peer, requestKey), requestHash(action, decoded)
		id, found, mismatch := s.requests.get(cacheKey, hash, s.clock.Now())
		if mismatch {
			return "", fault.New(fault.InvalidArgument, "request key %s was used for a different request", requestKey)
		}
		if found {
			s.logger.Info("Repeated start request", "action", action, "operation", id, "peer", peer.String())
			return id, nil
		}
	}

	key := def.ResourceFor(decoded)
	snap, err := s.tracker.Create(action, key, peer.String(), def.Cancellable)
	if err != nil {
		return "", err
	}

	err = s.tracker.Launch(s.ctx, snap.ID, func(task *operation.Task) error {
		if err := s.authorizer.Consume(g, action); err != nil {
			return operation.WithRecovery(operation.RecoveryUntouched, err)
		}
		release, err := s.locks.Acquire(task.Context(), key)
		if err != nil {
			return operation.WithRecovery(operation.RecoveryUntouched, err)
		}
		defer release()
		return s.scripts.Run(task, job)
	})
	if err != nil {
		return "", err
	}

	if requestKey != "" {
		s.requests.set(cacheKey, hash, snap.ID, s.clock.Now())
	}
	s.logger.Info("Operation started", "action", action, "operation", snap.ID, "resource", key, "peer", peer.String())
	return snap.ID, nil
}

// GetOperation returns the details of an operation
func (s *Service) GetOperation(ctx context.Context, sender dbus.Sender, id string) (map[string]dbus.Variant, error) {
	if err := s.check(ctx, sender, queryGetOperation); err != nil {
		return nil, err
	}
	snap, err := s.tracker.Get(operation.ID(id))
	if err != nil {
		return nil, err
	}
	return snap.Details(), nil
}

// CancelOperation requests cancellation of an operation
func (s *Service) CancelOperation(ctx context.Context, sender dbus.Sender, id string) error {
	if err := s.check(ctx, sender, queryCancelOperation); err != nil {
		return err
	}
	_, err := s.tracker.RequestCancel(operation.ID(id))
	return err
}

// ListOperations returns the ids of all retained operations, oldest first
func (s *Service) ListOperations(ctx context.Context, sender dbus.Sender) ([]string, error) {
	if err := s.check(ctx, sender, queryListOperations); err != nil {
		return nil, err
	}
	snaps := s.tracker.List()
	ids := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = string(snap.ID)
	}
	return ids, nil
}

// hardwareFault classifies a backend error. A node that vanished after
// detection is reported as unavailable, not as unsupported.
func hardwareFault(err error, format string, args ...any) error {
	return fault.Wrap(fault.HardwareFault, err, format, args...)
}
