package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"go.olrik.dev/steward/internal/fault"
)

// ID identifies an operation for the lifetime of the daemon that created it
type ID string

// Snapshot is an immutable copy of an operation's state
type Snapshot struct {
	ID          ID
	Kind        string
	Resource    string
	Owner       string
	Cancellable bool
	State       State
	Progress    uint32
	Error       string
	Recovery    Recovery
	Created     time.Time
	Finished    time.Time
}

type entry struct {
	snap      Snapshot
	seq       uint64
	cancelReq atomic.Bool
}

// Config for a Tracker. Zero values get defaults.
type Config struct {
	Clock     clock.Clock
	Retention time.Duration // how long terminal operations remain queryable
	Logger    *slog.Logger
}

// Tracker is a state-machine store for operations
type Tracker struct {
	mu          sync.Mutex
	ops         map[ID]*entry
	next        uint64
	clock       clock.Clock
	retention   time.Duration
	subscribers []func(Snapshot)
	logger      *slog.Logger
}

// New creates an empty tracker
func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Retention == 0 {
		cfg.Retention = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Tracker{
		ops:       make(map[ID]*entry),
		clock:     cfg.Clock,
		retention: cfg.Retention,
		logger:    cfg.Logger,
	}
}

// Subscribe registers fn to receive a snapshot after every change. Callbacks
// run outside the tracker lock, on the goroutine that made the change.
func (t *Tracker) Subscribe(fn func(Snapshot)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subscribers = append(t.subscribers, fn)
}

func (t *Tracker) notify(snap Snapshot, subs []func(Snapshot)) {
	for _, fn := range subs {
		fn(snap)
	}
}

// Create registers a new Pending operation. Only one non-terminal operation
// may target a resource at a time.
func (t *Tracker) Create(kind, resource, owner string, cancellable bool) (Snapshot, error) {
	t.mu.Lock()
	for _, e := range t.ops {
		if e.snap.Resource == resource && !e.snap.State.Terminal() {
			t.mu.Unlock()
			return Snapshot{}, fault.New(fault.OperationConflict, "%s is busy with %s", resource, e.snap.ID)
		}
	}

	t.next++
	e := &entry{
		seq: t.next,
		snap: Snapshot{
			ID:          ID(fmt.Sprintf("op-%d", t.next)),
			Kind:        kind,
			Resource:    resource,
			Owner:       owner,
			Cancellable: cancellable,
			State:       Pending,
			Created:     t.clock.Now(),
		},
	}
	t.ops[e.snap.ID] = e
	snap, subs := e.snap, t.subscribers
	t.mu.Unlock()

	t.logger.Info("Operation created", "id", snap.ID, "kind", kind, "resource", resource)
	t.notify(snap, subs)
	return snap, nil
}

// Get returns the current snapshot of id
func (t *Tracker) Get(id ID) (Snapshot, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.ops[id]
	if !ok {
		return Snapshot{}, fault.New(fault.InvalidArgument, "unknown operation %q", id)
	}
	return e.snap, nil
}

// List returns all known operations, oldest first
func (t *Tracker) List() []Snapshot {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.ops))
	for _, e := range t.ops {
		entries = append(entries, e)
	}
	t.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	out := make([]Snapshot, len(entries))
	for i, e := range entries {
		out[i] = e.snap
	}
	return out
}

// update applies fn to the entry under the lock and notifies subscribers
// when fn reports a change.
func (t *Tracker) update(id ID, fn func(e *entry) (bool, error)) error {
	t.mu.Lock()
	e, ok := t.ops[id]
	if !ok {
		t.mu.Unlock()
		return fault.New(fault.InvalidArgument, "unknown operation %q", id)
	}
	changed, err := fn(e)
	if err != nil || !changed {
		t.mu.Unlock()
		return err
	}
	snap, subs := e.snap, t.subscribers
	t.mu.Unlock()

	t.notify(snap, subs)
	return nil
}

// transition moves e to state to, enforcing the transition table
func (t *Tracker) transition(e *entry, to State) error {
	from := e.snap.State
	if from.Terminal() {
		return fault.New(fault.OperationAlreadyTerminal, "operation %s already %s", e.snap.ID, from)
	}
	if !CanTransition(from, to) {
		return fault.New(fault.InternalError, "operation %s cannot go from %s to %s", e.snap.ID, from, to)
	}
	e.snap.State = to
	if to.Terminal() {
		e.snap.Finished = t.clock.Now()
	}
	return nil
}

// Transition attempts a raw state change. Executors should prefer the
// dedicated helpers, this exists so every path goes through one guard.
func (t *Tracker) Transition(id ID, to State) error {
	return t.update(id, func(e *entry) (bool, error) {
		if err := t.transition(e, to); err != nil {
			return false, err
		}
		return true, nil
	})
}

// Start moves a Pending operation to Running
func (t *Tracker) Start(id ID) error {
	return t.Transition(id, Running)
}

// SetProgress records progress. Lower values than already reported are
// ignored and values above 100 are clamped.
func (t *Tracker) SetProgress(id ID, p uint32) error {
	if p > 100 {
		p = 100
	}
	return t.update(id, func(e *entry) (bool, error) {
		if e.snap.State.Terminal() {
			return false, fault.New(fault.OperationAlreadyTerminal, "operation %s already %s", id, e.snap.State)
		}
		if p <= e.snap.Progress {
			return false, nil
		}
		e.snap.Progress = p
		return true, nil
	})
}

// Succeed completes a Running operation
func (t *Tracker) Succeed(id ID) error {
	err := t.update(id, func(e *entry) (bool, error) {
		if err := t.transition(e, Succeeded); err != nil {
			return false, err
		}
		e.snap.Progress = 100
		return true, nil
	})
	if err == nil {
		t.logger.Info("Operation succeeded", "id", id)
	}
	return err
}

// Fail records a failure and the recovery state the target was left in
func (t *Tracker) Fail(id ID, cause error, recovery Recovery) error {
	if !recovery.Valid() || recovery == RecoveryNone {
		recovery = RecoveryNeedsRetry
	}
	err := t.update(id, func(e *entry) (bool, error) {
		if err := t.transition(e, Failed); err != nil {
			return false, err
		}
		e.snap.Error = fault.MessageOf(cause)
		e.snap.Recovery = recovery
		return true, nil
	})
	if err == nil {
		t.logger.Warn("Operation failed", "id", id, "error", cause, "recovery", recovery)
	}
	return err
}

// RequestCancel asks for cancellation. A Pending operation is cancelled at
// once, a Running one gets its flag raised and the executor confirms at its
// next safe point.
func (t *Tracker) RequestCancel(id ID) (Snapshot, error) {
	var snap Snapshot
	err := t.update(id, func(e *entry) (bool, error) {
		if e.snap.State.Terminal() {
			return false, fault.New(fault.OperationAlreadyTerminal, "operation %s already %s", id, e.snap.State)
		}
		if !e.snap.Cancellable {
			return false, fault.New(fault.InvalidArgument, "%s operations cannot be cancelled", e.snap.Kind)
		}
		e.cancelReq.Store(true)
		if e.snap.State == Pending {
			if err := t.transition(e, Cancelled); err != nil {
				return false, err
			}
			e.snap.Recovery = RecoveryUntouched
			snap = e.snap
			return true, nil
		}
		snap = e.snap
		return false, nil
	})
	if err == nil {
		t.logger.Info("Operation cancellation requested", "id", id, "state", snap.State)
	}
	return snap, err
}

// confirmCancel is called by the executor once it stopped at a safe point
func (t *Tracker) confirmCancel(id ID, recovery Recovery) error {
	if !recovery.Valid() || recovery == RecoveryNone {
		recovery = RecoveryNeedsRetry
	}
	return t.update(id, func(e *entry) (bool, error) {
		if !e.cancelReq.Load() {
			return false, fault.New(fault.InternalError, "operation %s was not asked to cancel", id)
		}
		if err := t.transition(e, Cancelled); err != nil {
			return false, err
		}
		e.snap.Recovery = recovery
		return true, nil
	})
}

// Observe merges a snapshot reported by the authoritative tracker into this
// mirror. States only move forward and progress never decreases, so late or
// duplicated signals cannot regress the mirror.
func (t *Tracker) Observe(s Snapshot) error {
	if !s.State.Valid() {
		return fault.New(fault.InvalidArgument, "unknown state %d", s.State)
	}

	t.mu.Lock()
	e, ok := t.ops[s.ID]
	if !ok {
		t.next++
		if s.Created.IsZero() {
			s.Created = t.clock.Now()
		}
		if s.State.Terminal() && s.Finished.IsZero() {
			s.Finished = t.clock.Now()
		}
		e = &entry{seq: t.next, snap: s}
		t.ops[s.ID] = e
		snap, subs := e.snap, t.subscribers
		t.mu.Unlock()
		t.notify(snap, subs)
		return nil
	}

	// A signal can arrive before the Start reply that carries the identity
	changed := fillIdentity(&e.snap, s)
	cur := e.snap.State
	if s.State != cur && !cur.Terminal() && rank(s.State) > rank(cur) {
		e.snap.State = s.State
		if s.State.Terminal() {
			e.snap.Finished = t.clock.Now()
			e.snap.Error = s.Error
			e.snap.Recovery = s.Recovery
		}
		changed = true
	}
	if !cur.Terminal() && s.Progress > e.snap.Progress && s.Progress <= 100 {
		e.snap.Progress = s.Progress
		changed = true
	}
	if !changed {
		t.mu.Unlock()
		return nil
	}
	snap, subs := e.snap, t.subscribers
	t.mu.Unlock()

	t.notify(snap, subs)
	return nil
}

// fillIdentity copies the fields that never change after creation into dst
// where dst does not know them yet
func fillIdentity(dst *Snapshot, src Snapshot) bool {
	changed := false
	if dst.Kind == "" && src.Kind != "" {
		dst.Kind = src.Kind
		changed = true
	}
	if dst.Resource == "" && src.Resource != "" {
		dst.Resource = src.Resource
		changed = true
	}
	if dst.Owner == "" && src.Owner != "" {
		dst.Owner = src.Owner
		changed = true
	}
	if !dst.Cancellable && src.Cancellable {
		dst.Cancellable = true
		changed = true
	}
	if !src.Created.IsZero() && (dst.Created.IsZero() || src.Created.Before(dst.Created)) {
		dst.Created = src.Created
		changed = true
	}
	return changed
}

// Prune drops terminal operations older than the retention window
func (t *Tracker) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := t.clock.Now().Add(-t.retention)
	pruned := 0
	for id, e := range t.ops {
		if e.snap.State.Terminal() && !e.snap.Finished.After(cutoff) {
			delete(t.ops, id)
			pruned++
		}
	}
	if pruned > 0 {
		t.logger.Debug("Pruned terminal operations", "count", pruned)
	}
	return pruned
}

// Run prunes periodically until ctx is done
func (t *Tracker) Run(ctx context.Context) {
	interval := t.retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := t.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.Prune()
		}
	}
}

// Launch starts fn in the background as the executor of operation id. The
// task is decoupled from the originating call: ctx should be the daemon's
// lifetime context, not the request's.
func (t *Tracker) Launch(ctx context.Context, id ID, fn func(*Task) error) error {
	t.mu.Lock()
	e, ok := t.ops[id]
	t.mu.Unlock()
	if !ok {
		return fault.New(fault.InvalidArgument, "unknown operation %q", id)
	}

	go func() {
		if err := t.Start(id); err != nil {
			// Cancelled while still pending
			t.logger.Debug("Operation not started", "id", id, "error", err)
			return
		}

		task := &Task{tracker: t, id: id, ctx: ctx, flag: &e.cancelReq}
		err := runExecutor(fn, task)

		switch {
		case err == nil:
			// A cancel request that arrives after the last safe point loses,
			// the work is already done.
			if serr := t.Succeed(id); serr != nil {
				t.logger.Error("Failed to record success", "id", id, "error", serr)
			}
		case errors.Is(err, ErrCancelled):
			if cerr := t.confirmCancel(id, RecoveryOf(err)); cerr != nil {
				t.logger.Error("Failed to record cancellation", "id", id, "error", cerr)
			}
		default:
			if ferr := t.Fail(id, err, RecoveryOf(err)); ferr != nil {
				t.logger.Error("Failed to record failure", "id", id, "error", ferr)
			}
		}
	}()
	return nil
}

// runExecutor turns an executor panic into a failure so a buggy backend can
// not leave an operation Running forever.
func runExecutor(fn func(*Task) error, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.InternalError, "executor panic: %v", r)
		}
	}()
	return fn(task)
}

// Task is the executor's handle on its operation
type Task struct {
	tracker *Tracker
	id      ID
	ctx     context.Context
	flag    *atomic.Bool
}

// NewTask builds a standalone task, for executors driven outside a tracker
// such as in tests.
func NewTask(ctx context.Context, cancel *atomic.Bool) *Task {
	if cancel == nil {
		cancel = new(atomic.Bool)
	}
	return &Task{ctx: ctx, flag: cancel}
}

// ID of the operation
func (k *Task) ID() ID { return k.id }

// Context is cancelled when the daemon shuts down
func (k *Task) Context() context.Context { return k.ctx }

// Progress reports progress in percent
func (k *Task) Progress(p uint32) {
	if k.tracker == nil {
		return
	}
	if err := k.tracker.SetProgress(k.id, p); err != nil {
		k.tracker.logger.Debug("Progress update rejected", "id", k.id, "error", err)
	}
}

// Cancelled is the safe-point check. Executors call it between steps and
// return ErrCancelled (with a recovery state) when it reports true.
func (k *Task) Cancelled() bool {
	return k.flag.Load()
}
