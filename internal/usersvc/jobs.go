package usersvc

import (
	"context"
	"time"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/bridge"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/operation"
)

// jobPollInterval is how often unfinished operations are fetched from the
// Root Service in case an OperationChanged signal was missed
const jobPollInterval = 2 * time.Second

// errRootUnavailable is returned by job calls when no Root Service client
// was configured
var errRootUnavailable = fault.New(fault.TransportFailure, "root service is not reachable")

// GetOperation returns the mirrored operation, asking the Root Service for
// operations this daemon has not seen yet.
func (s *Service) GetOperation(ctx context.Context, id operation.ID) (operation.Snapshot, error) {
	if snap, err := s.jobs.Get(id); err == nil {
		return snap, nil
	}
	if s.root == nil {
		return operation.Snapshot{}, fault.New(fault.InvalidArgument, "unknown operation %s", id)
	}
	snap, err := s.root.GetOperation(ctx, id)
	if err != nil {
		return operation.Snapshot{}, err
	}
	if err := s.jobs.Observe(snap); err != nil {
		return operation.Snapshot{}, err
	}
	return s.jobs.Get(id)
}

// CancelOperation forwards a cancellation request. The Root Service decides,
// the mirror follows through the usual signal.
func (s *Service) CancelOperation(ctx context.Context, sender dbus.Sender, id operation.ID) error {
	if err := s.admit(sender); err != nil {
		return err
	}
	if s.root == nil {
		return errRootUnavailable
	}
	if err := s.root.CancelOperation(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Cancellation requested", "operation", id, "sender", sender)
	s.refreshJob(ctx, id)
	return nil
}

// ListOperations returns the mirrored operation ids, oldest first
func (s *Service) ListOperations() []string {
	snaps := s.jobs.List()
	ids := make([]string, len(snaps))
	for i, snap := range snaps {
		ids[i] = string(snap.ID)
	}
	return ids
}

// HandleOperationSignal merges a Root OperationChanged signal into the
// mirror. The signal carries no error or recovery, those are fetched when
// the operation ends.
func (s *Service) HandleOperationSignal(sig *dbus.Signal) {
	id, state, progress, ok := bridge.ParseOperationChanged(sig)
	if !ok {
		return
	}
	if state.Terminal() && s.root != nil {
		if s.refreshJob(s.ctx, id) {
			return
		}
	}

	snap, err := s.jobs.Get(id)
	if err != nil {
		snap = operation.Snapshot{ID: id}
	}
	snap.State, snap.Progress = state, progress
	if err := s.jobs.Observe(snap); err != nil {
		s.logger.Warn("Ignoring malformed OperationChanged", "operation", id, "error", err)
	}
}

// refreshJob fetches the authoritative snapshot of id into the mirror
func (s *Service) refreshJob(ctx context.Context, id operation.ID) bool {
	snap, err := s.root.GetOperation(ctx, id)
	if err != nil {
		s.logger.Debug("Failed to fetch operation", "operation", id, "error", err)
		return false
	}
	return s.jobs.Observe(snap) == nil
}

func (s *Service) watchJobs(ctx context.Context) {
	if s.root == nil {
		<-ctx.Done()
		return
	}
	ticker := s.clock.Ticker(jobPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.syncJobs(ctx)
		}
	}
}

// syncJobs refreshes every unfinished operation. One the Root Service no
// longer knows, after a restart for example, is failed so clients do not
// wait forever.
func (s *Service) syncJobs(ctx context.Context) int {
	refreshed := 0
	for _, snap := range s.jobs.List() {
		if snap.State.Terminal() {
			continue
		}
		fresh, err := s.root.GetOperation(ctx, snap.ID)
		if err != nil {
			if fault.CodeOf(err) != fault.InvalidArgument {
				continue
			}
			s.logger.Warn("Root service lost operation", "operation", snap.ID)
			fresh = operation.Snapshot{
				ID:       snap.ID,
				State:    operation.Failed,
				Progress: snap.Progress,
				Error:    "operation was lost by the root service",
				Recovery: operation.RecoveryNeedsRetry,
			}
		}
		if s.jobs.Observe(fresh) == nil {
			refreshed++
		}
	}
	return refreshed
}
