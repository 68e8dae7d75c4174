package operation

import (
	"time"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/fault"
)

// Details encodes a snapshot as the a{sv} dictionary returned by
// GetOperation on the Root Service and GetOperationDetails on the User
// Service. Times are unix milliseconds, 0 when unset.
func (s Snapshot) Details() map[string]dbus.Variant {
	return map[string]dbus.Variant{
		"id":          dbus.MakeVariant(string(s.ID)),
		"kind":        dbus.MakeVariant(s.Kind),
		"resource":    dbus.MakeVariant(s.Resource),
		"cancellable": dbus.MakeVariant(s.Cancellable),
		"state":       dbus.MakeVariant(uint32(s.State)),
		"progress":    dbus.MakeVariant(s.Progress),
		"error":       dbus.MakeVariant(s.Error),
		"recovery":    dbus.MakeVariant(string(s.Recovery)),
		"created":     dbus.MakeVariant(unixMilli(s.Created)),
		"finished":    dbus.MakeVariant(unixMilli(s.Finished)),
	}
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// SnapshotFromDetails decodes a Details dictionary. Unknown keys are
// ignored so newer peers may add fields.
func SnapshotFromDetails(d map[string]dbus.Variant) (Snapshot, error) {
	var s Snapshot
	var id, recovery string
	var state uint32
	var created, finished int64

	fields := []struct {
		key      string
		dst      any
		required bool
	}{
		{"id", &id, true},
		{"state", &state, true},
		{"kind", &s.Kind, false},
		{"resource", &s.Resource, false},
		{"cancellable", &s.Cancellable, false},
		{"progress", &s.Progress, false},
		{"error", &s.Error, false},
		{"recovery", &recovery, false},
		{"created", &created, false},
		{"finished", &finished, false},
	}
	for _, f := range fields {
		v, ok := d[f.key]
		if !ok {
			if f.required {
				return Snapshot{}, fault.New(fault.InternalError, "operation details lack %q", f.key)
			}
			continue
		}
		if err := v.Store(f.dst); err != nil {
			return Snapshot{}, &fault.Error{Code: fault.InternalError, Message: "malformed operation details field " + f.key, Err: err}
		}
	}

	s.ID = ID(id)
	s.State = State(state)
	if !s.State.Valid() {
		return Snapshot{}, fault.New(fault.InternalError, "operation %s has unknown state %d", id, state)
	}
	s.Recovery = Recovery(recovery)
	if !s.Recovery.Valid() {
		return Snapshot{}, fault.New(fault.InternalError, "operation %s has unknown recovery %q", id, recovery)
	}
	if created != 0 {
		s.Created = time.UnixMilli(created)
	}
	if finished != 0 {
		s.Finished = time.UnixMilli(finished)
	}
	return s, nil
}
