// Package feature detects which capabilities the machine has. Detection runs
// once per process start and the result never changes afterwards, so the
// published contract stays stable for the daemon's lifetime.
package feature

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"go.olrik.dev/steward/internal/contract"
)

// Privilege is what a feature needs to change state
type Privilege int

const (
	// PrivilegeUser features are served entirely by the User Service
	PrivilegeUser Privilege = iota
	// PrivilegeRoot features forward writes to the Root Service
	PrivilegeRoot
)

func (p Privilege) String() string {
	if p == PrivilegeRoot {
		return "root"
	}
	return "user"
}

// DetectFunc reports whether a feature is present. An error counts as absent.
type DetectFunc func(ctx context.Context) (bool, error)

// Feature is a set of contract interfaces gated by one detection predicate
type Feature struct {
	ID        string
	Privilege Privilege
	Detect    DetectFunc
}

// Interfaces returns the contract interfaces the feature gates
func (f Feature) Interfaces() []contract.Interface {
	return contract.InterfacesOf(f.ID)
}

// Registry holds the known features in registration order
type Registry struct {
	features []Feature
	logger   *slog.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{logger: logger}
}

// Register adds a feature. The id must be one the contract catalog knows and
// may only be registered once.
func (r *Registry) Register(f Feature) error {
	if len(contract.InterfacesOf(f.ID)) == 0 {
		return fmt.Errorf("feature %q gates no contract interface", f.ID)
	}
	if f.Detect == nil {
		return fmt.Errorf("feature %q has no detector", f.ID)
	}
	for _, existing := range r.features {
		if existing.ID == f.ID {
			return fmt.Errorf("feature %q registered twice", f.ID)
		}
	}
	r.features = append(r.features, f)
	return nil
}

// Features returns the registered features
func (r *Registry) Features() []Feature {
	return append([]Feature(nil), r.features...)
}

// Detect runs every detector once and freezes the result
func (r *Registry) Detect(ctx context.Context) Set {
	set := Set{
		enabled:    make(map[string]bool, len(r.features)),
		privileges: make(map[string]Privilege, len(r.features)),
	}

	for _, f := range r.features {
		start := time.Now()
		ok, err := r.detectOne(ctx, f)
		if err != nil {
			r.logger.Warn("Feature detection failed, treating as absent", "feature", f.ID, "error", err)
			continue
		}
		r.logger.Debug("Feature detected", "feature", f.ID, "present", ok, "took", time.Since(start))
		if ok {
			set.enabled[f.ID] = true
			set.privileges[f.ID] = f.Privilege
		}
	}

	r.logger.Info("Feature detection complete", "enabled", set.IDs())
	return set
}

func (r *Registry) detectOne(ctx context.Context, f Feature) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok, err = false, fmt.Errorf("detector panic: %v", p)
		}
	}()
	return f.Detect(ctx)
}

// Set is the immutable outcome of one detection run
type Set struct {
	enabled    map[string]bool
	privileges map[string]Privilege
}

// NewSet builds a set with the given features enabled at user privilege,
// for callers that already know the answer.
func NewSet(ids ...string) Set {
	s := Set{enabled: make(map[string]bool), privileges: make(map[string]Privilege)}
	for _, id := range ids {
		s.enabled[id] = true
		s.privileges[id] = PrivilegeUser
	}
	return s
}

// Enabled reports whether a feature was detected
func (s Set) Enabled(id string) bool {
	return s.enabled[id]
}

// Privilege of an enabled feature
func (s Set) Privilege(id string) Privilege {
	return s.privileges[id]
}

// IDs returns the enabled feature ids, sorted
func (s Set) IDs() []string {
	ids := make([]string, 0, len(s.enabled))
	for id := range s.enabled {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Interfaces returns every contract interface the set publishes, in catalog
// order.
func (s Set) Interfaces() []contract.Interface {
	var out []contract.Interface
	for _, iface := range contract.Catalog() {
		if s.enabled[iface.Feature] {
			out = append(out, iface)
		}
	}
	return out
}

// Publishes reports whether the named interface is part of the set
func (s Set) Publishes(iface string) bool {
	i, ok := contract.Lookup(iface)
	return ok && s.enabled[i.Feature]
}

// Without returns a copy of s with the given features disabled
func (s Set) Without(ids ...string) Set {
	out := Set{enabled: make(map[string]bool, len(s.enabled)), privileges: make(map[string]Privilege, len(s.privileges))}
	for id := range s.enabled {
		out.enabled[id] = true
		out.privileges[id] = s.privileges[id]
	}
	for _, id := range ids {
		delete(out.enabled, id)
		delete(out.privileges, id)
	}
	return out
}
