// Package notify keeps the last published value of every property and
// raises exactly one change notification per distinct new value, whether
// the change came from our own write path or from outside.
package notify

import (
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Origin of a change
type Origin string

const (
	OriginSelf     Origin = "self"     // written through the User Service
	OriginExternal Origin = "external" // observed by polling or a signal
)

// Emitter delivers a change notification to clients
type Emitter interface {
	EmitChanged(iface, name string, value any) error
}

// EmitterFunc adapts a function to Emitter
type EmitterFunc func(iface, name string, value any) error

func (f EmitterFunc) EmitChanged(iface, name string, value any) error {
	return f(iface, name, value)
}

// PropertyState is the cached view of one property
type PropertyState struct {
	Value    any
	Revision uint64 // bumped on every distinct value
	Dirty    bool   // cached value may be stale
	Origin   Origin // origin of the last change
	Updated  time.Time
}

// HubConfig configures a Hub
type HubConfig struct {
	Emitter Emitter
	Clock   clock.Clock
	Logger  *slog.Logger
}

// Hub owns the property states of one service
type Hub struct {
	mu      sync.Mutex
	states  map[string]*PropertyState
	emitter Emitter
	clock   clock.Clock
	logger  *slog.Logger
}

// NewHub creates a hub. Without an emitter changes are only cached.
func NewHub(cfg HubConfig) *Hub {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Hub{
		states:  make(map[string]*PropertyState),
		emitter: cfg.Emitter,
		clock:   cfg.Clock,
		logger:  cfg.Logger,
	}
}

func key(iface, name string) string {
	return iface + "." + name
}

// Seed records the initial value without notifying anyone
func (h *Hub) Seed(iface, name string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.states[key(iface, name)]; ok {
		return
	}
	h.states[key(iface, name)] = &PropertyState{Value: value, Origin: OriginExternal, Updated: h.clock.Now()}
}

// Publish records value and notifies clients if it differs from the cached
// one. Notifications for the hub are emitted in the order values are
// published.
func (h *Hub) Publish(iface, name string, value any, origin Origin) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	k := key(iface, name)
	st, ok := h.states[k]
	if ok && reflect.DeepEqual(st.Value, value) {
		st.Dirty = false
		return false
	}
	if !ok {
		st = &PropertyState{}
		h.states[k] = st
	}
	st.Value = value
	st.Revision++
	st.Dirty = false
	st.Origin = origin
	st.Updated = h.clock.Now()

	if origin == OriginExternal {
		h.logger.Info("External property change", "property", k, "value", value, "revision", st.Revision)
	} else {
		h.logger.Debug("Property changed", "property", k, "value", value, "revision", st.Revision)
	}

	if h.emitter != nil {
		if err := h.emitter.EmitChanged(iface, name, value); err != nil {
			h.logger.Warn("Failed to emit property change", "property", k, "error", err)
		}
	}
	return true
}

// MarkDirty flags the cached value as possibly stale
func (h *Hub) MarkDirty(iface, name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.states[key(iface, name)]; ok {
		st.Dirty = true
	}
}

// State returns a copy of the property state
func (h *Hub) State(iface, name string) (PropertyState, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	st, ok := h.states[key(iface, name)]
	if !ok {
		return PropertyState{}, false
	}
	return *st, true
}

// Value returns the cached value if it is known and not stale
func (h *Hub) Value(iface, name string) (any, bool) {
	st, ok := h.State(iface, name)
	if !ok || st.Dirty {
		return nil, false
	}
	return st.Value, true
}
