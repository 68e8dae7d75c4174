package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/operation"
)

// SignalConn is the part of *dbus.Conn used for signal subscriptions
type SignalConn interface {
	AddMatchSignal(options ...dbus.MatchOption) error
	RemoveMatchSignal(options ...dbus.MatchOption) error
	Signal(ch chan<- *dbus.Signal)
	RemoveSignal(ch chan<- *dbus.Signal)
}

// Match selects the signals a watcher receives
type Match struct {
	Path      dbus.ObjectPath
	Interface string
	Member    string
}

func (m Match) options() []dbus.MatchOption {
	var opts []dbus.MatchOption
	if m.Path != "" {
		opts = append(opts, dbus.WithMatchObjectPath(m.Path))
	}
	if m.Interface != "" {
		opts = append(opts, dbus.WithMatchInterface(m.Interface))
	}
	if m.Member != "" {
		opts = append(opts, dbus.WithMatchMember(m.Member))
	}
	return opts
}

// matches repeats the filter locally, the connection delivers every signal
// it receives to every channel.
func (m Match) matches(sig *dbus.Signal) bool {
	if m.Path != "" && sig.Path != m.Path {
		return false
	}
	return sig.Name == m.Interface+"."+m.Member
}

// WatchSignals subscribes to the signals selected by m and calls fn for
// each of them until ctx is done. It returns early only when the
// subscription itself fails.
func WatchSignals(ctx context.Context, conn SignalConn, m Match, logger *slog.Logger, fn func(*dbus.Signal)) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := conn.AddMatchSignal(m.options()...); err != nil {
		return fmt.Errorf("failed to subscribe to %s.%s: %w", m.Interface, m.Member, err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	defer func() {
		conn.RemoveSignal(signals)
		_ = conn.RemoveMatchSignal(m.options()...)
	}()

	logger.Debug("Watching signal", "interface", m.Interface, "member", m.Member, "path", m.Path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok || sig == nil {
				logger.Debug("Signal channel closed", "member", m.Member)
				return nil
			}
			if m.matches(sig) {
				fn(sig)
			}
		}
	}
}

// OperationChangedMatch selects the Root Service's operation signal
var OperationChangedMatch = Match{
	Path:      contract.RootObjectPath,
	Interface: contract.RootInterface,
	Member:    "OperationChanged",
}

// ParseOperationChanged decodes an OperationChanged signal body
func ParseOperationChanged(sig *dbus.Signal) (id operation.ID, state operation.State, progress uint32, ok bool) {
	if len(sig.Body) != 3 {
		return "", 0, 0, false
	}
	s, ok1 := sig.Body[0].(string)
	st, ok2 := sig.Body[1].(uint32)
	p, ok3 := sig.Body[2].(uint32)
	if !ok1 || !ok2 || !ok3 || !operation.State(st).Valid() {
		return "", 0, 0, false
	}
	return operation.ID(s), operation.State(st), p, true
}

// PropertiesChangedMatch selects property changes of the object at path
func PropertiesChangedMatch(path dbus.ObjectPath) Match {
	return Match{Path: path, Interface: "org.freedesktop.DBus.Properties", Member: "PropertiesChanged"}
}

// ParsePropertiesChanged decodes a PropertiesChanged signal. Invalidated
// properties are reported with an invalid variant.
func ParsePropertiesChanged(sig *dbus.Signal) (iface string, changed map[string]dbus.Variant, ok bool) {
	if len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok1 := sig.Body[0].(string)
	values, ok2 := sig.Body[1].(map[string]dbus.Variant)
	if !ok1 || !ok2 {
		return "", nil, false
	}
	changed = make(map[string]dbus.Variant, len(values))
	for k, v := range values {
		changed[k] = v
	}
	if len(sig.Body) > 2 {
		if invalidated, isList := sig.Body[2].([]string); isList {
			for _, name := range invalidated {
				if _, seen := changed[name]; !seen {
					changed[name] = dbus.Variant{}
				}
			}
		}
	}
	return iface, changed, true
}
