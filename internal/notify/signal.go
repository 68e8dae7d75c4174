package notify

import (
	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/bridge"
)

// Target is the property a remote property is republished as
type Target struct {
	Interface string
	Name      string
}

// SignalSource republishes the properties carried by PropertiesChanged
// signals of a remote object. Handle has the shape bridge.WatchSignals
// expects.
type SignalSource struct {
	Hub    *Hub
	Remote string            // interface named in the signal
	Map    map[string]Target // remote property name to our property
}

// Handle processes one PropertiesChanged signal. Invalidated properties
// are marked dirty, the next poll or read refreshes them.
func (s SignalSource) Handle(sig *dbus.Signal) {
	iface, changed, ok := bridge.ParsePropertiesChanged(sig)
	if !ok || iface != s.Remote {
		return
	}
	for name, v := range changed {
		t, mapped := s.Map[name]
		if !mapped {
			continue
		}
		if v.Value() == nil {
			s.Hub.MarkDirty(t.Interface, t.Name)
			continue
		}
		s.Hub.Publish(t.Interface, t.Name, v.Value(), OriginExternal)
	}
}
