package usersvc

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/fault"
)

const propertiesInterface = "org.freedesktop.DBus.Properties"

// propertiesObject implements org.freedesktop.DBus.Properties on top of the
// bindings, prop.Properties can not express reads that go to hardware or
// writes that are forwarded.
type propertiesObject struct {
	svc *Service
}

func (o propertiesObject) Get(iface, name string) (dbus.Variant, *dbus.Error) {
	v, err := o.svc.Get(o.svc.ctx, iface, name)
	if err != nil {
		return dbus.Variant{}, fault.ToDBus(err)
	}
	return dbus.MakeVariant(v), nil
}

func (o propertiesObject) GetAll(iface string) (map[string]dbus.Variant, *dbus.Error) {
	all, err := o.svc.GetAll(o.svc.ctx, iface)
	if err != nil {
		return nil, fault.ToDBus(err)
	}
	return all, nil
}

func (o propertiesObject) Set(sender dbus.Sender, iface, name string, value dbus.Variant) *dbus.Error {
	return fault.ToDBus(o.svc.Set(o.svc.ctx, sender, iface, name, value))
}

// Publish exports the published interfaces on conn and claims the
// well-known name. Property values are read once first so the first change
// after startup is compared against something.
func (s *Service) Publish(conn *dbus.Conn) error {
	s.poller.Poll(s.ctx)

	for _, iface := range s.published.Interfaces() {
		if table := s.methods[iface.Name]; len(table) > 0 {
			if err := conn.ExportMethodTable(table, contract.ObjectPath, iface.Name); err != nil {
				return fmt.Errorf("failed to export %s: %w", iface.Name, err)
			}
		}
	}
	if err := conn.Export(propertiesObject{svc: s}, contract.ObjectPath, propertiesInterface); err != nil {
		return fmt.Errorf("failed to export properties: %w", err)
	}
	node := contract.Node(s.published.Enabled)
	if err := conn.Export(introspect.NewIntrospectable(node), contract.ObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}
	s.attach(conn)

	reply, err := conn.RequestName(contract.BusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", contract.BusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%s is already owned by another process", contract.BusName)
	}

	s.logger.Info("User service published", "name", contract.BusName, "path", contract.ObjectPath, "features", s.published.IDs())
	return nil
}
