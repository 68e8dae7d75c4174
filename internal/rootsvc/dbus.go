package rootsvc

import (
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/operation"
)

// rootObject adapts Service to the method set godbus exports. godbus fills
// the dbus.Sender parameter from the message header, the caller cannot
// choose it.
type rootObject struct {
	svc *Service
}

func (o rootObject) Execute(sender dbus.Sender, action string, args map[string]dbus.Variant) (map[string]dbus.Variant, *dbus.Error) {
	result, err := o.svc.Execute(o.svc.ctx, sender, action, args)
	if err != nil {
		return nil, fault.ToDBus(err)
	}
	return result, nil
}

func (o rootObject) Start(sender dbus.Sender, action string, args map[string]dbus.Variant, requestKey string) (string, *dbus.Error) {
	id, err := o.svc.Start(o.svc.ctx, sender, action, args, requestKey)
	if err != nil {
		return "", fault.ToDBus(err)
	}
	return string(id), nil
}

func (o rootObject) GetOperation(sender dbus.Sender, id string) (map[string]dbus.Variant, *dbus.Error) {
	details, err := o.svc.GetOperation(o.svc.ctx, sender, id)
	if err != nil {
		return nil, fault.ToDBus(err)
	}
	return details, nil
}

func (o rootObject) CancelOperation(sender dbus.Sender, id string) *dbus.Error {
	return fault.ToDBus(o.svc.CancelOperation(o.svc.ctx, sender, id))
}

func (o rootObject) ListOperations(sender dbus.Sender) ([]string, *dbus.Error) {
	ids, err := o.svc.ListOperations(o.svc.ctx, sender)
	if err != nil {
		return nil, fault.ToDBus(err)
	}
	return ids, nil
}

// Publish exports the service on conn, relays operation changes as
// OperationChanged signals and claims the well-known name. The name is
// requested last so no caller can reach a half-exported object.
func (s *Service) Publish(conn *dbus.Conn) error {
	if err := conn.Export(rootObject{svc: s}, contract.RootObjectPath, contract.RootInterface); err != nil {
		return fmt.Errorf("failed to export root object: %w", err)
	}
	if err := conn.Export(introspect.NewIntrospectable(contract.RootNode()), contract.RootObjectPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}

	s.tracker.Subscribe(func(snap operation.Snapshot) {
		err := conn.Emit(contract.RootObjectPath, contract.RootInterface+".OperationChanged",
			string(snap.ID), uint32(snap.State), snap.Progress)
		if err != nil {
			s.logger.Warn("Failed to emit OperationChanged", "operation", snap.ID, "error", err)
		}
	})

	reply, err := conn.RequestName(contract.RootBusName, dbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("failed to request %s: %w", contract.RootBusName, err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("%s is already owned by another process", contract.RootBusName)
	}

	s.logger.Info("Root service published", "name", contract.RootBusName, "path", contract.RootObjectPath)
	return nil
}
