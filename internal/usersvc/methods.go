package usersvc

import (
	"context"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/bridge"
	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/operation"
)

// formatOptions are the keys FormatDeviceWithOptions accepts
var formatOptions = map[string]string{
	"label":    "s",
	"validate": "b",
}

// methodBindings builds the method tables exported per interface. godbus
// fills the dbus.Sender parameter from the message header.
func (s *Service) methodBindings() map[string]map[string]interface{} {
	out := map[string]map[string]interface{}{
		contract.ManagerInterface: {
			"ReloadConfig": func(sender dbus.Sender) *dbus.Error {
				return fault.ToDBus(s.ReloadConfig(s.ctx, sender))
			},
		},
	}

	out[contract.JobManagerInterface] = map[string]interface{}{
		"GetOperation": func(id string) (string, uint32, uint32, string, *dbus.Error) {
			snap, err := s.GetOperation(s.ctx, operation.ID(id))
			if err != nil {
				return "", 0, 0, "", fault.ToDBus(err)
			}
			return snap.Kind, uint32(snap.State), snap.Progress, snap.Error, nil
		},
		"GetOperationDetails": func(id string) (map[string]dbus.Variant, *dbus.Error) {
			snap, err := s.GetOperation(s.ctx, operation.ID(id))
			if err != nil {
				return nil, fault.ToDBus(err)
			}
			return snap.Details(), nil
		},
		"CancelOperation": func(sender dbus.Sender, id string) *dbus.Error {
			return fault.ToDBus(s.CancelOperation(s.ctx, sender, operation.ID(id)))
		},
		"ListOperations": func() ([]string, *dbus.Error) {
			return s.ListOperations(), nil
		},
	}

	// Long actions need the Root Service
	if s.root == nil {
		return out
	}

	started := func(id operation.ID, err error) (string, *dbus.Error) {
		if err != nil {
			return "", fault.ToDBus(err)
		}
		return string(id), nil
	}

	storage := map[string]interface{}{
		"FormatDevice": func(sender dbus.Sender, device, label string, validate bool) (string, *dbus.Error) {
			return started(s.FormatDevice(s.ctx, sender, device, label, validate))
		},
		"FormatDeviceWithOptions": func(sender dbus.Sender, device string, options map[string]dbus.Variant) (string, *dbus.Error) {
			return started(s.FormatDeviceWithOptions(s.ctx, sender, device, options))
		},
		"TrimDevices": func(sender dbus.Sender) (string, *dbus.Error) {
			return started(s.start(s.ctx, sender, contract.ActionTrimDevices, nil))
		},
	}
	if s.storage != nil {
		storage["ListDevices"] = func() ([]bridge.BlockDevice, *dbus.Error) {
			devices, err := s.storage.ListDevices(s.ctx)
			if err != nil {
				return nil, fault.ToDBus(err)
			}
			return devices, nil
		}
	}
	out[contract.StorageInterface] = storage

	out[contract.UpdateBiosInterface] = map[string]interface{}{
		"UpdateBios": func(sender dbus.Sender) (string, *dbus.Error) {
			return started(s.start(s.ctx, sender, contract.ActionUpdateBios, nil))
		},
	}
	out[contract.UpdateDockInterface] = map[string]interface{}{
		"UpdateDock": func(sender dbus.Sender) (string, *dbus.Error) {
			return started(s.start(s.ctx, sender, contract.ActionUpdateDock, nil))
		},
	}
	out[contract.FactoryResetInterface] = map[string]interface{}{
		"PrepareFactoryReset": func(sender dbus.Sender, kind uint32) (string, *dbus.Error) {
			return started(s.start(s.ctx, sender, contract.ActionPrepareFactoryReset, map[string]any{"kind": kind}))
		},
	}
	return out
}

// ReloadConfig re-reads the configuration and applies log level, poll
// interval and rate limit.
func (s *Service) ReloadConfig(ctx context.Context, sender dbus.Sender) error {
	if err := s.admit(sender); err != nil {
		return err
	}
	if s.reload == nil {
		s.logger.Info("Reload requested, nothing to reload", "sender", sender)
		return nil
	}
	cfg, err := s.reload()
	if err != nil {
		return fault.Wrap(fault.InvalidArgument, err, "configuration rejected")
	}
	s.ApplyConfig(cfg)
	s.poller.Refresh()
	return nil
}

// start forwards a long action and mirrors the resulting operation
func (s *Service) start(ctx context.Context, sender dbus.Sender, action string, args map[string]any) (operation.ID, error) {
	if err := s.admit(sender); err != nil {
		return "", err
	}
	def, ok := contract.LookupAction(action)
	if !ok {
		return "", fault.New(fault.InternalError, "unknown action %q", action)
	}
	if args == nil {
		args = map[string]any{}
	}

	id, err := s.root.Start(ctx, action, args)
	if err != nil {
		s.logger.Warn("Start rejected", "action", action, "sender", sender, "error", err)
		return "", err
	}

	err = s.jobs.Observe(operation.Snapshot{
		ID:          id,
		Kind:        action,
		Resource:    def.ResourceFor(args),
		Cancellable: def.Cancellable,
		State:       operation.Pending,
	})
	if err != nil {
		s.logger.Warn("Failed to mirror operation", "operation", id, "error", err)
	}
	s.logger.Info("Operation submitted", "action", action, "operation", id, "sender", sender)
	return id, nil
}

// FormatDevice is the original signature, kept as an adapter onto
// FormatDeviceWithOptions.
func (s *Service) FormatDevice(ctx context.Context, sender dbus.Sender, device, label string, validate bool) (operation.ID, error) {
	return s.FormatDeviceWithOptions(ctx, sender, device, map[string]dbus.Variant{
		"label":    dbus.MakeVariant(label),
		"validate": dbus.MakeVariant(validate),
	})
}

// FormatDeviceWithOptions starts formatting device. Only known options are
// forwarded.
func (s *Service) FormatDeviceWithOptions(ctx context.Context, sender dbus.Sender, device string, options map[string]dbus.Variant) (operation.ID, error) {
	if device == "" {
		return "", fault.New(fault.InvalidArgument, "no device given")
	}
	args := map[string]any{"device": device}
	for key, v := range options {
		typ, ok := formatOptions[key]
		if !ok {
			return "", fault.New(fault.InvalidArgument, "unknown format option %q", key)
		}
		if sig := v.Signature().String(); sig != typ {
			return "", fault.New(fault.InvalidArgument, "format option %q has type %s, want %s", key, sig, typ)
		}
		args[key] = v.Value()
	}
	return s.start(ctx, sender, contract.ActionFormatDevice, args)
}
