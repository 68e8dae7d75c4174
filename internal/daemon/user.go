package daemon

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/bridge"
	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/feature"
	"go.olrik.dev/steward/internal/hardware"
	"go.olrik.dev/steward/internal/notify"
	"go.olrik.dev/steward/internal/usersvc"
)

// RunUser runs the User Service on the session bus until a termination
// signal arrives.
func RunUser(opts Options, logger *slog.Logger) error {
	d, err := New("user", opts, logger)
	if err != nil {
		return err
	}
	logger = d.logger
	cfg := d.Config()

	backends, err := hardware.Load(hardware.Sysfs{Root: opts.SysfsRoot}, cfg.ConfigDir, logger)
	if err != nil {
		return err
	}

	retry := bridge.PolicyFrom(cfg.Bridge)
	root := bridge.NewRootClient(bridge.RootClientConfig{Retry: retry, Logger: logger})
	storage := bridge.NewStorage(nil, retry, logger)
	bluetooth := bridge.NewBluetooth(nil, retry, logger)
	units := bridge.NewSystemd(nil, retry, logger)
	d.OnShutdown(func() {
		_ = root.Close()
		_ = storage.Close()
		_ = bluetooth.Close()
		_ = units.Close()
	})
	backends.UseUnits(units)

	registry, err := feature.NewStandardRegistry(backends, bluetooth, logger)
	if err != nil {
		d.shutdown()
		return err
	}
	features := registry.Detect(d.ctx)

	svc, err := usersvc.New(usersvc.Config{
		Features:       features,
		Backends:       backends,
		Root:           root,
		Storage:        storage,
		Bluetooth:      bluetooth,
		PollInterval:   cfg.User.PollInterval,
		RateLimit:      cfg.User.RateLimit,
		RateLimitBurst: cfg.User.RateLimitBurst,
		Reload:         d.Reload,
		Logger:         logger,
	})
	if err != nil {
		d.shutdown()
		return err
	}
	d.OnShutdown(svc.Close)
	d.OnReload(svc.ApplyConfig)

	session, err := dbus.ConnectSessionBus()
	if err != nil {
		d.shutdown()
		return fmt.Errorf("failed to connect to session bus: %w", err)
	}
	d.OnShutdown(func() { _ = session.Close() })
	if err := svc.Publish(session); err != nil {
		d.shutdown()
		return err
	}

	// Signals from the system bus arrive on a connection of their own, the
	// bridge clients reconnect independently of it.
	system, err := dbus.ConnectSystemBus()
	if err != nil {
		logger.Warn("No system bus for signals, relying on polling", "error", err)
	} else {
		d.OnShutdown(func() { _ = system.Close() })
		watchSystemSignals(d, system, svc, bluetooth, features)
	}

	go svc.Run(d.ctx)

	d.serve()
	return nil
}

// watchSystemSignals follows the Root Service's operations, system sleep
// and the Bluetooth adapter.
func watchSystemSignals(d *Daemon, conn *dbus.Conn, svc *usersvc.Service, bt *bridge.Bluetooth, features feature.Set) {
	logger := d.logger

	go func() {
		if err := bridge.WatchSignals(d.ctx, conn, bridge.OperationChangedMatch, logger, svc.HandleOperationSignal); err != nil {
			logger.Warn("Not following root operations, relying on polling", "error", err)
		}
	}()

	sessions := bridge.NewSessions(logger, nil, func() {
		logger.Info("System resumed, re-reading hardware state")
		svc.Poller().Refresh()
	})
	go func() {
		if err := sessions.Watch(d.ctx, conn); err != nil {
			logger.Warn("Not following system sleep", "error", err)
		}
	}()

	if !features.Enabled(contract.FeatureBluetooth) {
		return
	}
	path, err := bt.AdapterPath(d.ctx)
	if err != nil {
		logger.Warn("Bluetooth adapter vanished before it could be watched", "error", err)
		return
	}
	source := notify.SignalSource{
		Hub:    svc.Hub(),
		Remote: bridge.BluezAdapterInterface,
		Map: map[string]notify.Target{
			"Powered": {Interface: contract.BluetoothInterface, Name: "Powered"},
		},
	}
	go func() {
		if err := bridge.WatchSignals(d.ctx, conn, bridge.PropertiesChangedMatch(path), logger, source.Handle); err != nil {
			logger.Warn("Not following Bluetooth adapter", "error", err)
		}
	}()
}
