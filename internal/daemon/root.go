package daemon

import (
	"fmt"
	"log/slog"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/bridge"
	"go.olrik.dev/steward/internal/core"
	"go.olrik.dev/steward/internal/feature"
	"go.olrik.dev/steward/internal/grant"
	"go.olrik.dev/steward/internal/hardware"
	"go.olrik.dev/steward/internal/operation"
	"go.olrik.dev/steward/internal/rootsvc"
)

// RunRoot runs the Root Service on the system bus until a termination
// signal arrives. The access policy is read once, changing who may call
// the privileged service needs a restart.
func RunRoot(opts Options, logger *slog.Logger) error {
	d, err := New("root", opts, logger)
	if err != nil {
		return err
	}
	logger = d.logger
	cfg := d.Config()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return fmt.Errorf("failed to connect to system bus: %w", err)
	}
	d.OnShutdown(func() { _ = conn.Close() })

	backends, err := hardware.Load(hardware.Sysfs{Root: opts.SysfsRoot}, cfg.ConfigDir, logger)
	if err != nil {
		d.shutdown()
		return err
	}
	units := bridge.NewSystemd(nil, bridge.PolicyFrom(cfg.Bridge), logger)
	d.OnShutdown(func() { _ = units.Close() })
	backends.UseUnits(units)

	// Bluetooth is never privileged, the Root Service does not look for it
	registry, err := feature.NewStandardRegistry(backends, nil, logger)
	if err != nil {
		d.shutdown()
		return err
	}
	features := registry.Detect(d.ctx)

	tracker := operation.New(operation.Config{
		Retention: cfg.Root.OperationRetention,
		Logger:    logger,
	})
	authorizer := grant.NewAuthorizer(grant.Config{
		Policy: grant.Policy{
			AllowedUIDs:        cfg.Root.AllowedUIDs,
			AllowedExecutables: cfg.Root.AllowedExecutables,
		},
		Logger: logger,
	})

	svc, err := rootsvc.New(rootsvc.Config{
		Backends:      backends,
		Features:      features,
		Resolver:      grant.NewResolver(grant.BusCredentials{Conn: conn}, nil),
		Authorizer:    authorizer,
		Tracker:       tracker,
		RequestKeyTTL: cfg.Root.RequestKeyTTL,
		Logger:        logger,
	})
	if err != nil {
		d.shutdown()
		return err
	}
	d.OnShutdown(svc.Close)

	if err := svc.Publish(conn); err != nil {
		d.shutdown()
		return err
	}
	go svc.Run(d.ctx)

	d.OnReload(func(cfg *core.Configuration) {
		logger.Info("Root configuration reloaded, access policy changes apply after restart",
			"log_level", cfg.LogLevel.String())
	})

	d.serve()
	return nil
}
