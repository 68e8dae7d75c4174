// Package usersvc is the session half of steward. It publishes the contract
// interfaces of every detected feature, serves reads from unprivileged
// sources and forwards privileged writes to the Root Service through the
// IPC bridge, without any credentials attached.
package usersvc

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/bridge"
	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/core"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/feature"
	"go.olrik.dev/steward/internal/hardware"
	"go.olrik.dev/steward/internal/notify"
	"go.olrik.dev/steward/internal/operation"
	"go.olrik.dev/steward/internal/resource"
)

// RootAPI is the part of the Root Service the User Service forwards to
type RootAPI interface {
	Execute(ctx context.Context, action string, args map[string]any) (dbus.Variant, error)
	Start(ctx context.Context, action string, args map[string]any) (operation.ID, error)
	GetOperation(ctx context.Context, id operation.ID) (operation.Snapshot, error)
	CancelOperation(ctx context.Context, id operation.ID) error
}

// StorageAPI enumerates block devices
type StorageAPI interface {
	ListDevices(ctx context.Context) ([]bridge.BlockDevice, error)
}

// BluetoothAPI controls the Bluetooth adapter
type BluetoothAPI interface {
	Powered(ctx context.Context) (bool, error)
	SetPowered(ctx context.Context, on bool) error
	Address(ctx context.Context) (string, error)
}

// SignalEmitter sends signals from our object, *dbus.Conn satisfies it
type SignalEmitter interface {
	Emit(path dbus.ObjectPath, name string, values ...interface{}) error
}

// Config for a Service. Features and Backends are required, a nil Root,
// Storage or Bluetooth leaves the members that need it unbound.
type Config struct {
	Features  feature.Set
	Backends  *hardware.Backends
	Root      RootAPI
	Storage   StorageAPI
	Bluetooth BluetoothAPI

	PollInterval   time.Duration
	RateLimit      float64 // mutating calls per second per sender, 0 disables
	RateLimitBurst int
	Retention      time.Duration // of mirrored operations

	// Reload re-reads the daemon configuration for Manager.ReloadConfig
	Reload func() (*core.Configuration, error)

	Clock  clock.Clock
	Logger *slog.Logger
}

// Service is the User Service context object. It is created once at
// startup and torn down with Close.
type Service struct {
	backends  *hardware.Backends
	root      RootAPI
	storage   StorageAPI
	bluetooth BluetoothAPI
	reload    func() (*core.Configuration, error)

	published feature.Set
	props     map[string]map[string]binding
	methods   map[string]map[string]interface{}

	locks   *resource.Locks
	hub     *notify.Hub
	poller  *notify.Poller
	jobs    *operation.Tracker
	limiter *senderLimiter
	clock   clock.Clock
	logger  *slog.Logger

	sigMu   sync.Mutex
	signals SignalEmitter

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the service and binds every member of the detected features.
// A feature with any member that can not be bound is not published at all.
func New(cfg Config) (*Service, error) {
	if cfg.Backends == nil {
		return nil, fault.New(fault.InternalError, "user service needs hardware backends")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		backends:  cfg.Backends,
		root:      cfg.Root,
		storage:   cfg.Storage,
		bluetooth: cfg.Bluetooth,
		reload:    cfg.Reload,
		locks:     resource.NewLocks(),
		limiter:   newSenderLimiter(cfg.RateLimit, cfg.RateLimitBurst),
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.hub = notify.NewHub(notify.HubConfig{Emitter: notify.EmitterFunc(s.emitPropertyChanged), Clock: cfg.Clock, Logger: cfg.Logger})
	s.poller = notify.NewPoller(notify.PollerConfig{Hub: s.hub, Interval: cfg.PollInterval, Clock: cfg.Clock, Logger: cfg.Logger})
	s.jobs = operation.New(operation.Config{Clock: cfg.Clock, Retention: cfg.Retention, Logger: cfg.Logger})
	s.jobs.Subscribe(s.emitOperationChanged)

	s.props = s.propertyBindings()
	s.methods = s.methodBindings()
	s.published = s.bindFeatures(cfg.Features)
	s.addPolled()

	return s, nil
}

// Features returns the features actually published
func (s *Service) Features() feature.Set {
	return s.published
}

// Hub returns the notification hub, for signal-driven sources
func (s *Service) Hub() *notify.Hub {
	return s.hub
}

// Poller returns the property poller, Refresh it after resume
func (s *Service) Poller() *notify.Poller {
	return s.poller
}

// Jobs returns the mirror of Root operations
func (s *Service) Jobs() *operation.Tracker {
	return s.jobs
}

// Run polls properties and keeps the job mirror in sync until ctx is done
func (s *Service) Run(ctx context.Context) {
	go s.jobs.Run(ctx)
	s.poller.Prime(ctx)
	go s.poller.Run(ctx)
	s.watchJobs(ctx)
}

// Close cancels calls still in flight and stops emitting signals
func (s *Service) Close() {
	s.cancel()
	s.attach(nil)
}

// ApplyConfig applies the settings that may change without a restart
func (s *Service) ApplyConfig(cfg *core.Configuration) {
	core.LogLevel.Set(cfg.LogLevel)
	s.poller.SetInterval(cfg.User.PollInterval)
	s.limiter.setLimit(cfg.User.RateLimit, cfg.User.RateLimitBurst)
	s.logger.Info("Configuration applied",
		"log_level", cfg.LogLevel.String(),
		"poll_interval", s.poller.Interval(),
		"rate_limit", cfg.User.RateLimit,
		"rate_limited", s.limiter.active())
}

// emittedSignals are the catalog signals the service raises itself
var emittedSignals = map[string]bool{
	contract.JobManagerInterface + ".OperationChanged": true,
}

// bindFeatures drops every feature with a member that has no binding, so a
// published interface is always complete.
func (s *Service) bindFeatures(set feature.Set) feature.Set {
	var incomplete []string
	for _, id := range set.IDs() {
		for _, iface := range contract.InterfacesOf(id) {
			if missing := s.unbound(iface); len(missing) > 0 {
				s.logger.Error("Feature has unbound members, not publishing it", "feature", id, "interface", iface.Name, "members", missing)
				incomplete = append(incomplete, id)
				break
			}
		}
	}
	if len(incomplete) == 0 {
		return set
	}
	return set.Without(incomplete...)
}

func (s *Service) unbound(iface contract.Interface) []string {
	var missing []string
	for _, m := range iface.Members {
		switch m.Kind {
		case contract.Property:
			b, ok := s.props[iface.Name][m.Name]
			if !ok || b.get == nil || (m.Access == contract.ReadWrite && b.set == nil) {
				missing = append(missing, m.Name)
			}
		case contract.Method:
			if _, ok := s.methods[iface.Name][m.Name]; !ok {
				missing = append(missing, m.Name)
			}
		case contract.Signal:
			if !emittedSignals[iface.Name+"."+m.Name] {
				missing = append(missing, m.Name)
			}
		}
	}
	return missing
}

// addPolled polls the published properties that have no change events
func (s *Service) addPolled() {
	for _, iface := range s.published.Interfaces() {
		for _, m := range iface.MembersOf(contract.Property) {
			b := s.props[iface.Name][m.Name]
			if !b.polled {
				continue
			}
			w := notify.Polled{Interface: iface.Name, Name: m.Name, Read: b.get}
			if b.resource != "" {
				key := b.resource
				w.Guard = func(ctx context.Context) (func(), error) {
					return s.locks.Acquire(ctx, key)
				}
			}
			s.poller.Add(w)
		}
	}
}

func (s *Service) attach(e SignalEmitter) {
	s.sigMu.Lock()
	s.signals = e
	s.sigMu.Unlock()
}

func (s *Service) emit(name string, values ...interface{}) error {
	s.sigMu.Lock()
	e := s.signals
	s.sigMu.Unlock()
	if e == nil {
		return nil
	}
	return e.Emit(contract.ObjectPath, name, values...)
}

func (s *Service) emitPropertyChanged(iface, name string, value any) error {
	return s.emit("org.freedesktop.DBus.Properties.PropertiesChanged",
		iface, map[string]dbus.Variant{name: dbus.MakeVariant(value)}, []string{})
}

func (s *Service) emitOperationChanged(snap operation.Snapshot) {
	err := s.emit(contract.JobManagerInterface+".OperationChanged", string(snap.ID), uint32(snap.State), snap.Progress)
	if err != nil {
		s.logger.Warn("Failed to emit OperationChanged", "operation", snap.ID, "error", err)
	}
}

// admit applies the per-sender rate limit to a mutating call
func (s *Service) admit(sender dbus.Sender) error {
	if !s.limiter.allow(string(sender), s.clock.Now()) {
		s.logger.Warn("Rate limit exceeded", "sender", sender)
		return fault.New(fault.OperationConflict, "too many requests from %s, try again shortly", sender)
	}
	return nil
}
