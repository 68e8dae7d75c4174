// Package daemon runs the Root and User services as long-lived processes.
// It owns whatever lives as long as the process does, the services only
// ever see their own configuration.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"go.olrik.dev/steward/internal/core"
	"go.olrik.dev/steward/internal/notify"
)

// Options are the command line settings of a daemon
type Options struct {
	ConfigDir string
	Verbose   int    // -v count, overrides the configured log level
	SysfsRoot string // prefix for every sysfs path, empty in production
}

// Daemon is what both runners share: the current configuration and the
// shutdown sequence.
type Daemon struct {
	name   string
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	cfg      *core.Configuration
	onReload []func(*core.Configuration)

	ctx          context.Context
	cancelFunc   context.CancelFunc
	shutdownOnce sync.Once
	closers      []func()
}

// New loads the configuration. A configuration that does not parse is
// fatal at startup, later reloads keep the previous one instead.
func New(name string, opts Options, logger *slog.Logger) (*Daemon, error) {
	if opts.ConfigDir == "" {
		opts.ConfigDir = core.DefaultConfigDir
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{name: name, opts: opts, logger: logger}
	cfg, err := d.load()
	if err != nil {
		return nil, err
	}
	d.cfg = cfg
	core.LogLevel.Set(cfg.LogLevel)
	d.ctx, d.cancelFunc = context.WithCancel(context.Background())
	return d, nil
}

// load reads the configuration without applying it
func (d *Daemon) load() (*core.Configuration, error) {
	cfg, err := core.LoadConfigDir(d.opts.ConfigDir)
	if err != nil {
		return nil, err
	}
	cfg.LogLevel = core.VerbosityLevel(d.opts.Verbose, cfg.LogLevel)
	return cfg, nil
}

// Config returns the configuration in effect
func (d *Daemon) Config() *core.Configuration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Context is cancelled when the daemon shuts down
func (d *Daemon) Context() context.Context {
	return d.ctx
}

// OnReload registers fn to receive every configuration that replaced the
// previous one
func (d *Daemon) OnReload(fn func(*core.Configuration)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onReload = append(d.onReload, fn)
}

// OnShutdown registers fn to run during shutdown, last registered first
func (d *Daemon) OnShutdown(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closers = append(d.closers, fn)
}

// Reload loads the configuration and makes it current. The callbacks are
// not run, callers that apply it themselves use this.
func (d *Daemon) Reload() (*core.Configuration, error) {
	cfg, err := d.load()
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	return cfg, nil
}

// reloadConfig replaces the configuration and hands it to every reload
// callback. On a parse error the previous configuration stays in effect.
func (d *Daemon) reloadConfig() error {
	cfg, err := d.Reload()
	if err != nil {
		d.logger.Error("Configuration file has errors, keeping previous configuration",
			"file", filepath.Join(d.opts.ConfigDir, core.ConfigFileName),
			"error", err)
		return fmt.Errorf("config parse error: %w", err)
	}

	core.LogLevel.Set(cfg.LogLevel)
	d.mu.Lock()
	callbacks := append([]func(*core.Configuration){}, d.onReload...)
	d.mu.Unlock()
	for _, fn := range callbacks {
		fn(cfg)
	}

	d.logger.Info("Configuration reloaded successfully")
	return nil
}

// watchConfig reloads whenever steward.hcl changes on disk
func (d *Daemon) watchConfig() {
	path := filepath.Join(d.opts.ConfigDir, core.ConfigFileName)
	err := notify.WatchFile(d.ctx, path, notify.DefaultDebounce, d.logger, func() {
		d.logger.Info("Configuration file changed", "file", path)
		_ = d.reloadConfig()
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn("Not watching configuration file", "file", path, "error", err)
	}
}

// handleSignals shuts down on SIGTERM and SIGINT and reloads on SIGHUP
func (d *Daemon) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-d.ctx.Done():
			return
		case sig := <-sigChan:
			switch sig {
			case syscall.SIGHUP:
				d.logger.Info("Received SIGHUP, reloading configuration")
				_ = d.reloadConfig()
			default:
				d.logger.Info("Received signal, shutting down", "signal", sig.String())
				d.shutdown()
				return
			}
		}
	}
}

// serve starts signal handling and the config watcher, reports readiness
// and blocks until shutdown.
func (d *Daemon) serve() {
	go d.handleSignals()
	go d.watchConfig()

	if err := core.NotifyReady(); err != nil {
		d.logger.Warn("Failed to notify systemd", "error", err)
	}
	d.logger.Info("Daemon ready", "daemon", d.name, "version", core.FormatVersion(core.Version), "pid", os.Getpid())

	<-d.ctx.Done()
	d.shutdown()
}

// shutdown runs the registered closers once and cancels the context
func (d *Daemon) shutdown() {
	d.shutdownOnce.Do(func() {
		d.logger.Info("Executing shutdown sequence...", "daemon", d.name)
		_ = core.NotifyStopping()

		d.cancelFunc()

		d.mu.Lock()
		closers := d.closers
		d.closers = nil
		d.mu.Unlock()
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}

		d.logger.Info("Shutdown complete", "daemon", d.name)
	})
}
