package bridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

// PrepareForSleepMatch selects logind's suspend notification
var PrepareForSleepMatch = Match{
	Path:      "/org/freedesktop/login1",
	Interface: "org.freedesktop.login1.Manager",
	Member:    "PrepareForSleep",
}

// Sessions follows system suspend and resume as announced by logind.
// Hardware state may change while suspended, so resume triggers onWake.
type Sessions struct {
	mu       sync.RWMutex
	sleeping bool
	wakeTime time.Time
	logger   *slog.Logger
	onSleep  func()
	onWake   func()
}

// NewSessions creates the watcher. Either callback may be nil.
func NewSessions(logger *slog.Logger, onSleep, onWake func()) *Sessions {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sessions{logger: logger, onSleep: onSleep, onWake: onWake}
}

// Sleeping reports whether the system announced a suspend that has not
// been followed by a resume yet.
func (s *Sessions) Sleeping() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sleeping
}

// LastWake returns when the system last resumed
func (s *Sessions) LastWake() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.wakeTime
}

// Watch listens for PrepareForSleep on conn until ctx is done
func (s *Sessions) Watch(ctx context.Context, conn SignalConn) error {
	s.logger.Info("Sleep monitor started (D-Bus logind)")
	return WatchSignals(ctx, conn, PrepareForSleepMatch, s.logger, s.handle)
}

func (s *Sessions) handle(sig *dbus.Signal) {
	if len(sig.Body) < 1 {
		return
	}
	entering, ok := sig.Body[0].(bool)
	if !ok {
		return
	}
	if entering {
		s.markSleep()
	} else {
		s.markWake()
	}
}

func (s *Sessions) markSleep() {
	s.mu.Lock()
	s.sleeping = true
	s.mu.Unlock()

	s.logger.Info("System entering sleep")
	if s.onSleep != nil {
		s.onSleep()
	}
}

func (s *Sessions) markWake() {
	s.mu.Lock()
	wasSleeping := s.sleeping
	s.sleeping = false
	s.wakeTime = time.Now()
	s.mu.Unlock()

	if !wasSleeping {
		return
	}
	s.logger.Info("System woke from sleep")
	if s.onWake != nil {
		s.onWake()
	}
}
