package notify

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// MinPollInterval bounds how often sysfs is read
const MinPollInterval = time.Second

// Polled reads one property from a source that has no change events
type Polled struct {
	Interface string
	Name      string
	Read      func(ctx context.Context) (any, error)

	// Guard, when set, is held around read and publish so a poll can not
	// interleave with a write to the same resource.
	Guard func(ctx context.Context) (release func(), err error)
}

// PollerConfig configures a Poller
type PollerConfig struct {
	Hub      *Hub
	Interval time.Duration
	// Refreshes requested outside the regular interval are limited to
	// RefreshBurst within RefreshEvery.
	RefreshEvery time.Duration
	RefreshBurst int
	Clock        clock.Clock
	Logger       *slog.Logger
}

// Poller periodically reads its properties and publishes what changed as
// external changes.
type Poller struct {
	hub     *Hub
	clock   clock.Clock
	limiter *rate.Limiter
	logger  *slog.Logger

	mu      sync.Mutex
	watched []Polled

	interval atomic.Int64
	reset    chan struct{}
	refresh  chan struct{}
}

// NewPoller creates a poller
func NewPoller(cfg PollerConfig) *Poller {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = 2 * time.Second
	}
	if cfg.RefreshBurst <= 0 {
		cfg.RefreshBurst = 2
	}
	p := &Poller{
		hub:     cfg.Hub,
		clock:   cfg.Clock,
		limiter: rate.NewLimiter(rate.Every(cfg.RefreshEvery), cfg.RefreshBurst),
		logger:  cfg.Logger,
		reset:   make(chan struct{}, 1),
		refresh: make(chan struct{}, 1),
	}
	p.interval.Store(int64(clampInterval(cfg.Interval)))
	return p
}

func clampInterval(d time.Duration) time.Duration {
	if d < MinPollInterval {
		return MinPollInterval
	}
	return d
}

// Add registers a polled property
func (p *Poller) Add(w Polled) {
	p.mu.Lock()
	p.watched = append(p.watched, w)
	p.mu.Unlock()
}

// Interval returns the current poll interval
func (p *Poller) Interval() time.Duration {
	return time.Duration(p.interval.Load())
}

// SetInterval changes the poll interval, values below MinPollInterval are
// raised to it.
func (p *Poller) SetInterval(d time.Duration) {
	d = clampInterval(d)
	if time.Duration(p.interval.Swap(int64(d))) == d {
		return
	}
	p.logger.Info("Poll interval changed", "interval", d)
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

// Refresh asks for an immediate poll of every property, for example after
// resume from suspend. Requests arriving while one is pending coalesce.
func (p *Poller) Refresh() {
	select {
	case p.refresh <- struct{}{}:
	default:
	}
}

// Run polls until ctx is done
func (p *Poller) Run(ctx context.Context) {
	ticker := p.clock.Ticker(p.Interval())
	defer func() { ticker.Stop() }()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Poll(ctx)
		case <-p.refresh:
			if !p.limiter.AllowN(p.clock.Now(), 1) {
				p.logger.Debug("Refresh throttled, waiting for the next poll")
				continue
			}
			p.Poll(ctx)
		case <-p.reset:
			ticker.Stop()
			ticker = p.clock.Ticker(p.Interval())
		}
	}
}

// Prime records the current value of every property without notifying. Run
// after it, the first poll only reports values that changed since startup.
func (p *Poller) Prime(ctx context.Context) {
	p.mu.Lock()
	watched := make([]Polled, len(p.watched))
	copy(watched, p.watched)
	p.mu.Unlock()

	for _, w := range watched {
		if ctx.Err() != nil {
			return
		}
		v, err := w.Read(ctx)
		if err != nil {
			continue
		}
		p.hub.Seed(w.Interface, w.Name, v)
	}
}

// Poll reads every property once and returns how many changed
func (p *Poller) Poll(ctx context.Context) int {
	p.mu.Lock()
	watched := make([]Polled, len(p.watched))
	copy(watched, p.watched)
	p.mu.Unlock()

	changed := 0
	for _, w := range watched {
		if ctx.Err() != nil {
			break
		}
		if p.poll(ctx, w) {
			changed++
		}
	}
	return changed
}

func (p *Poller) poll(ctx context.Context, w Polled) bool {
	if w.Guard != nil {
		release, err := w.Guard(ctx)
		if err != nil {
			return false
		}
		defer release()
	}
	v, err := w.Read(ctx)
	if err != nil {
		// Keep the last value, clients see the failure when they read
		p.logger.Debug("Poll failed", "property", key(w.Interface, w.Name), "error", err)
		p.hub.MarkDirty(w.Interface, w.Name)
		return false
	}
	return p.hub.Publish(w.Interface, w.Name, v, OriginExternal)
}
