// Package bridge connects the User Service to the Root Service and to the
// system services it consumes. Transport failures are retried with bounded
// exponential backoff, everything else is translated into the fault taxonomy
// and returned at once.
package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/core"
	"go.olrik.dev/steward/internal/fault"
)

// Conn is the part of a bus connection the bridge needs. *dbus.Conn
// satisfies it.
type Conn interface {
	Object(dest string, path dbus.ObjectPath) dbus.BusObject
	Close() error
}

// DialFunc opens a new private bus connection
type DialFunc func() (Conn, error)

// DialSystemBus opens a private system bus connection
func DialSystemBus() (Conn, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// DialSessionBus opens a private session bus connection
func DialSessionBus() (Conn, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// RetryPolicy bounds transport retries
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// PolicyFrom converts the bridge configuration block
func PolicyFrom(cfg core.BridgeConfig) RetryPolicy {
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return RetryPolicy{
		MaxRetries:      uint64(retries),
		InitialInterval: cfg.InitialBackoff,
		MaxInterval:     cfg.MaxBackoff,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	// The retry count is the bound, not the elapsed time
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// endpoint owns one lazily (re)connected bus connection
type endpoint struct {
	name   string
	dial   DialFunc
	policy RetryPolicy
	logger *slog.Logger

	mu   sync.Mutex
	conn Conn
}

func newEndpoint(name string, dial DialFunc, policy RetryPolicy, logger *slog.Logger) *endpoint {
	if logger == nil {
		logger = slog.Default()
	}
	return &endpoint{name: name, dial: dial, policy: policy, logger: logger}
}

func (e *endpoint) connection() (Conn, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn, nil
	}
	conn, err := e.dial()
	if err != nil {
		return nil, fmt.Errorf("%w to %s: %v", errNotConnected, e.name, err)
	}
	e.logger.Debug("Connected", "endpoint", e.name)
	e.conn = conn
	return conn, nil
}

// drop discards conn so the next attempt dials again
func (e *endpoint) drop(conn Conn) {
	e.mu.Lock()
	if e.conn != conn {
		e.mu.Unlock()
		return
	}
	e.conn = nil
	e.mu.Unlock()

	e.logger.Info("Connection lost, reconnecting on next call", "endpoint", e.name)
	_ = conn.Close()
}

// call invokes method on dest/path and stores the reply in out
func (e *endpoint) call(ctx context.Context, dest string, path dbus.ObjectPath, method string, idempotent bool, args []interface{}, out ...interface{}) error {
	body, err := e.invoke(ctx, dest, path, method, idempotent, args)
	if err != nil {
		return err
	}
	if len(out) > 0 {
		if err := dbus.Store(body, out...); err != nil {
			return fault.Wrap(fault.InternalError, err, "unexpected reply to %s", method)
		}
	}
	return nil
}

// invoke returns the raw reply body. Transport failures are retried, for
// calls that are not idempotent only when the call provably never reached
// the service.
func (e *endpoint) invoke(ctx context.Context, dest string, path dbus.ObjectPath, method string, idempotent bool, args []interface{}) ([]interface{}, error) {
	var body []interface{}
	attempts := 0
	op := func() error {
		attempts++
		conn, err := e.connection()
		if err != nil {
			return err
		}
		call := conn.Object(dest, path).CallWithContext(ctx, method, 0, args...)
		if call.Err != nil {
			if connectionLost(call.Err) {
				e.drop(conn)
			}
			if transient(call.Err, idempotent) {
				return call.Err
			}
			return backoff.Permanent(call.Err)
		}
		body = call.Body
		return nil
	}

	err := backoff.RetryNotify(op, e.policy.backOff(ctx), func(err error, next time.Duration) {
		e.logger.Debug("Bus call failed, retrying", "endpoint", e.name, "method", method, "error", err, "retry_in", next)
	})
	if err == nil {
		return body, nil
	}
	if transient(err, idempotent) {
		e.logger.Warn("Bus call failed, giving up", "endpoint", e.name, "method", method, "attempts", attempts, "error", err)
		return nil, fault.Wrap(fault.TransportFailure, err, "%s unreachable after %d attempts", e.name, attempts)
	}
	return nil, Translate(err)
}

func (e *endpoint) close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn == nil {
		return nil
	}
	err := e.conn.Close()
	e.conn = nil
	return err
}
