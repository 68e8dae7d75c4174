// Package grant decides who may call the Root Service. Identities come from
// the bus daemon and the kernel, never from anything the caller sends.
package grant

import (
	"context"
	"fmt"

	"github.com/godbus/dbus/v5"
	"github.com/shirou/gopsutil/v3/process"

	"go.olrik.dev/steward/internal/fault"
)

// Peer is the verified identity of a bus caller
type Peer struct {
	Sender     string // unique bus name, e.g. :1.42
	UID        uint32
	PID        uint32
	Executable string
}

func (p Peer) String() string {
	return fmt.Sprintf("%s(uid=%d pid=%d exe=%s)", p.Sender, p.UID, p.PID, p.Executable)
}

// CredentialSource looks up what the bus daemon knows about a connection
type CredentialSource interface {
	Credentials(ctx context.Context, sender string) (uid, pid uint32, err error)
}

// ExecutableFunc resolves the executable of a running process
type ExecutableFunc func(ctx context.Context, pid int32) (string, error)

// BusCredentials asks the bus daemon via GetConnectionCredentials. The bus
// gets these from SO_PEERCRED, the caller cannot influence them.
type BusCredentials struct {
	Conn *dbus.Conn
}

func (b BusCredentials) Credentials(ctx context.Context, sender string) (uint32, uint32, error) {
	var creds map[string]dbus.Variant
	err := b.Conn.BusObject().CallWithContext(ctx, "org.freedesktop.DBus.GetConnectionCredentials", 0, sender).Store(&creds)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get credentials of %s: %w", sender, err)
	}

	uid, ok := creds["UnixUserID"].Value().(uint32)
	if !ok {
		return 0, 0, fmt.Errorf("bus daemon reported no user id for %s", sender)
	}
	pid, ok := creds["ProcessID"].Value().(uint32)
	if !ok {
		return 0, 0, fmt.Errorf("bus daemon reported no process id for %s", sender)
	}
	return uid, pid, nil
}

// ProcessExecutable reads the executable through gopsutil
func ProcessExecutable(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", fmt.Errorf("process %d: %w", pid, err)
	}
	exe, err := p.ExeWithContext(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read executable of %d: %w", pid, err)
	}
	return exe, nil
}

// Resolver turns a bus sender into a Peer
type Resolver struct {
	creds CredentialSource
	exe   ExecutableFunc
}

// NewResolver creates a resolver. exe defaults to ProcessExecutable.
func NewResolver(creds CredentialSource, exe ExecutableFunc) *Resolver {
	if exe == nil {
		exe = ProcessExecutable
	}
	return &Resolver{creds: creds, exe: exe}
}

// Resolve verifies sender. Anything that cannot be verified is a permission
// failure, an unidentifiable caller is never let through.
func (r *Resolver) Resolve(ctx context.Context, sender dbus.Sender) (Peer, error) {
	if sender == "" {
		return Peer{}, fault.New(fault.PermissionDenied, "caller has no bus name")
	}
	uid, pid, err := r.creds.Credentials(ctx, string(sender))
	if err != nil {
		return Peer{}, &fault.Error{Code: fault.PermissionDenied, Message: "cannot verify caller", Err: err}
	}
	exe, err := r.exe(ctx, int32(pid))
	if err != nil {
		return Peer{}, &fault.Error{Code: fault.PermissionDenied, Message: "cannot verify caller executable", Err: err}
	}
	return Peer{Sender: string(sender), UID: uid, PID: pid, Executable: exe}, nil
}
