package bridge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"

	"go.olrik.dev/steward/internal/contract"
	"go.olrik.dev/steward/internal/fault"
	"go.olrik.dev/steward/internal/operation"
)

// fakeBus answers calls through handler and counts dials and closes
type fakeBus struct {
	mu      sync.Mutex
	calls   []fakeCall
	dials   int
	closes  int
	dialErr error
	handler func(n int, method string, args []interface{}) ([]interface{}, error)
}

type fakeCall struct {
	dest   string
	path   dbus.ObjectPath
	method string
	args   []interface{}
}

func (b *fakeBus) dial() (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	return &fakeConn{bus: b}, nil
}

func (b *fakeBus) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.calls)
}

type fakeConn struct {
	bus *fakeBus
}

func (c *fakeConn) Object(dest string, path dbus.ObjectPath) dbus.BusObject {
	return &fakeObject{bus: c.bus, dest: dest, path: path}
}

func (c *fakeConn) Close() error {
	c.bus.mu.Lock()
	c.bus.closes++
	c.bus.mu.Unlock()
	return nil
}

// fakeObject implements only CallWithContext, the rest of dbus.BusObject is
// never used by the bridge.
type fakeObject struct {
	dbus.BusObject
	bus  *fakeBus
	dest string
	path dbus.ObjectPath
}

func (o *fakeObject) CallWithContext(_ context.Context, method string, _ dbus.Flags, args ...interface{}) *dbus.Call {
	o.bus.mu.Lock()
	o.bus.calls = append(o.bus.calls, fakeCall{dest: o.dest, path: o.path, method: method, args: args})
	n := len(o.bus.calls)
	handler := o.bus.handler
	o.bus.mu.Unlock()

	body, err := handler(n, method, args)
	return &dbus.Call{Body: body, Err: err}
}

var fastRetry = RetryPolicy{MaxRetries: 2, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func remote(name, message string) error {
	return dbus.Error{Name: name, Body: []interface{}{message}}
}

func newRoot(bus *fakeBus) *RootClient {
	return NewRootClient(RootClientConfig{Dial: bus.dial, Retry: fastRetry})
}

func TestExecuteReturnsReadback(t *testing.T) {
	bus := &fakeBus{handler: func(_ int, method string, args []interface{}) ([]interface{}, error) {
		if method != contract.RootInterface+".Execute" {
			t.Errorf("Unexpected method %s", method)
		}
		if args[0] != contract.ActionSetManualGpuClock {
			t.Errorf("Unexpected action %v", args[0])
		}
		wire := args[1].(map[string]dbus.Variant)
		if wire["clock"].Value() != uint32(1200) {
			t.Errorf("Expected clock 1200 on the wire, got %v", wire["clock"])
		}
		return []interface{}{map[string]dbus.Variant{"value": dbus.MakeVariant(uint32(1200))}}, nil
	}}
	c := newRoot(bus)

	v, err := c.Execute(context.Background(), contract.ActionSetManualGpuClock, map[string]any{"clock": uint32(1200)})
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if v.Value() != uint32(1200) {
		t.Errorf("Expected 1200, got %v", v.Value())
	}
	if bus.calls[0].dest != contract.RootBusName || bus.calls[0].path != contract.RootObjectPath {
		t.Errorf("Call went to %s %s", bus.calls[0].dest, bus.calls[0].path)
	}
}

func TestSemanticErrorsAreNotRetried(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"invalid argument", remote(fault.InvalidArgument.DBusName(), "TDP limit 20 outside 3..15"), fault.ErrInvalidArgument},
		{"permission denied", remote(fault.PermissionDenied.DBusName(), "denied"), fault.ErrPermissionDenied},
		{"conflict", remote(fault.OperationConflict.DBusName(), "busy"), fault.ErrConflict},
		{"hardware", remote(fault.HardwareFault.DBusName(), "write failed"), fault.ErrHardware},
		{"unknown name", remote("com.example.Weird", "?"), fault.ErrInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := &fakeBus{handler: func(int, string, []interface{}) ([]interface{}, error) {
				return nil, tt.err
			}}
			_, err := newRoot(bus).Execute(context.Background(), contract.ActionSetTdpLimit, map[string]any{"limit": uint32(20)})
			if !errors.Is(err, tt.want) {
				t.Errorf("Expected %v, got %v", tt.want, err)
			}
			if bus.callCount() != 1 {
				t.Errorf("Expected exactly one call, got %d", bus.callCount())
			}
		})
	}
}

func TestRootMessageIsKept(t *testing.T) {
	bus := &fakeBus{handler: func(int, string, []interface{}) ([]interface{}, error) {
		return nil, remote(fault.InvalidArgument.DBusName(), "TDP limit 20 outside 3..15")
	}}
	_, err := newRoot(bus).Execute(context.Background(), contract.ActionSetTdpLimit, map[string]any{"limit": uint32(20)})
	if got := fault.MessageOf(err); got != "TDP limit 20 outside 3..15" {
		t.Errorf("Unexpected message %q", got)
	}
}

func TestTransportErrorsAreRetried(t *testing.T) {
	bus := &fakeBus{handler: func(n int, _ string, _ []interface{}) ([]interface{}, error) {
		if n < 3 {
			return nil, remote(errServiceUnknown, "The name is not activatable")
		}
		return []interface{}{map[string]dbus.Variant{"value": dbus.MakeVariant(uint32(12))}}, nil
	}}

	v, err := newRoot(bus).Execute(context.Background(), contract.ActionSetTdpLimit, map[string]any{"limit": uint32(12)})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if v.Value() != uint32(12) {
		t.Errorf("Expected 12, got %v", v.Value())
	}
	if bus.callCount() != 3 {
		t.Errorf("Expected 3 calls, got %d", bus.callCount())
	}
}

func TestExhaustedRetriesSurfaceAsTransportFailure(t *testing.T) {
	bus := &fakeBus{handler: func(int, string, []interface{}) ([]interface{}, error) {
		return nil, remote(errNameHasNoOwner, "no owner")
	}}

	_, err := newRoot(bus).ListOperations(context.Background())
	if !errors.Is(err, fault.ErrTransport) {
		t.Fatalf("Expected TransportFailure, got %v", err)
	}
	if bus.callCount() != int(fastRetry.MaxRetries)+1 {
		t.Errorf("Expected %d calls, got %d", fastRetry.MaxRetries+1, bus.callCount())
	}
}

func TestNoReplyRetriedOnlyWhenIdempotent(t *testing.T) {
	noReply := func(int, string, []interface{}) ([]interface{}, error) {
		return nil, remote(errNoReply, "Did not receive a reply")
	}

	idem := &fakeBus{handler: noReply}
	_, _ = newRoot(idem).Execute(context.Background(), contract.ActionSetTdpLimit, map[string]any{"limit": uint32(5)})
	if idem.callCount() != 3 {
		t.Errorf("Idempotent call should be retried, got %d calls", idem.callCount())
	}

	once := &fakeBus{handler: noReply}
	_, err := NewManagerClient(once.dial, fastRetry, nil).Call(context.Background(), contract.StorageInterface, "TrimDevices")
	if once.callCount() != 1 {
		t.Errorf("Non-idempotent call must not be repeated, got %d calls", once.callCount())
	}
	if !errors.Is(err, fault.ErrTransport) {
		t.Errorf("Expected TransportFailure, got %v", err)
	}
}

func TestReconnectAfterConnectionLoss(t *testing.T) {
	bus := &fakeBus{handler: func(n int, _ string, _ []interface{}) ([]interface{}, error) {
		if n == 1 {
			return nil, dbus.ErrClosed
		}
		return []interface{}{[]string{"op-1"}}, nil
	}}

	ids, err := newRoot(bus).ListOperations(context.Background())
	if err != nil {
		t.Fatalf("Expected success after reconnect, got %v", err)
	}
	if len(ids) != 1 || ids[0] != "op-1" {
		t.Errorf("Unexpected ids %v", ids)
	}
	if bus.dials != 2 || bus.closes != 1 {
		t.Errorf("Expected 2 dials and 1 close, got %d and %d", bus.dials, bus.closes)
	}
}

func TestDialFailureIsTransport(t *testing.T) {
	bus := &fakeBus{dialErr: errors.New("no such file or directory")}
	_, err := newRoot(bus).ListOperations(context.Background())
	if !errors.Is(err, fault.ErrTransport) {
		t.Errorf("Expected TransportFailure, got %v", err)
	}
	if bus.dials != 3 {
		t.Errorf("Expected 3 dial attempts, got %d", bus.dials)
	}
}

func TestStartReusesRequestKeyAcrossRetries(t *testing.T) {
	var keys []string
	bus := &fakeBus{handler: func(n int, _ string, args []interface{}) ([]interface{}, error) {
		keys = append(keys, args[2].(string))
		if n == 1 {
			return nil, remote(errNoReply, "timeout")
		}
		return []interface{}{"op-7"}, nil
	}}

	id, err := newRoot(bus).Start(context.Background(), contract.ActionFormatDevice, map[string]any{"device": "/dev/sdz"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "op-7" {
		t.Errorf("Expected op-7, got %s", id)
	}
	if len(keys) != 2 || keys[0] != keys[1] {
		t.Fatalf("Expected the same key on both attempts, got %v", keys)
	}
	if _, err := uuid.Parse(keys[0]); err != nil {
		t.Errorf("Request key %q is not a uuid", keys[0])
	}
}

func TestUnknownActionRejectedLocally(t *testing.T) {
	bus := &fakeBus{handler: func(int, string, []interface{}) ([]interface{}, error) { return nil, nil }}
	if _, err := newRoot(bus).Start(context.Background(), "reboot", nil); !errors.Is(err, fault.ErrInvalidArgument) {
		t.Errorf("Expected InvalidArgument, got %v", err)
	}
	if bus.callCount() != 0 {
		t.Error("Unknown actions must not be sent")
	}
}

func TestGetOperationDecodesDetails(t *testing.T) {
	snap := operation.Snapshot{ID: "op-3", Kind: contract.ActionFormatDevice, State: operation.Failed, Progress: 50, Recovery: operation.RecoveryNeedsReformat, Error: "mkfs failed"}
	bus := &fakeBus{handler: func(int, string, []interface{}) ([]interface{}, error) {
		return []interface{}{snap.Details()}, nil
	}}

	got, err := newRoot(bus).GetOperation(context.Background(), "op-3")
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != "op-3" || got.State != operation.Failed || got.Progress != 50 || got.Recovery != operation.RecoveryNeedsReformat {
		t.Errorf("Unexpected snapshot %+v", got)
	}
}

func TestTranslateExternalErrors(t *testing.T) {
	tests := []struct {
		err  error
		want fault.Code
	}{
		{remote("org.bluez.Error.NotReady", "Resource Not Ready"), fault.HardwareFault},
		{remote("org.bluez.Error.InProgress", "busy"), fault.OperationConflict},
		{remote(errAccessDenied, "denied"), fault.PermissionDenied},
		{remote(errInvalidArgs, "bad"), fault.InvalidArgument},
		{remote(errUnknownMethod, "no"), fault.UnsupportedFeature},
		{remote("org.freedesktop.UDisks2.Error.DeviceBusy", "mounted"), fault.OperationConflict},
		{remote(errServiceUnknown, "gone"), fault.TransportFailure},
		{&dbus.Error{Name: "org.example.Mystery"}, fault.InternalError},
		{errors.New("plain"), fault.InternalError},
		{context.DeadlineExceeded, fault.TransportFailure},
		{fault.New(fault.HardwareFault, "kept"), fault.HardwareFault},
	}
	for _, tt := range tests {
		if got := fault.CodeOf(Translate(tt.err)); got != tt.want {
			t.Errorf("Translate(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
	if Translate(nil) != nil {
		t.Error("Translate(nil) should be nil")
	}
}

func TestListBlockDevices(t *testing.T) {
	block := func(device string, drive dbus.ObjectPath, extra map[string]dbus.Variant) map[string]dbus.Variant {
		props := map[string]dbus.Variant{
			"Device":          dbus.MakeVariant(append([]byte(device), 0)),
			"PreferredDevice": dbus.MakeVariant(append([]byte(device), 0)),
			"Size":            dbus.MakeVariant(uint64(64 << 30)),
			"Drive":           dbus.MakeVariant(drive),
		}
		for k, v := range extra {
			props[k] = v
		}
		return props
	}
	objects := map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
		"/org/freedesktop/UDisks2/block_devices/mmcblk0": {
			udisksBlockInterface: block("/dev/mmcblk0", "/org/freedesktop/UDisks2/drives/SD", nil),
		},
		"/org/freedesktop/UDisks2/block_devices/mmcblk0p1": {
			udisksBlockInterface: block("/dev/mmcblk0p1", "/org/freedesktop/UDisks2/drives/SD", nil),
			udisksPartInterface:  {},
		},
		"/org/freedesktop/UDisks2/block_devices/nvme0n1": {
			udisksBlockInterface: block("/dev/nvme0n1", "/org/freedesktop/UDisks2/drives/NVME", map[string]dbus.Variant{"HintSystem": dbus.MakeVariant(true)}),
		},
		"/org/freedesktop/UDisks2/block_devices/loop0": {
			udisksBlockInterface: block("/dev/loop0", "/", nil),
		},
		"/org/freedesktop/UDisks2/block_devices/sda": {
			udisksBlockInterface: block("/dev/sda", "/org/freedesktop/UDisks2/drives/USB", map[string]dbus.Variant{"IdLabel": dbus.MakeVariant("games")}),
		},
		"/org/freedesktop/UDisks2/drives/SD": {
			udisksDriveInterface: {"Model": dbus.MakeVariant("SD64G")},
		},
	}
	bus := &fakeBus{handler: func(_ int, method string, _ []interface{}) ([]interface{}, error) {
		if method != objectManagerGetManagedObjects {
			t.Errorf("Unexpected method %s", method)
		}
		return []interface{}{objects}, nil
	}}

	devices, err := NewStorage(bus.dial, fastRetry, nil).ListDevices(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := []BlockDevice{
		{Device: "/dev/mmcblk0", Description: "SD64G"},
		{Device: "/dev/sda", Description: "games"},
	}
	if len(devices) != len(want) {
		t.Fatalf("Expected %v, got %v", want, devices)
	}
	for i := range want {
		if devices[i] != want[i] {
			t.Errorf("Device %d: expected %+v, got %+v", i, want[i], devices[i])
		}
	}
}

func bluezBus(t *testing.T, powered *bool) *fakeBus {
	return &fakeBus{handler: func(_ int, method string, args []interface{}) ([]interface{}, error) {
		switch method {
		case objectManagerGetManagedObjects:
			return []interface{}{map[dbus.ObjectPath]map[string]map[string]dbus.Variant{
				"/org/bluez/hci1": {BluezAdapterInterface: {}},
				"/org/bluez/hci0": {BluezAdapterInterface: {}},
				"/org/bluez":      {"org.bluez.AgentManager1": {}},
			}}, nil
		case propertiesGet:
			switch args[1] {
			case "Powered":
				return []interface{}{dbus.MakeVariant(*powered)}, nil
			case "Address":
				return []interface{}{dbus.MakeVariant("00:11:22:33:44:55")}, nil
			}
		case propertiesSet:
			*powered = args[2].(dbus.Variant).Value().(bool)
			return nil, nil
		}
		t.Errorf("Unexpected call %s %v", method, args)
		return nil, remote(errUnknownMethod, method)
	}}
}

func TestBluetoothAdapter(t *testing.T) {
	powered := false
	bus := bluezBus(t, &powered)
	bt := NewBluetooth(bus.dial, fastRetry, nil)
	ctx := context.Background()

	present, err := bt.AdapterPresent(ctx)
	if err != nil || !present {
		t.Fatalf("Expected an adapter, got %v (%v)", present, err)
	}
	if path, _ := bt.AdapterPath(ctx); path != "/org/bluez/hci0" {
		t.Errorf("Expected hci0, got %s", path)
	}

	if err := bt.SetPowered(ctx, true); err != nil {
		t.Fatal(err)
	}
	on, err := bt.Powered(ctx)
	if err != nil || !on {
		t.Errorf("Expected powered, got %v (%v)", on, err)
	}
	if addr, _ := bt.Address(ctx); addr != "00:11:22:33:44:55" {
		t.Errorf("Unexpected address %s", addr)
	}
	for _, c := range bus.calls[1:] {
		if c.path != "/org/bluez/hci0" {
			t.Errorf("Call %s went to %s", c.method, c.path)
		}
	}
}

func TestBluetoothWithoutAdapter(t *testing.T) {
	bus := &fakeBus{handler: func(int, string, []interface{}) ([]interface{}, error) {
		return []interface{}{map[dbus.ObjectPath]map[string]map[string]dbus.Variant{}}, nil
	}}
	bt := NewBluetooth(bus.dial, fastRetry, nil)

	present, err := bt.AdapterPresent(context.Background())
	if err != nil || present {
		t.Errorf("Expected no adapter, got %v (%v)", present, err)
	}
	if _, err := bt.Powered(context.Background()); !errors.Is(err, fault.ErrHardware) {
		t.Errorf("Expected HardwareFault, got %v", err)
	}
}

func systemdBus(t *testing.T, active *bool) *fakeBus {
	return &fakeBus{handler: func(_ int, method string, args []interface{}) ([]interface{}, error) {
		switch method {
		case systemdManager + ".LoadUnit":
			if args[0] == "missing.service" {
				return []interface{}{dbus.ObjectPath("/org/freedesktop/systemd1/unit/missing_2eservice")}, nil
			}
			return []interface{}{dbus.ObjectPath("/org/freedesktop/systemd1/unit/jupiter_2dfan_2dcontrol_2eservice")}, nil
		case propertiesGet:
			if args[1] == "LoadState" {
				return []interface{}{dbus.MakeVariant("loaded")}, nil
			}
			if *active {
				return []interface{}{dbus.MakeVariant("active")}, nil
			}
			return []interface{}{dbus.MakeVariant("inactive")}, nil
		case systemdManager + ".StartUnit":
			if args[1] != systemdReplaceMode {
				t.Errorf("Unexpected job mode %v", args[1])
			}
			*active = true
			return []interface{}{dbus.ObjectPath("/org/freedesktop/systemd1/job/7")}, nil
		case systemdManager + ".StopUnit":
			*active = false
			return []interface{}{dbus.ObjectPath("/org/freedesktop/systemd1/job/8")}, nil
		}
		t.Errorf("Unexpected call %s %v", method, args)
		return nil, remote(errUnknownMethod, method)
	}}
}

func TestSystemdUnits(t *testing.T) {
	active := false
	bus := systemdBus(t, &active)
	sd := NewSystemd(bus.dial, fastRetry, nil)
	defer sd.Close()
	ctx := context.Background()
	unit := "jupiter-fan-control.service"

	loaded, err := sd.UnitLoaded(ctx, unit)
	if err != nil || !loaded {
		t.Fatalf("Expected the unit to be loaded, got %v (%v)", loaded, err)
	}
	if on, _ := sd.UnitActive(ctx, unit); on {
		t.Error("Expected the unit to be inactive")
	}
	if err := sd.StartUnit(ctx, unit); err != nil {
		t.Fatalf("StartUnit failed: %v", err)
	}
	if on, _ := sd.UnitActive(ctx, unit); !on {
		t.Error("Expected the unit to be active after start")
	}
	if err := sd.StopUnit(ctx, unit); err != nil {
		t.Fatalf("StopUnit failed: %v", err)
	}
	if active {
		t.Error("Expected the unit to be stopped")
	}

	bus.mu.Lock()
	defer bus.mu.Unlock()
	for _, c := range bus.calls {
		if c.dest != systemdBusName {
			t.Errorf("Call %s went to %s", c.method, c.dest)
		}
	}
	if bus.calls[1].path != "/org/freedesktop/systemd1/unit/jupiter_2dfan_2dcontrol_2eservice" {
		t.Errorf("Properties read from %s", bus.calls[1].path)
	}
}

func TestSystemdNoSuchUnit(t *testing.T) {
	bus := &fakeBus{handler: func(int, string, []interface{}) ([]interface{}, error) {
		return nil, remote("org.freedesktop.systemd1.NoSuchUnit", "Unit missing.service not found.")
	}}
	sd := NewSystemd(bus.dial, fastRetry, nil)

	if err := sd.StartUnit(context.Background(), "missing.service"); !errors.Is(err, fault.ErrUnsupported) {
		t.Errorf("Expected UnsupportedFeature, got %v", err)
	}
	if bus.callCount() != 1 {
		t.Errorf("A semantic error must not be retried, got %d calls", bus.callCount())
	}
}

func TestParseOperationChanged(t *testing.T) {
	sig := &dbus.Signal{Name: "dev.olrik.Steward1.Root.OperationChanged", Body: []interface{}{"op-2", uint32(1), uint32(40)}}
	id, state, progress, ok := ParseOperationChanged(sig)
	if !ok || id != "op-2" || state != operation.Running || progress != 40 {
		t.Errorf("Unexpected parse %s %s %d %v", id, state, progress, ok)
	}

	bad := []*dbus.Signal{
		{Body: []interface{}{"op-2", uint32(9), uint32(40)}},
		{Body: []interface{}{"op-2", int32(1), uint32(40)}},
		{Body: []interface{}{"op-2"}},
	}
	for _, s := range bad {
		if _, _, _, ok := ParseOperationChanged(s); ok {
			t.Errorf("Expected %v to be rejected", s.Body)
		}
	}
}

func TestParsePropertiesChanged(t *testing.T) {
	sig := &dbus.Signal{Body: []interface{}{
		BluezAdapterInterface,
		map[string]dbus.Variant{"Powered": dbus.MakeVariant(true)},
		[]string{"Address"},
	}}
	iface, changed, ok := ParsePropertiesChanged(sig)
	if !ok || iface != BluezAdapterInterface {
		t.Fatalf("Unexpected parse %s %v", iface, ok)
	}
	if changed["Powered"].Value() != true {
		t.Errorf("Expected Powered=true, got %v", changed["Powered"])
	}
	if _, ok := changed["Address"]; !ok {
		t.Error("Invalidated properties must be reported")
	}
}

type fakeSignalConn struct {
	mu         sync.Mutex
	matches    int
	ch         chan<- *dbus.Signal
	registered chan struct{}
}

func (f *fakeSignalConn) AddMatchSignal(...dbus.MatchOption) error {
	f.mu.Lock()
	f.matches++
	f.mu.Unlock()
	return nil
}

func (f *fakeSignalConn) RemoveMatchSignal(...dbus.MatchOption) error {
	f.mu.Lock()
	f.matches--
	f.mu.Unlock()
	return nil
}

func (f *fakeSignalConn) Signal(ch chan<- *dbus.Signal) {
	f.mu.Lock()
	f.ch = ch
	f.mu.Unlock()
	close(f.registered)
}

func (f *fakeSignalConn) RemoveSignal(chan<- *dbus.Signal) {}

func TestSessionsWakeTriggersRefresh(t *testing.T) {
	conn := &fakeSignalConn{registered: make(chan struct{})}
	woke := make(chan struct{}, 4)
	sessions := NewSessions(nil, nil, func() { woke <- struct{}{} })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sessions.Watch(ctx, conn) }()
	<-conn.registered

	name := PrepareForSleepMatch.Interface + "." + PrepareForSleepMatch.Member
	send := func(entering bool) {
		conn.ch <- &dbus.Signal{Path: PrepareForSleepMatch.Path, Name: name, Body: []interface{}{entering}}
	}

	// Resume without a preceding suspend is ignored
	send(false)
	// Unrelated signals are filtered
	conn.ch <- &dbus.Signal{Path: PrepareForSleepMatch.Path, Name: "org.freedesktop.login1.Manager.SessionNew", Body: []interface{}{false}}
	send(true)
	send(false)

	select {
	case <-woke:
	case <-time.After(5 * time.Second):
		t.Fatal("Resume did not trigger a refresh")
	}
	if sessions.Sleeping() {
		t.Error("Expected awake after resume")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch returned %v", err)
	}
	if len(woke) != 0 {
		t.Errorf("Expected exactly one wake callback, got %d more", len(woke))
	}
	if conn.matches != 0 {
		t.Errorf("Expected match rule removed, %d left", conn.matches)
	}
}
