package bridge

import (
	"bytes"
	"context"
	"log/slog"
	"sort"

	"github.com/godbus/dbus/v5"
)

const (
	udisksBusName        = "org.freedesktop.UDisks2"
	udisksObjectPath     = dbus.ObjectPath("/org/freedesktop/UDisks2")
	udisksBlockInterface = "org.freedesktop.UDisks2.Block"
	udisksPartInterface  = "org.freedesktop.UDisks2.Partition"
	udisksDriveInterface = "org.freedesktop.UDisks2.Drive"

	objectManagerGetManagedObjects = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// managedObjects is the reply of ObjectManager.GetManagedObjects
type managedObjects map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// BlockDevice is a whole disk that may be formatted
type BlockDevice struct {
	Device      string // device node, e.g. /dev/mmcblk0
	Description string // filesystem label or drive model
}

// Storage enumerates block devices through UDisks2. It never mounts,
// formats or otherwise changes anything.
type Storage struct {
	ep *endpoint
}

// NewStorage creates a UDisks2 client on the system bus
func NewStorage(dial DialFunc, retry RetryPolicy, logger *slog.Logger) *Storage {
	if dial == nil {
		dial = DialSystemBus
	}
	return &Storage{ep: newEndpoint(udisksBusName, dial, retry, logger)}
}

// ListDevices returns the whole, writable, non-system disks sorted by
// device node.
func (s *Storage) ListDevices(ctx context.Context) ([]BlockDevice, error) {
	var objects managedObjects
	if err := s.ep.call(ctx, udisksBusName, udisksObjectPath, objectManagerGetManagedObjects, true, nil, &objects); err != nil {
		return nil, err
	}
	return blockDevices(objects), nil
}

// Close drops the connection
func (s *Storage) Close() error {
	return s.ep.close()
}

func blockDevices(objects managedObjects) []BlockDevice {
	var out []BlockDevice
	for _, ifaces := range objects {
		block, ok := ifaces[udisksBlockInterface]
		if !ok {
			continue
		}
		if _, isPartition := ifaces[udisksPartInterface]; isPartition {
			continue
		}
		if boolProp(block, "HintIgnore") || boolProp(block, "HintSystem") || boolProp(block, "ReadOnly") {
			continue
		}
		if size, _ := block["Size"].Value().(uint64); size == 0 {
			continue
		}
		drive, _ := block["Drive"].Value().(dbus.ObjectPath)
		if drive == "" || drive == "/" {
			continue
		}

		device := byteString(block["PreferredDevice"])
		if device == "" {
			device = byteString(block["Device"])
		}
		if device == "" {
			continue
		}

		description, _ := block["IdLabel"].Value().(string)
		if description == "" {
			if d, ok := objects[drive][udisksDriveInterface]; ok {
				description, _ = d["Model"].Value().(string)
			}
		}
		out = append(out, BlockDevice{Device: device, Description: description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Device < out[j].Device })
	return out
}

func boolProp(props map[string]dbus.Variant, name string) bool {
	b, _ := props[name].Value().(bool)
	return b
}

// byteString decodes the NUL terminated byte arrays UDisks2 uses for paths
func byteString(v dbus.Variant) string {
	b, _ := v.Value().([]byte)
	return string(bytes.TrimRight(b, "\x00"))
}
