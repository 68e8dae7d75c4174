// Package contract is the static catalog of every interface the User Service
// has ever released, plus the privileged action table both daemons share.
//
// Nothing in here is computed at runtime. Which interfaces are actually
// published is decided by the feature registry, member presence is the only
// way clients learn whether something is supported.
package contract

import (
	"fmt"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	BusName         = "dev.olrik.Steward1"
	ObjectPath      = dbus.ObjectPath("/dev/olrik/Steward1")
	InterfacePrefix = "dev.olrik.Steward1."

	RootBusName    = "dev.olrik.Steward1.Root"
	RootObjectPath = dbus.ObjectPath("/dev/olrik/Steward1/Root")
	RootInterface  = "dev.olrik.Steward1.Root"

	// APIVersion is the newest released interface version
	APIVersion = 4
)

// Feature identifiers. Every interface belongs to exactly one.
const (
	FeatureManager             = "manager"
	FeatureTdpLimit            = "tdp_limit"
	FeatureGpuPerformanceLevel = "gpu_performance_level"
	FeatureGpuPowerProfile     = "gpu_power_profile"
	FeatureCpuScaling          = "cpu_scaling"
	FeatureBatteryChargeLimit  = "battery_charge_limit"
	FeatureStorage             = "storage"
	FeatureUpdateBios          = "update_bios"
	FeatureUpdateDock          = "update_dock"
	FeatureBluetooth           = "bluetooth"
	FeatureCpuBoost            = "cpu_boost"
	FeaturePerformanceProfile  = "performance_profile"
	FeatureFanControl          = "fan_control"
	FeatureFactoryReset        = "factory_reset"
)

// MemberKind distinguishes methods, properties and signals
type MemberKind int

const (
	Method MemberKind = iota
	Property
	Signal
)

func (k MemberKind) String() string {
	switch k {
	case Method:
		return "method"
	case Property:
		return "property"
	case Signal:
		return "signal"
	}
	return "unknown"
}

// Access of a property
type Access string

const (
	Read      Access = "read"
	ReadWrite Access = "readwrite"
)

// Arg is a named, typed method or signal argument
type Arg struct {
	Name string
	Type string
}

// Member is one method, property or signal
type Member struct {
	Name   string
	Kind   MemberKind
	In     []Arg  // method input, signal arguments
	Out    []Arg  // method output
	Type   string // property type
	Access Access // property access
	Since  int    // first released version
}

// Signature is the canonical form used by the version manifests. Argument
// names are not part of it since they are not part of the wire format.
func (m Member) Signature() string {
	switch m.Kind {
	case Method:
		return strings.TrimSpace(fmt.Sprintf("method %s(%s) %s", m.Name, joinTypes(m.In), joinTypes(m.Out)))
	case Property:
		return fmt.Sprintf("property %s %s %s", m.Name, m.Type, m.Access)
	case Signal:
		return fmt.Sprintf("signal %s(%s)", m.Name, joinTypes(m.In))
	}
	return m.Name
}

func joinTypes(args []Arg) string {
	var b strings.Builder
	for _, a := range args {
		b.WriteString(a.Type)
	}
	return b.String()
}

// Interface is a published D-Bus interface gated by a single feature
type Interface struct {
	Name    string
	Feature string
	Since   int
	Members []Member
}

// Member looks up a member by name
func (i Interface) Member(name string) (Member, bool) {
	for _, m := range i.Members {
		if m.Name == name {
			return m, true
		}
	}
	return Member{}, false
}

// MembersOf returns the members of the given kind, in catalog order
func (i Interface) MembersOf(kind MemberKind) []Member {
	var out []Member
	for _, m := range i.Members {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

// Short returns the interface name without the bus prefix
func (i Interface) Short() string {
	return strings.TrimPrefix(i.Name, InterfacePrefix)
}

func method(name string, since int, in, out []Arg) Member {
	return Member{Name: name, Kind: Method, In: in, Out: out, Since: since}
}

func property(name, typ string, access Access, since int) Member {
	return Member{Name: name, Kind: Property, Type: typ, Access: access, Since: since}
}

func signal(name string, since int, args ...Arg) Member {
	return Member{Name: name, Kind: Signal, In: args, Since: since}
}

func args(pairs ...string) []Arg {
	out := make([]Arg, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, Arg{Name: pairs[i], Type: pairs[i+1]})
	}
	return out
}

// Interface names
const (
	ManagerInterface             = InterfacePrefix + "Manager"
	JobManagerInterface          = InterfacePrefix + "JobManager1"
	TdpLimitInterface            = InterfacePrefix + "TdpLimit1"
	GpuPerformanceLevelInterface = InterfacePrefix + "GpuPerformanceLevel1"
	GpuPowerProfileInterface     = InterfacePrefix + "GpuPowerProfile1"
	CpuScalingInterface          = InterfacePrefix + "CpuScaling1"
	BatteryChargeLimitInterface  = InterfacePrefix + "BatteryChargeLimit1"
	StorageInterface             = InterfacePrefix + "Storage1"
	UpdateBiosInterface          = InterfacePrefix + "UpdateBios1"
	UpdateDockInterface          = InterfacePrefix + "UpdateDock1"
	BluetoothInterface           = InterfacePrefix + "Bluetooth1"
	CpuBoostInterface            = InterfacePrefix + "CpuBoost1"
	PerformanceProfileInterface  = InterfacePrefix + "PerformanceProfile1"
	FanControlInterface          = InterfacePrefix + "FanControl1"
	FactoryResetInterface        = InterfacePrefix + "FactoryReset1"
)

var catalog = []Interface{
	{
		Name: ManagerInterface, Feature: FeatureManager, Since: 1,
		Members: []Member{
			property("Version", "u", Read, 1),
			property("DeviceModel", "(ss)", Read, 1),
			property("DaemonVersion", "s", Read, 2),
			method("ReloadConfig", 2, nil, nil),
		},
	},
	{
		Name: JobManagerInterface, Feature: FeatureManager, Since: 1,
		Members: []Member{
			method("GetOperation", 1, args("id", "s"), args("kind", "s", "state", "u", "progress", "u", "error", "s")),
			method("CancelOperation", 1, args("id", "s"), nil),
			method("ListOperations", 1, nil, args("ids", "as")),
			signal("OperationChanged", 1, Arg{"id", "s"}, Arg{"state", "u"}, Arg{"progress", "u"}),
			method("GetOperationDetails", 3, args("id", "s"), args("details", "a{sv}")),
		},
	},
	{
		Name: TdpLimitInterface, Feature: FeatureTdpLimit, Since: 1,
		Members: []Member{
			property("TdpLimit", "u", ReadWrite, 1),
			property("TdpLimitMin", "u", Read, 1),
			property("TdpLimitMax", "u", Read, 1),
		},
	},
	{
		Name: GpuPerformanceLevelInterface, Feature: FeatureGpuPerformanceLevel, Since: 1,
		Members: []Member{
			property("AvailableGpuPerformanceLevels", "as", Read, 1),
			property("GpuPerformanceLevel", "s", ReadWrite, 1),
			property("ManualGpuClock", "u", ReadWrite, 1),
			property("ManualGpuClockMin", "u", Read, 1),
			property("ManualGpuClockMax", "u", Read, 1),
		},
	},
	{
		Name: CpuScalingInterface, Feature: FeatureCpuScaling, Since: 1,
		Members: []Member{
			property("AvailableCpuScalingGovernors", "as", Read, 1),
			property("CpuScalingGovernor", "s", ReadWrite, 1),
		},
	},
	{
		Name: StorageInterface, Feature: FeatureStorage, Since: 1,
		Members: []Member{
			method("FormatDevice", 1, args("device", "s", "label", "s", "validate", "b"), args("id", "s")),
			method("TrimDevices", 1, nil, args("id", "s")),
			method("ListDevices", 2, nil, args("devices", "a(ss)")),
			method("FormatDeviceWithOptions", 3, args("device", "s", "options", "a{sv}"), args("id", "s")),
		},
	},
	{
		Name: UpdateBiosInterface, Feature: FeatureUpdateBios, Since: 1,
		Members: []Member{
			method("UpdateBios", 1, nil, args("id", "s")),
		},
	},
	{
		Name: GpuPowerProfileInterface, Feature: FeatureGpuPowerProfile, Since: 2,
		Members: []Member{
			property("AvailableGpuPowerProfiles", "as", Read, 2),
			property("GpuPowerProfile", "s", ReadWrite, 2),
		},
	},
	{
		Name: BatteryChargeLimitInterface, Feature: FeatureBatteryChargeLimit, Since: 2,
		Members: []Member{
			property("MaxChargeLevel", "i", ReadWrite, 2),
			property("SuggestedMinimumLimit", "i", Read, 2),
		},
	},
	{
		Name: UpdateDockInterface, Feature: FeatureUpdateDock, Since: 2,
		Members: []Member{
			method("UpdateDock", 2, nil, args("id", "s")),
		},
	},
	{
		Name: BluetoothInterface, Feature: FeatureBluetooth, Since: 3,
		Members: []Member{
			property("Powered", "b", ReadWrite, 3),
			property("AdapterAddress", "s", Read, 3),
		},
	},
	{
		Name: CpuBoostInterface, Feature: FeatureCpuBoost, Since: 4,
		Members: []Member{
			property("CpuBoostState", "u", ReadWrite, 4),
		},
	},
	{
		Name: PerformanceProfileInterface, Feature: FeaturePerformanceProfile, Since: 4,
		Members: []Member{
			property("AvailablePerformanceProfiles", "as", Read, 4),
			property("PerformanceProfile", "s", ReadWrite, 4),
			property("SuggestedDefaultPerformanceProfile", "s", Read, 4),
		},
	},
	{
		Name: FanControlInterface, Feature: FeatureFanControl, Since: 4,
		Members: []Member{
			property("FanControlState", "u", ReadWrite, 4),
		},
	},
	{
		Name: FactoryResetInterface, Feature: FeatureFactoryReset, Since: 4,
		Members: []Member{
			method("PrepareFactoryReset", 4, args("kind", "u"), args("id", "s")),
		},
	},
}

// Catalog returns every interface ever released, in declaration order
func Catalog() []Interface {
	out := make([]Interface, len(catalog))
	copy(out, catalog)
	return out
}

// Lookup finds an interface by its full name
func Lookup(name string) (Interface, bool) {
	for _, iface := range catalog {
		if iface.Name == name {
			return iface, true
		}
	}
	return Interface{}, false
}

// Features returns the distinct feature identifiers used by the catalog
func Features() []string {
	seen := make(map[string]bool)
	var out []string
	for _, iface := range catalog {
		if !seen[iface.Feature] {
			seen[iface.Feature] = true
			out = append(out, iface.Feature)
		}
	}
	return out
}

// InterfacesOf returns the interfaces gated by feature
func InterfacesOf(feature string) []Interface {
	var out []Interface
	for _, iface := range catalog {
		if iface.Feature == feature {
			out = append(out, iface)
		}
	}
	return out
}
