package contract

import (
	"sort"
	"testing"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.olrik.dev/steward/internal/fault"
)

func TestReleasedVersionsAreContiguous(t *testing.T) {
	versions, err := ReleasedVersions()
	require.NoError(t, err)
	require.NotEmpty(t, versions)

	for i, v := range versions {
		assert.Equal(t, i+1, v, "manifest versions must start at 1 without gaps")
	}
	assert.Equal(t, APIVersion, versions[len(versions)-1], "APIVersion must match the newest manifest")
}

func TestManifestsAreAdditiveOnly(t *testing.T) {
	versions, err := ReleasedVersions()
	require.NoError(t, err)

	for i := 0; i+1 < len(versions); i++ {
		older, err := LoadManifest(versions[i])
		require.NoError(t, err)
		for _, later := range versions[i+1:] {
			newer, err := LoadManifest(later)
			require.NoError(t, err)
			assert.Empty(t, older.Missing(newer), "v%d members removed or re-signatured in v%d", older.Version, newer.Version)
		}
	}
}

func TestCatalogReproducesEveryRelease(t *testing.T) {
	versions, err := ReleasedVersions()
	require.NoError(t, err)

	for _, v := range versions {
		released, err := LoadManifest(v)
		require.NoError(t, err)
		live := CatalogManifest(v)

		// Exact equality in both directions: the catalog may not drop or
		// change a released member, nor backdate a new one.
		assert.Empty(t, released.Missing(live), "catalog lost members of v%d", v)
		assert.Empty(t, live.Missing(released), "catalog claims unreleased members for v%d", v)
	}
}

func TestCatalogMembersSinceWithinReleases(t *testing.T) {
	for _, iface := range Catalog() {
		for _, m := range iface.Members {
			assert.GreaterOrEqual(t, m.Since, iface.Since, "%s.%s predates its interface", iface.Name, m.Name)
			assert.LessOrEqual(t, m.Since, APIVersion, "%s.%s is newer than APIVersion", iface.Name, m.Name)
		}
	}
}

func TestNodeOnlyContainsEnabledFeatures(t *testing.T) {
	enabled := map[string]bool{FeatureManager: true, FeatureTdpLimit: true}
	node := Node(func(f string) bool { return enabled[f] })

	var names []string
	for _, iface := range node.Interfaces {
		names = append(names, iface.Name)
	}
	sort.Strings(names)

	assert.Contains(t, names, TdpLimitInterface)
	assert.Contains(t, names, ManagerInterface)
	assert.Contains(t, names, JobManagerInterface)
	assert.Contains(t, names, "org.freedesktop.DBus.Introspectable")
	assert.Contains(t, names, "org.freedesktop.DBus.Properties")
	assert.NotContains(t, names, GpuPerformanceLevelInterface)
	assert.NotContains(t, names, StorageInterface)
}

func TestNodeRendersMembers(t *testing.T) {
	node := Node(func(f string) bool { return f == FeatureStorage })

	var storage *struct{ methods map[string]int }
	for _, iface := range node.Interfaces {
		if iface.Name != StorageInterface {
			continue
		}
		storage = &struct{ methods map[string]int }{methods: map[string]int{}}
		for _, m := range iface.Methods {
			storage.methods[m.Name] = len(m.Args)
		}
	}
	require.NotNil(t, storage)
	assert.Equal(t, 4, storage.methods["FormatDevice"], "three in args plus the operation id")
	assert.Equal(t, 1, storage.methods["TrimDevices"])
}

func TestEveryActionBelongsToACatalogFeature(t *testing.T) {
	features := make(map[string]bool)
	for _, f := range Features() {
		features[f] = true
	}
	for _, name := range Actions() {
		a, ok := LookupAction(name)
		require.True(t, ok)
		assert.True(t, features[a.Feature], "action %s uses unknown feature %s", name, a.Feature)
		if a.Cancellable {
			assert.True(t, a.Async, "only operations can be cancelled: %s", name)
		}
	}
}

func TestActionDecode(t *testing.T) {
	format, ok := LookupAction(ActionFormatDevice)
	require.True(t, ok)

	args, err := format.Decode(map[string]dbus.Variant{
		"device": dbus.MakeVariant("/dev/mmcblk0"),
		"label":  dbus.MakeVariant("games"),
	})
	require.NoError(t, err)
	assert.Equal(t, "/dev/mmcblk0", args["device"])
	assert.Equal(t, "block:/dev/mmcblk0", format.ResourceFor(args))

	_, err = format.Decode(map[string]dbus.Variant{"label": dbus.MakeVariant("games")})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument, "missing device")

	_, err = format.Decode(map[string]dbus.Variant{"device": dbus.MakeVariant(uint32(3))})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument, "wrong type")

	_, err = format.Decode(map[string]dbus.Variant{
		"device":     dbus.MakeVariant("/dev/mmcblk0"),
		"authorized": dbus.MakeVariant(true),
	})
	assert.ErrorIs(t, err, fault.ErrInvalidArgument, "claims outside the schema are rejected")
}

func TestMemberSignature(t *testing.T) {
	iface, ok := Lookup(JobManagerInterface)
	require.True(t, ok)

	m, ok := iface.Member("GetOperation")
	require.True(t, ok)
	assert.Equal(t, "method GetOperation(s) suus", m.Signature())

	m, ok = iface.Member("CancelOperation")
	require.True(t, ok)
	assert.Equal(t, "method CancelOperation(s)", m.Signature())

	m, ok = iface.Member("OperationChanged")
	require.True(t, ok)
	assert.Equal(t, "signal OperationChanged(suu)", m.Signature())
}
