package cmd

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/godbus/dbus/v5"

	"go.olrik.dev/steward/internal/contract"
)

// resolveInterface accepts a full interface name or its short form, e.g.
// TdpLimit1
func resolveInterface(name string) (contract.Interface, error) {
	if iface, ok := contract.Lookup(name); ok {
		return iface, nil
	}
	for _, iface := range contract.Catalog() {
		if strings.EqualFold(iface.Short(), name) {
			return iface, nil
		}
	}
	return contract.Interface{}, fmt.Errorf("unknown interface %q", name)
}

// resolveProperty finds a property of iface by name
func resolveProperty(iface contract.Interface, name string) (contract.Member, error) {
	m, ok := iface.Member(name)
	if !ok || m.Kind != contract.Property {
		return contract.Member{}, fmt.Errorf("%s has no property %q", iface.Short(), name)
	}
	return m, nil
}

// parseValue converts a command line argument to the D-Bus type typ
func parseValue(typ, s string) (dbus.Variant, error) {
	switch typ {
	case "s":
		return dbus.MakeVariant(s), nil
	case "b":
		b, err := strconv.ParseBool(s)
		if err != nil {
			return dbus.Variant{}, fmt.Errorf("%q is not a boolean", s)
		}
		return dbus.MakeVariant(b), nil
	case "u":
		n, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return dbus.Variant{}, fmt.Errorf("%q is not an unsigned 32-bit integer", s)
		}
		return dbus.MakeVariant(uint32(n)), nil
	case "i":
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return dbus.Variant{}, fmt.Errorf("%q is not a 32-bit integer", s)
		}
		return dbus.MakeVariant(int32(n)), nil
	case "t":
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return dbus.Variant{}, fmt.Errorf("%q is not an unsigned 64-bit integer", s)
		}
		return dbus.MakeVariant(n), nil
	case "x":
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return dbus.Variant{}, fmt.Errorf("%q is not a 64-bit integer", s)
		}
		return dbus.MakeVariant(n), nil
	case "d":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return dbus.Variant{}, fmt.Errorf("%q is not a number", s)
		}
		return dbus.MakeVariant(f), nil
	}
	return dbus.Variant{}, fmt.Errorf("values of type %s can not be given on the command line", typ)
}

// formatValue renders a property value for the terminal
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case dbus.Variant:
		return formatValue(val.Value())
	case string:
		return val
	case []string:
		return strings.Join(val, ", ")
	case []interface{}:
		parts := make([]string, len(val))
		for i, field := range val {
			parts[i] = formatValue(field)
		}
		return strings.Join(parts, " ")
	case map[string]dbus.Variant:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + formatValue(val[k])
		}
		return strings.Join(parts, " ")
	}
	return fmt.Sprint(v)
}
