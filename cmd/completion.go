package cmd

import (
	"strings"

	"github.com/spf13/cobra"

	"go.olrik.dev/steward/internal/contract"
)

// interfaceNames lists the short names of every catalog interface that has
// properties
func interfaceNames(prefix string) []string {
	var names []string
	for _, iface := range contract.Catalog() {
		if len(iface.MembersOf(contract.Property)) == 0 {
			continue
		}
		if strings.HasPrefix(strings.ToLower(iface.Short()), strings.ToLower(prefix)) {
			names = append(names, iface.Short())
		}
	}
	return names
}

// propertyNames lists the properties of iface, only writable ones when
// writable is set
func propertyNames(iface contract.Interface, writable bool, prefix string) []string {
	var names []string
	for _, m := range iface.MembersOf(contract.Property) {
		if writable && m.Access != contract.ReadWrite {
			continue
		}
		if strings.HasPrefix(m.Name, prefix) {
			names = append(names, m.Name)
		}
	}
	return names
}

// completeProperties completes INTERFACE and PROPERTY from the catalog. It
// does not ask the daemon, completion must not block on the bus.
func completeProperties(writable bool) func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
	return func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		switch len(args) {
		case 0:
			return interfaceNames(toComplete), cobra.ShellCompDirectiveNoFileComp
		case 1:
			iface, err := resolveInterface(args[0])
			if err != nil {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			return propertyNames(iface, writable, toComplete), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	}
}
