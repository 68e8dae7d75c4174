package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func NewGetCommand(g *globals) *cobra.Command {
	getCmd := &cobra.Command{
		Use:   "get INTERFACE [PROPERTY]",
		Short: "Read one or all properties of an interface",
		Long: `Read properties from the User Service.

INTERFACE is a full interface name or its short form, e.g. TdpLimit1.
Without PROPERTY every readable property of the interface is printed.`,
		Args:              cobra.RangeArgs(1, 2),
		ValidArgsFunction: completeProperties(false),
		RunE: func(cmd *cobra.Command, args []string) error {
			iface, err := resolveInterface(args[0])
			if err != nil {
				return err
			}
			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			if len(args) == 2 {
				if _, err := resolveProperty(iface, args[1]); err != nil {
					return err
				}
				v, err := client.Get(ctx, iface.Name, args[1])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))
				return nil
			}

			props, err := client.GetAll(ctx, iface.Name)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, formatValue(props[name]))
			}
			return nil
		},
	}

	return getCmd
}

func NewSetCommand(g *globals) *cobra.Command {
	setCmd := &cobra.Command{
		Use:   "set INTERFACE PROPERTY VALUE",
		Short: "Write a property",
		Long: `Write a property through the User Service.

VALUE is parsed according to the property type. The value the hardware
accepted is printed afterwards.`,
		Args:              cobra.ExactArgs(3),
		ValidArgsFunction: completeProperties(true),
		RunE: func(cmd *cobra.Command, args []string) error {
			iface, err := resolveInterface(args[0])
			if err != nil {
				return err
			}
			m, err := resolveProperty(iface, args[1])
			if err != nil {
				return err
			}
			value, err := parseValue(m.Type, args[2])
			if err != nil {
				return err
			}

			client := g.client()
			defer client.Close()
			ctx, cancel := g.context(cmd)
			defer cancel()

			if err := client.Set(ctx, iface.Name, m.Name, value); err != nil {
				return err
			}
			v, err := client.Get(ctx, iface.Name, m.Name)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), formatValue(v))
			return nil
		},
	}

	return setCmd
}
