package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"tomato/internal/api"
	"tomato/internal/driverapi"
	"tomato/internal/ipc"
)

func newComponentCommand(ctx *commandContext) *cobra.Command {
	componentCmd := &cobra.Command{
		Use:     "component",
		Aliases: []string{"cmp"},
		Short:   "Inspect and control device components",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List components and their registration state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				cmps, err := client.ComponentList(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.yaml() {
					return writeYAML(cmd, api.ComponentListResponse{Components: cmps})
				}
				printComponents(cmd.OutOrStdout(), cmps)
				return nil
			})
		},
	}

	registerCmd := &cobra.Command{
		Use:   "register <component>",
		Short: "Retry registering a component with its driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.DaemonClient) error {
				if err := client.ComponentRegister(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Component %s registered\n", args[0])
				return nil
			})
		},
	}

	attrsCmd := &cobra.Command{
		Use:   "attrs <component>",
		Short: "Describe the attributes a component exposes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDriver(cmd.Context(), args[0], func(client *ipc.DriverClient) error {
				attrs, err := client.Attrs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if ctx.yaml() {
					return writeYAML(cmd, attrs)
				}
				printAttrs(cmd.OutOrStdout(), attrs)
				return nil
			})
		},
	}

	getCmd := &cobra.Command{
		Use:   "get <component> <attr>",
		Short: "Read an attribute from the device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDriver(cmd.Context(), args[0], func(client *ipc.DriverClient) error {
				value, err := client.GetAttr(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s.%s = %v\n", args[0], args[1], value)
				return nil
			})
		},
	}

	setCmd := &cobra.Command{
		Use:   "set <component> <attr> <value>",
		Short: "Write an attribute on the device",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withDriver(cmd.Context(), args[0], func(client *ipc.DriverClient) error {
				value, err := client.SetAttr(cmd.Context(), args[0], args[1], parseValue(args[2]))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s.%s = %v\n", args[0], args[1], value)
				return nil
			})
		},
	}

	componentCmd.AddCommand(listCmd, registerCmd, attrsCmd, getCmd, setCmd)
	return componentCmd
}

// withDriver resolves the driver endpoint serving component through the
// daemon and calls fn with a client for it.
func (c *commandContext) withDriver(ctx context.Context, component string, fn func(*ipc.DriverClient) error) error {
	var addr string
	err := c.withClient(func(client *ipc.DaemonClient) error {
		cmps, err := client.ComponentList(ctx)
		if err != nil {
			return err
		}
		idx := slices.IndexFunc(cmps, func(cmp api.Component) bool { return cmp.Name == component })
		if idx < 0 {
			return fmt.Errorf("unknown component %q", component)
		}
		addr = cmps[idx].DriverAddress
		if addr == "" {
			return fmt.Errorf("driver %s of component %s is not connected", cmps[idx].Driver, component)
		}
		return nil
	})
	if err != nil {
		return err
	}
	client := ipc.NewDriverClient(addr, c.timeout())
	defer client.Close()
	return fn(client)
}

func printComponents(w io.Writer, cmps []api.Component) {
	if len(cmps) == 0 {
		fmt.Fprintln(w, "No components configured")
		return
	}
	rows := make([][]string, 0, len(cmps))
	for _, c := range cmps {
		state := yesNo(c.Registered)
		if c.RegistrationError != "" {
			state = "no: " + c.RegistrationError
		}
		rows = append(rows, []string{c.Name, c.Driver, displayPath(c.Address), state, strings.Join(c.Capabilities, ",")})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Component", "Driver", "Address", "Registered", "Capabilities"},
		rows,
		nil,
	))
}

func printAttrs(w io.Writer, attrs map[string]driverapi.Attr) {
	names := make([]string, 0, len(attrs))
	for name := range attrs {
		names = append(names, name)
	}
	slices.Sort(names)
	rows := make([][]string, 0, len(names))
	for _, name := range names {
		a := attrs[name]
		access := "ro"
		if a.RW {
			access = "rw"
		}
		rows = append(rows, []string{name, string(a.Type), access, a.Units, attrRange(a)})
	}
	fmt.Fprintln(w, renderTable([]string{"Attr", "Type", "Access", "Units", "Range"}, rows, nil))
}

func attrRange(a driverapi.Attr) string {
	if len(a.Options) > 0 {
		opts := make([]string, len(a.Options))
		for i, o := range a.Options {
			opts[i] = fmt.Sprint(o)
		}
		return strings.Join(opts, "|")
	}
	if a.Minimum == nil && a.Maximum == nil {
		return ""
	}
	lo, hi := "", ""
	if a.Minimum != nil {
		lo = fmt.Sprint(*a.Minimum)
	}
	if a.Maximum != nil {
		hi = fmt.Sprint(*a.Maximum)
	}
	return lo + ".." + hi
}
