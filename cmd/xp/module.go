package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/telegram"
)

func newModuleCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "module",
		Short: "Module type registry",
	}
	cmd.AddCommand(newModuleInfoCmd(o))
	return cmd
}

func newModuleInfoCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <code|name>",
		Short: "Show one module type record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, ok := telegram.ResolveModuleType(args[0])
			if !ok {
				return fmt.Errorf("unknown module type %q", args[0])
			}

			if o.jsonOut {
				return writeJSON(cmd.OutOrStdout(), info)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "%s (code %d)\n", info.Name, int(info.Code))
			fmt.Fprintln(w, info.Description)
			fmt.Fprintf(w, "category %s, %d input(s), %d output(s)", info.Category, info.Inputs, info.Outputs)
			if info.Dimmable {
				fmt.Fprint(w, ", dimmable")
			}
			fmt.Fprintln(w)
			return nil
		},
	}
}
