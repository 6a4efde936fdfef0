package main

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/service"
	"github.com/conbus/xp/internal/telegram"
)

func newConbusCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conbus",
		Short: "Run operations against the bus",
		Long:  "Connects to the configured Conbus gateway and runs one operation.\nThe gateway address comes from the client config and the XP_CONBUS_*\nenvironment overrides.",
	}
	cmd.PersistentFlags().Float64VarP(&o.timeout, "timeout", "t", 0,
		"rolling inactivity timeout in seconds (0 uses the configured value)")

	cmd.AddCommand(
		newDiscoverCmd(o),
		newScanCmd(o),
		newRawCmd(o),
		newReceiveCmd(o),
		newEventCmd(o),
		newDatapointCmd(o),
		newBlinkCmd(o, true),
		newBlinkCmd(o, false),
		newOutputCmd(o),
		newCustomCmd(o),
		newExportCmd(o),
		newActionTableCmd(o),
	)
	return cmd
}

// resolveDatapoint accepts a numeric id or a registry name.
func resolveDatapoint(s string) (telegram.DataPoint, error) {
	if n, err := strconv.Atoi(s); err == nil {
		dp := telegram.DataPoint(n)
		if _, ok := telegram.LookupDatapoint(dp); !ok {
			return 0, fmt.Errorf("unknown datapoint id %d", n)
		}
		return dp, nil
	}
	if d, ok := telegram.DatapointByName(s); ok {
		return d.ID, nil
	}
	return 0, fmt.Errorf("unknown datapoint %q", s)
}

func resolveEventKind(s string) (telegram.EventKind, error) {
	switch strings.ToUpper(s) {
	case "M", "MAKE":
		return telegram.Make, nil
	case "B", "BREAK":
		return telegram.Break, nil
	}
	return 0, fmt.Errorf("event kind %q is not make or break", s)
}

func newDiscoverCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "List every module on the bus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Discover().Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				for _, s := range res.Devices {
					fmt.Fprintln(w, s)
				}
				fmt.Fprintf(w, "%d device(s)\n", len(res.Devices))
			})
		},
	}
}

func newScanCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Inventory the bus with type and link per module",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Scan().Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				for _, d := range res.Devices {
					line := d.SerialNumber
					if d.ModuleType != "" {
						line += " " + d.ModuleType
					}
					if d.LinkNumber != nil {
						line += fmt.Sprintf(" link %d", *d.LinkNumber)
					}
					fmt.Fprintln(w, line)
				}
				fmt.Fprintf(w, "%d device(s)\n", len(res.Devices))
			})
		},
	}
}

func newRawCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "raw <frames>",
		Short: "Send raw frames and collect whatever comes back",
		Long:  "Extracts every <...> group from the input. A group that already ends\nin its correct checksum goes out byte for byte; anything else is\nre-framed with a fresh checksum.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Raw(strings.Join(args, " ")).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				for _, f := range res.Frames {
					fmt.Fprintln(w, "sent", f)
				}
				for _, f := range res.Received {
					fmt.Fprintln(w, "recv", f)
				}
			})
		},
	}
}

func newReceiveCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "receive",
		Short: "Listen and print every frame until the bus goes quiet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Receive(false).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				for _, f := range res.Frames {
					fmt.Fprintln(w, f)
				}
				fmt.Fprintf(w, "%d frame(s)\n", len(res.Frames))
			})
		},
	}
}

func newEventCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Inject or collect event telegrams",
	}

	raw := &cobra.Command{
		Use:   "raw <module_type_code> <link> <input> <make|break>",
		Short: "Inject one press or release event",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			var nums [3]int
			for i := 0; i < 3; i++ {
				n, err := strconv.Atoi(args[i])
				if err != nil {
					return fmt.Errorf("argument %q is not a number", args[i])
				}
				nums[i] = n
			}
			kind, err := resolveEventKind(args[3])
			if err != nil {
				return err
			}

			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Event(nums[0], nums[1], nums[2], kind).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				fmt.Fprintln(w, res.Frame)
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "Listen and print event telegrams only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Receive(true).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				for _, f := range res.Frames {
					fmt.Fprintln(w, f)
				}
				fmt.Fprintf(w, "%d event(s)\n", len(res.Frames))
			})
		},
	}

	cmd.AddCommand(raw, list)
	return cmd
}

func newDatapointCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "datapoint",
		Short: "Read and write module datapoints",
	}

	read := &cobra.Command{
		Use:   "read <serial> <datapoint>",
		Short: "Read one datapoint",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			dp, err := resolveDatapoint(args[1])
			if err != nil {
				return err
			}
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.ReadDatapoint(args[0], dp).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				if res.Reading != nil {
					printReading(w, *res.Reading)
				}
			})
		},
	}

	readall := &cobra.Command{
		Use:   "readall <serial>",
		Short: "Read every registered datapoint of one module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.ReadAllDatapoints(args[0]).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				for _, r := range res.Readings {
					printReading(w, r)
				}
			})
		},
	}

	write := &cobra.Command{
		Use:   "write <serial> <datapoint> <value>",
		Short: "Write one configuration datapoint",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			dp, err := resolveDatapoint(args[1])
			if err != nil {
				return err
			}
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.WriteDatapoint(args[0], dp, args[2]).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				if res.Acked {
					fmt.Fprintln(w, "acknowledged")
				}
			})
		},
	}

	cmd.AddCommand(read, readall, write)
	return cmd
}

func printReading(w io.Writer, r service.DatapointReading) {
	line := fmt.Sprintf("%s %s", r.Datapoint.Code(), r.Name)
	if r.Raw != "" {
		line += " = " + r.Raw
	} else {
		line += " = (empty)"
	}
	if r.Unit != "" {
		line += " " + r.Unit
	}
	fmt.Fprintln(w, line)
}

// newBlinkCmd builds blink and unblink, which differ only in the flag they
// drive. The literal serial "all" sweeps the bus.
func newBlinkCmd(o *rootOptions, on bool) *cobra.Command {
	use, short := "blink", "Blink a module's identification LED"
	if !on {
		use, short = "unblink", "Stop a module's identification LED"
	}
	return &cobra.Command{
		Use:   use + " <serial|all>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}

			if strings.EqualFold(args[0], "all") {
				res, err := ct.BlinkAll(on).Run()
				if err != nil {
					return err
				}
				return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
					fmt.Fprintf(w, "%d device(s), %d acknowledged\n", len(res.Devices), len(res.Acked))
				})
			}

			res, err := ct.Blink(args[0], on).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				if res.Acked {
					fmt.Fprintln(w, "acknowledged")
				}
			})
		},
	}
}

func newOutputCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "output <serial> <status|on|off|toggle> [output]",
		Short: "Read or switch a module's output channels",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			action, err := service.ParseOutputAction(args[1])
			if err != nil {
				return err
			}

			output := 0
			if action != service.OutputStatus {
				if len(args) < 3 {
					return errors.New("output number required for on, off, and toggle")
				}
				output, err = strconv.Atoi(args[2])
				if err != nil {
					return fmt.Errorf("output %q is not a number", args[2])
				}
			}

			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Output(args[0], action, output).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				for i, on := range res.States {
					state := "OFF"
					if on {
						state = "ON"
					}
					fmt.Fprintf(w, "output %02d %s\n", i, state)
				}
				if res.Acked {
					fmt.Fprintln(w, "acknowledged")
				}
			})
		},
	}
}

func newCustomCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "custom <serial> <function> <datapoint> [data]",
		Short: "Send one telegram and collect the replies",
		Long:  "Builds a system telegram from the given function and datapoint and\ncollects every matching reply until the bus goes quiet. The broadcast\nserial 0000000000 matches replies from any module.",
		Args:  cobra.RangeArgs(3, 4),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := args[1]
			if len(code) == 1 {
				code = "0" + code
			}
			fn, err := telegram.ParseFunction(code)
			if err != nil {
				return err
			}
			dp, err := resolveDatapoint(args[2])
			if err != nil {
				return err
			}
			data := ""
			if len(args) == 4 {
				raw, err := telegram.EncodeLatin1(args[3])
				if err != nil {
					return err
				}
				data = string(raw)
			}

			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Custom(args[0], fn, dp, data).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				for _, f := range res.Replies {
					fmt.Fprintln(w, f)
				}
				fmt.Fprintf(w, "%d reply(ies)\n", len(res.Replies))
			})
		},
	}
}
