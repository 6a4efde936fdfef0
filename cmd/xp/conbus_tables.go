package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/telegram"
)

func newExportCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export bus state to a module list file",
	}

	var deviceFile string
	device := &cobra.Command{
		Use:   "device",
		Short: "Export every module's identity datapoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.Export(deviceFile).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				printRecords(w, res.Devices, res.File)
			})
		},
	}
	device.Flags().StringVarP(&deviceFile, "file", "f", "modules.yml",
		"module list file to write (empty prints only)")

	var tablesFile string
	tables := &cobra.Command{
		Use:   "actiontable",
		Short: "Export every module's identity plus its action table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.ExportActionTables(tablesFile).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				printRecords(w, res.Devices, res.File)
			})
		},
	}
	tables.Flags().StringVarP(&tablesFile, "file", "f", "modules.yml",
		"module list file to write (empty prints only)")

	cmd.AddCommand(device, tables)
	return cmd
}

func printRecords(w io.Writer, records []config.ModuleRecord, file string) {
	for _, rec := range records {
		line := rec.SerialNumber
		if rec.ModuleType != "" {
			line += " " + rec.ModuleType
		}
		if rec.LinkNumber != nil {
			line += fmt.Sprintf(" link %d", *rec.LinkNumber)
		}
		if n := len(rec.ActionTable); n > 0 {
			line += fmt.Sprintf(" (%d action rows)", n)
		}
		fmt.Fprintln(w, line)
	}
	if file != "" {
		fmt.Fprintf(w, "%d device(s) written to %s\n", len(records), file)
	} else {
		fmt.Fprintf(w, "%d device(s)\n", len(records))
	}
}

// resolveSerializer maps a format flag onto a row codec. "standard" is the
// portable decimal form; the module names select the native nibble layouts.
func resolveSerializer(format string) (telegram.ActionTableSerializer, error) {
	switch strings.ToLower(format) {
	case "", "standard":
		return telegram.StandardSerializer{}, nil
	case "xp20", "xp24", "xp33":
		return telegram.SerializerForModuleName(strings.ToUpper(format))
	}
	return nil, fmt.Errorf("unknown table format %q (want auto, standard, xp20, xp24 or xp33)", format)
}

func newActionTableCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "actiontable",
		Short: "Transfer module action tables",
	}

	var (
		dlFormat string
		dlFile   string
	)
	download := &cobra.Command{
		Use:   "download <serial>",
		Short: "Read a module's action table row by row",
		Long:  "Reads the table in the portable decimal format, or in the module's\nnative row format with --format auto, which asks the module what it is\nfirst and falls back to the portable format for unknown types.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ct, err := o.container()
			if err != nil {
				return err
			}

			var (
				rows []string
				crc  string
			)
			if strings.EqualFold(dlFormat, "auto") {
				res, err := ct.MsActionTable(args[0]).Run()
				if err != nil {
					return err
				}
				rows, crc = res.Rows, res.CRC
				if err := saveRows(dlFile, rows); err != nil {
					return err
				}
				return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
					printRows(w, rows, crc, dlFile)
				})
			}

			ser, err := resolveSerializer(dlFormat)
			if err != nil {
				return err
			}
			res, err := ct.DownloadActionTable(args[0], ser).Run()
			if err != nil {
				return err
			}
			rows, crc = res.Rows, res.CRC
			if err := saveRows(dlFile, rows); err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				printRows(w, rows, crc, dlFile)
			})
		},
	}
	download.Flags().StringVar(&dlFormat, "format", "auto",
		"row format: auto, standard, xp20, xp24 or xp33")
	download.Flags().StringVarP(&dlFile, "file", "f", "",
		"also write the rows to this file, one line per row")

	var (
		upFormat string
		upFile   string
	)
	upload := &cobra.Command{
		Use:   "upload <serial>",
		Short: "Write an action table from a file to a module",
		Long:  "Reads one short action line per row, for example \"XP20 1 2 > 3 ON\".\nBlank lines and lines starting with # are skipped. The module commits\nthe table when the terminator row is acknowledged.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadTable(upFile)
			if err != nil {
				return err
			}
			ser, err := resolveSerializer(upFormat)
			if err != nil {
				return err
			}

			ct, err := o.container()
			if err != nil {
				return err
			}
			res, err := ct.UploadActionTable(args[0], table, ser).Run()
			if err != nil {
				return err
			}
			return o.emitResult(cmd, res, &res.Result, func(w io.Writer) {
				fmt.Fprintf(w, "%d row(s), %d acknowledged\n", res.Rows, res.Acked)
			})
		},
	}
	upload.Flags().StringVar(&upFormat, "format", "standard",
		"row format: standard, xp20, xp24 or xp33")
	upload.Flags().StringVarP(&upFile, "file", "f", "",
		"text file with one short action line per row")
	_ = upload.MarkFlagRequired("file")

	cmd.AddCommand(download, upload)
	return cmd
}

func printRows(w io.Writer, rows []string, crc, file string) {
	for _, row := range rows {
		fmt.Fprintln(w, row)
	}
	if crc != "" {
		fmt.Fprintf(w, "crc %s\n", crc)
	}
	if file != "" {
		fmt.Fprintf(w, "%d row(s) written to %s\n", len(rows), file)
	}
}

func saveRows(file string, rows []string) error {
	if file == "" {
		return nil
	}
	data := strings.Join(rows, "\n")
	if data != "" {
		data += "\n"
	}
	return os.WriteFile(file, []byte(data), 0o644)
}

func loadTable(file string) (telegram.ActionTable, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	table, err := telegram.ParseActionTable(lines)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}
	if len(table) == 0 {
		return nil, fmt.Errorf("%s: no action rows", file)
	}
	return table, nil
}
