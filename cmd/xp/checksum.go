package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/telegram"
)

func newChecksumCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checksum",
		Short: "Telegram checksum tools",
	}
	cmd.AddCommand(newChecksumCalculateCmd(o), newChecksumValidateCmd(o))
	return cmd
}

func newChecksumCalculateCmd(o *rootOptions) *cobra.Command {
	var crc bool
	cmd := &cobra.Command{
		Use:   "calculate <payload>",
		Short: "Compute the checksum of a bare payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := telegram.EncodeLatin1(args[0])
			if err != nil {
				return err
			}

			algorithm, sum := "xor_nibble", telegram.XORNibble(raw)
			if crc {
				algorithm, sum = "crc32_nibble", telegram.CRC32Nibble(raw)
			}

			if o.jsonOut {
				return writeJSON(cmd.OutOrStdout(), map[string]string{
					"payload":   args[0],
					"algorithm": algorithm,
					"checksum":  sum,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), sum)
			return nil
		},
	}
	cmd.Flags().BoolVar(&crc, "crc32", false, "use the CRC32 action-table checksum (8 letters)")
	return cmd
}

func newChecksumValidateCmd(o *rootOptions) *cobra.Command {
	var crc bool
	cmd := &cobra.Command{
		Use:   "validate <payload+checksum>",
		Short: "Check a payload against its trailing checksum",
		Long:  "Accepts either a full frame like '<S0000000000F01D00FA>'\nor the bare payload with its checksum appended.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := args[0]
			if strings.HasPrefix(s, "<") && strings.HasSuffix(s, ">") {
				s = s[1 : len(s)-1]
			}
			raw, err := telegram.EncodeLatin1(s)
			if err != nil {
				return err
			}

			sumLen := telegram.ChecksumLen
			if crc {
				sumLen = telegram.CRCChecksumLen
			}
			if len(raw) < sumLen+1 {
				return fmt.Errorf("input too short to carry a %d-letter checksum", sumLen)
			}
			payload, sum := raw[:len(raw)-sumLen], string(raw[len(raw)-sumLen:])

			var valid bool
			var computed string
			if crc {
				valid = telegram.VerifyCRC32Nibble(payload, sum)
				computed = telegram.CRC32Nibble(payload)
			} else {
				valid = telegram.VerifyChecksum(payload, sum)
				computed = telegram.XORNibble(payload)
			}

			if o.jsonOut {
				if err := writeJSON(cmd.OutOrStdout(), map[string]any{
					"payload":  telegram.DecodeLatin1(payload),
					"checksum": sum,
					"computed": computed,
					"valid":    valid,
				}); err != nil {
					return err
				}
			} else if valid {
				fmt.Fprintln(cmd.OutOrStdout(), "VALID")
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "INVALID (carried %s, computed %s)\n", sum, computed)
			}

			if !valid {
				return errOperationFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&crc, "crc32", false, "use the CRC32 action-table checksum (8 letters)")
	return cmd
}
