package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/telegram"
)

// telegramView is the structured form of a decoded frame.
type telegramView struct {
	Type          string `json:"type"`
	Frame         string `json:"frame"`
	Checksum      string `json:"checksum"`
	ChecksumValid bool   `json:"checksum_valid"`

	SerialNumber string `json:"serial_number,omitempty"`
	Function     string `json:"function,omitempty"`
	FunctionCode string `json:"function_code,omitempty"`
	Datapoint    string `json:"datapoint,omitempty"`
	DatapointID  *int   `json:"datapoint_id,omitempty"`
	Data         string `json:"data,omitempty"`

	ModuleType     string `json:"module_type,omitempty"`
	ModuleTypeCode *int   `json:"module_type_code,omitempty"`
	LinkNumber     *int   `json:"link_number,omitempty"`
	InputNumber    *int   `json:"input_number,omitempty"`
	Event          string `json:"event,omitempty"`
}

func viewOf(tg telegram.Telegram) telegramView {
	v := telegramView{
		Type:          tg.Type.String(),
		Frame:         tg.FrameString(),
		Checksum:      tg.Checksum,
		ChecksumValid: tg.ChecksumValid,
	}
	switch {
	case tg.IsSystem() || tg.IsReply():
		v.SerialNumber = tg.SerialNumber
		v.Function = tg.Function.String()
		v.FunctionCode = tg.Function.Code()
		if tg.HasDatapoint {
			v.Datapoint = tg.Datapoint.String()
			id := int(tg.Datapoint)
			v.DatapointID = &id
		}
		v.Data = telegram.DecodeLatin1([]byte(tg.Data))
	case tg.IsEvent():
		code := tg.ModuleTypeCode
		link := tg.LinkNumber
		input := tg.InputNumber
		v.ModuleType = telegram.ModuleType(code).String()
		v.ModuleTypeCode = &code
		v.LinkNumber = &link
		v.InputNumber = &input
		v.Event = tg.EventKind.String()
	}
	return v
}

func newTelegramCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "telegram",
		Short: "Inspect wire frames",
	}
	cmd.AddCommand(newTelegramParseCmd(o))
	return cmd
}

func newTelegramParseCmd(o *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "parse <frame>",
		Short: "Decode one telegram frame",
		Long:  "Decodes a complete frame including the angle brackets,\ne.g. xp telegram parse '<S0000000000F01D00FA>'.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := telegram.EncodeLatin1(args[0])
			if err != nil {
				return err
			}
			tg, err := telegram.Parse(raw)
			if err != nil {
				return err
			}

			if o.jsonOut {
				return writeJSON(cmd.OutOrStdout(), viewOf(tg))
			}
			w := cmd.OutOrStdout()
			fmt.Fprintln(w, tg.String())
			fmt.Fprintf(w, "checksum %s valid=%t\n", tg.Checksum, tg.ChecksumValid)
			return nil
		},
	}
}
