package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/service"
)

// errOperationFailed marks a run that completed with a declared failure
// status. The result has already been printed; main only maps it to a
// nonzero exit.
var errOperationFailed = errors.New("operation failed")

// emitResult prints one operation result, as indented JSON when requested
// or through the command's own text renderer otherwise, and routes declared
// failures to the nonzero exit path.
func (o *rootOptions) emitResult(cmd *cobra.Command, v any, base *service.Result, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if o.jsonOut {
		if err := writeJSON(w, v); err != nil {
			return err
		}
	} else {
		text(w)
		if base.Error != "" {
			fmt.Fprintf(w, "%s: %s\n", base.Status, base.Error)
		} else {
			fmt.Fprintln(w, base.Status)
		}
	}
	if !base.Success {
		return errOperationFailed
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
