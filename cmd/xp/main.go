// Command xp is the Conson XP toolkit: telegram inspection, bus operations
// through a gateway, the gateway emulator, the broadcast reverse proxy, and
// live monitors.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

func main() {
	// A .env beside the invocation can carry the XP_CONBUS_* overrides.
	_ = godotenv.Load()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		if !errors.Is(err, errOperationFailed) {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		os.Exit(1)
	}
}
