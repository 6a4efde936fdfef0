package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/emulator"
)

func newServerCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the gateway emulator",
	}

	var (
		listen  string
		admin   string
		modules string
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Serve an emulated gateway and module population over TCP",
		Long:  "Loads the module list and answers bus traffic the way the hardware\ngateway would, write pacing included. Ctrl-C stops it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := config.LoadModuleList(modules)
			if err != nil {
				return err
			}

			srv, err := emulator.New(emulator.Options{
				ListenAddr: listen,
				AdminAddr:  admin,
				Modules:    list,
				Logger:     o.serveLogger(),
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
	start.Flags().StringVarP(&listen, "listen", "l", emulator.DefaultListenAddr,
		"bus TCP listen address")
	start.Flags().StringVar(&admin, "admin", "",
		"HTTP admin address with health, stats, storm and metrics (empty disables)")
	start.Flags().StringVarP(&modules, "modules", "m", "modules.yml",
		"module list file describing the emulated bus")

	cmd.AddCommand(start)
	return cmd
}
