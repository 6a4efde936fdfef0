package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/proxy"
)

func newProxyCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the tracing reverse proxy",
	}

	var (
		listen   string
		upstream string
		admin    string
	)
	start := &cobra.Command{
		Use:   "start",
		Short: "Relay bus traffic to an upstream gateway and trace every frame",
		Long:  "Accepts bus clients, opens one upstream connection per client and\nrelays bytes unmodified both ways. Complete frames are timestamped on\nthe console and mirrored to the websocket observers on the admin\naddress. Ctrl-C stops it.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, err := proxy.New(proxy.Options{
				ListenAddr: listen,
				Upstream:   upstream,
				AdminAddr:  admin,
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
	start.Flags().StringVarP(&listen, "listen", "l", proxy.DefaultListenAddr,
		"bus TCP listen address")
	start.Flags().StringVarP(&upstream, "upstream", "u", "",
		"gateway address to relay to, host:port")
	start.Flags().StringVar(&admin, "admin", "",
		"HTTP admin address with the /ws observer feed (empty disables)")
	_ = start.MarkFlagRequired("upstream")

	cmd.AddCommand(start)
	return cmd
}
