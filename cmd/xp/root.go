package main

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/container"
)

// rootOptions carries the flags shared across the command tree.
type rootOptions struct {
	configPath string
	jsonOut    bool
	verbose    bool

	// timeout is the conbus rolling timeout in seconds; zero keeps the
	// configured value.
	timeout float64

	logger *log.Logger
}

func (o *rootOptions) container() (*container.Container, error) {
	return container.New(container.Options{
		ConfigPath: o.configPath,
		Timeout:    time.Duration(o.timeout * float64(time.Second)),
		Logger:     o.logger,
	})
}

// serveLogger returns the logger tuned for a foreground server: info level
// unless verbose already raised it.
func (o *rootOptions) serveLogger() *log.Logger {
	if !o.verbose {
		o.logger.SetLevel(log.InfoLevel)
	}
	return o.logger
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}

	root := &cobra.Command{
		Use:           "xp",
		Short:         "Conson XP bus toolkit",
		Long:          "Telegram codec tools, bus operations through a Conbus gateway,\nthe gateway emulator, the broadcast reverse proxy, and live monitors.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := log.WarnLevel
			if o.verbose {
				level = log.DebugLevel
			}
			o.logger = log.NewWithOptions(os.Stderr, log.Options{
				Level:           level,
				ReportTimestamp: true,
			})
		},
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&o.configPath, "config", "c", "", "client config path (default "+container.DefaultConfigPath+")")
	pf.BoolVar(&o.jsonOut, "json", false, "print structured JSON instead of text")
	pf.BoolVarP(&o.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newTelegramCmd(o),
		newModuleCmd(o),
		newChecksumCmd(o),
		newConbusCmd(o),
		newServerCmd(o),
		newProxyCmd(o),
		newTermCmd(o),
	)
	return root
}
