// Package container composes the client-side object graph: configuration,
// the root logger, and factories for the protocol engine and every
// operation service. The configuration and logger are singletons; the
// engine is not. A protocol scope is single-use, so each acquisition hands
// out a fresh engine wired to the configured bridge, and each service
// factory binds a fresh engine of its own.
package container

import (
	"time"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/service"
	"github.com/conbus/xp/internal/telegram"
)

// DefaultConfigPath is where the client configuration is looked for when no
// path is given.
const DefaultConfigPath = "config.yml"

// Options configures the container.
type Options struct {
	// ConfigPath locates the client YAML, DefaultConfigPath when empty. A
	// missing file yields defaults; a broken one is an error. Ignored when
	// Config is set.
	ConfigPath string

	// Config bypasses file loading entirely.
	Config *config.Config

	// Timeout overrides the configured rolling inactivity timeout when
	// positive.
	Timeout time.Duration

	Logger *log.Logger
}

// Container owns the singletons and hands out operation scopes.
type Container struct {
	cfg     *config.Config
	timeout time.Duration
	log     *log.Logger
}

// New loads the configuration and builds the container.
func New(opts Options) (*Container, error) {
	cfg := opts.Config
	if cfg == nil {
		path := opts.ConfigPath
		if path == "" {
			path = DefaultConfigPath
		}
		var err error
		cfg, err = config.Load(path)
		if err != nil {
			return nil, err
		}
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	timeout := cfg.Conbus.TimeoutDuration()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	return &Container{cfg: cfg, timeout: timeout, log: logger}, nil
}

// Config returns the loaded client configuration.
func (c *Container) Config() *config.Config { return c.cfg }

// Logger returns the root logger.
func (c *Container) Logger() *log.Logger { return c.log }

// Timeout returns the effective rolling inactivity timeout.
func (c *Container) Timeout() time.Duration { return c.timeout }

// Conn builds a fresh protocol engine bound to the configured bridge. An
// engine drives exactly one session; callers that outlive a session come
// back for another.
func (c *Container) Conn() *conbus.Conn {
	return conbus.NewConn(conbus.Options{
		Host:    c.cfg.Conbus.IP,
		Port:    c.cfg.Conbus.Port,
		Timeout: c.timeout,
		Logger:  c.log,
	})
}

// Service factories. Each one binds a fresh engine, so the returned service
// is ready to Run and owns its scope end to end.

func (c *Container) Discover() *service.DiscoverService {
	return service.NewDiscoverService(c.Conn(), c.log)
}

func (c *Container) Scan() *service.ScanService {
	return service.NewScanService(c.Conn(), c.log)
}

func (c *Container) Export(file string) *service.ExportService {
	return service.NewExportService(c.Conn(), c.log, file)
}

func (c *Container) ExportActionTables(file string) *service.ExportActionTablesService {
	return service.NewExportActionTablesService(c.Conn(), c.log, file)
}

func (c *Container) ReadDatapoint(serial string, dp telegram.DataPoint) *service.ReadDatapointService {
	return service.NewReadDatapointService(c.Conn(), c.log, serial, dp)
}

func (c *Container) ReadAllDatapoints(serial string) *service.ReadAllDatapointsService {
	return service.NewReadAllDatapointsService(c.Conn(), c.log, serial)
}

func (c *Container) WriteDatapoint(serial string, dp telegram.DataPoint, value string) *service.WriteDatapointService {
	return service.NewWriteDatapointService(c.Conn(), c.log, serial, dp, value)
}

func (c *Container) Blink(serial string, on bool) *service.BlinkService {
	return service.NewBlinkService(c.Conn(), c.log, serial, on)
}

func (c *Container) BlinkAll(on bool) *service.BlinkAllService {
	return service.NewBlinkAllService(c.Conn(), c.log, on)
}

func (c *Container) Output(serial string, action service.OutputAction, output int) *service.OutputService {
	return service.NewOutputService(c.Conn(), c.log, serial, action, output)
}

func (c *Container) Raw(input string) *service.RawService {
	return service.NewRawService(c.Conn(), c.log, input)
}

func (c *Container) Custom(serial string, fn telegram.Function, dp telegram.DataPoint, data string) *service.CustomService {
	return service.NewCustomService(c.Conn(), c.log, serial, fn, dp, data)
}

func (c *Container) DownloadActionTable(serial string, serializer telegram.ActionTableSerializer) *service.DownloadActionTableService {
	return service.NewDownloadActionTableService(c.Conn(), c.log, serial, serializer)
}

func (c *Container) UploadActionTable(serial string, table telegram.ActionTable, serializer telegram.ActionTableSerializer) *service.UploadActionTableService {
	return service.NewUploadActionTableService(c.Conn(), c.log, serial, table, serializer)
}

func (c *Container) MsActionTable(serial string) *service.MsActionTableService {
	return service.NewMsActionTableService(c.Conn(), c.log, serial)
}

func (c *Container) Receive(eventsOnly bool) *service.ReceiveService {
	return service.NewReceiveService(c.Conn(), c.log, eventsOnly)
}

func (c *Container) Event(moduleType, link, input int, kind telegram.EventKind) *service.EventService {
	return service.NewEventService(c.Conn(), c.log, moduleType, link, input, kind)
}
