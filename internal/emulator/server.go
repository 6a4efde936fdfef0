// Package emulator implements a Conson bus gateway in software: a TCP
// server fronting a table of emulated modules. Every frame a module emits
// goes to every connected client, the way the shared bus behaves behind a
// real gateway.
package emulator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conbus/xp/internal/broadcast"
	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/ringbuf"
	"github.com/conbus/xp/internal/telegram"
)

const (
	// DefaultListenAddr is where the emulated gateway accepts bus clients.
	DefaultListenAddr = ":10001"

	// Gateways pace their writes; replies to one client arrive spread out
	// rather than back to back.
	DefaultWriteDelayMin = 1 * time.Millisecond
	DefaultWriteDelayMax = 5 * time.Millisecond

	// DefaultStormCount is how many copies of its last reply a module in
	// storm mode pushes per inbound frame.
	DefaultStormCount = 200

	// DefaultStormInterval spaces the frames of one storm burst.
	DefaultStormInterval = 1 * time.Millisecond

	readBufferSize = 4096

	// frameHistoryCap is how many recent bus frames the admin surface
	// retains.
	frameHistoryCap = 100
)

// busFrame is one retained frame in the admin history. Direction is "in"
// for client traffic and "out" for gateway traffic.
type busFrame struct {
	At        string `json:"at"`
	Direction string `json:"direction"`
	Frame     string `json:"frame"`
}

// Options configures the emulator.
type Options struct {
	// ListenAddr is the bus TCP address, DefaultListenAddr when empty.
	ListenAddr string

	// AdminAddr enables the HTTP admin surface when non-empty.
	AdminAddr string

	// Modules describes the emulated bus population.
	Modules *config.ModuleList

	// QueueCap bounds each client's outbound buffer. Clients that fall
	// this far behind are disconnected.
	QueueCap int

	WriteDelayMin time.Duration
	WriteDelayMax time.Duration
	StormCount    int
	StormInterval time.Duration

	Logger *log.Logger
}

// Server is the emulated gateway.
type Server struct {
	opts Options
	log  *log.Logger

	hub      *broadcast.Manager
	table    *DeviceTable
	history  *ringbuf.Ring[busFrame]
	metrics  *Metrics
	registry *prometheus.Registry

	started time.Time
	ready   chan struct{}
	// stopping gates the accept loop and storm pumps during shutdown.
	stopping chan struct{}

	mu      sync.Mutex
	ln      net.Listener
	adminLn net.Listener
	conns   map[string]net.Conn

	wg sync.WaitGroup
}

// New builds a server from opts. The module list must name at least one
// module.
func New(opts Options) (*Server, error) {
	if opts.Modules == nil || len(opts.Modules.Modules) == 0 {
		return nil, errors.New("emulator: module list is empty")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = broadcast.DefaultQueueCap
	}
	if opts.WriteDelayMin <= 0 {
		opts.WriteDelayMin = DefaultWriteDelayMin
	}
	if opts.WriteDelayMax < opts.WriteDelayMin {
		opts.WriteDelayMax = DefaultWriteDelayMax
		if opts.WriteDelayMax < opts.WriteDelayMin {
			opts.WriteDelayMax = opts.WriteDelayMin
		}
	}
	if opts.StormCount <= 0 {
		opts.StormCount = DefaultStormCount
	}
	if opts.StormInterval <= 0 {
		opts.StormInterval = DefaultStormInterval
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("xpserver")

	table, err := BuildTable(opts.Modules, logger)
	if err != nil {
		return nil, fmt.Errorf("emulator: %w", err)
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		opts:     opts,
		log:      logger,
		table:    table,
		history:  ringbuf.New[busFrame](frameHistoryCap),
		metrics:  NewMetrics(registry),
		registry: registry,
		hub:      broadcast.NewManager(opts.QueueCap, logger),
		ready:    make(chan struct{}),
		stopping: make(chan struct{}),
		conns:    make(map[string]net.Conn),
	}
	s.hub.SetOverflowHandler(func(c *broadcast.Client) {
		s.metrics.ClientsKicked.Inc()
	})
	return s, nil
}

// Ready is closed once the bus listener is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bus listener address, empty before Run.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// AdminAddr returns the admin listener address, empty when disabled or
// before Run.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// Device returns a configured device by serial number.
func (s *Server) Device(serial string) (*Device, bool) {
	return s.table.Lookup(serial)
}

// Run serves the bus until ctx is cancelled, then tears down every client
// connection and returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("emulator: listen %s: %w", s.opts.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	var admin *http.Server
	if s.opts.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", s.opts.AdminAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("emulator: admin listen %s: %w", s.opts.AdminAddr, err)
		}
		s.mu.Lock()
		s.adminLn = adminLn
		s.mu.Unlock()

		admin = &http.Server{Handler: s.adminRouter()}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := admin.Serve(adminLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.log.Error("admin server stopped", "err", err)
			}
		}()
		s.log.Info("admin api listening", "addr", adminLn.Addr().String())
	}

	s.started = time.Now()
	s.log.Info("bus emulator listening",
		"addr", ln.Addr().String(), "modules", s.table.Len())
	close(s.ready)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	<-ctx.Done()

	s.log.Info("bus emulator shutting down")
	close(s.stopping)
	ln.Close()
	if admin != nil {
		admin.Close()
	}
	s.closeConns()
	s.wg.Wait()
	return nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.stopping:
			default:
				s.log.Error("accept failed", "err", err)
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn owns one client for its lifetime: a writer goroutine drains
// the client's broadcast buffer while this goroutine reads and dispatches
// inbound frames.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	id := uuid.New().String()
	remote := conn.RemoteAddr().String()

	client := s.hub.Register(id, remote)
	s.trackConn(id, conn)
	s.metrics.ClientsConnected.Inc()
	s.log.Info("client connected", "client", id, "addr", remote)

	defer func() {
		conn.Close()
		s.hub.Unregister(id)
		s.untrackConn(id)
		s.metrics.ClientsConnected.Dec()
		s.log.Info("client disconnected", "client", id, "addr", remote,
			"delivered", client.Delivered.Load(), "dropped", client.Dropped.Load())
	}()

	s.wg.Add(1)
	go s.writeLoop(conn, client)

	s.readLoop(conn)
}

// readLoop parses the inbound byte stream and feeds complete telegrams to
// the device table. It returns when the connection dies.
func (s *Server) readLoop(conn net.Conn) {
	parser := telegram.NewStreamParser(s.log)
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, tg := range parser.Feed(buf[:n]) {
				s.dispatch(tg)
			}
		}
		if err != nil {
			return
		}
	}
}

// writeLoop drains the client's broadcast buffer onto the socket with the
// gateway's write pacing. It exits when the client is unregistered or the
// socket fails.
func (s *Server) writeLoop(conn net.Conn, client *broadcast.Client) {
	defer s.wg.Done()
	for {
		select {
		case frame := <-client.Send():
			if _, err := conn.Write(frame); err != nil {
				conn.Close()
				return
			}
			s.metrics.FramesWritten.Inc()
			time.Sleep(s.writeDelay())
		case <-client.Done():
			conn.Close()
			return
		}
	}
}

// dispatch runs one telegram through the device table and broadcasts
// whatever comes back.
func (s *Server) dispatch(tg telegram.Telegram) {
	s.record("in", tg.FrameString())
	if !tg.ChecksumValid {
		s.metrics.FramesInvalid.Inc()
		s.log.Warn("dropping frame with bad checksum", "frame", tg.FrameString())
		return
	}
	s.metrics.FramesReceived.WithLabelValues(tg.Function.Code()).Inc()

	for _, r := range s.table.Dispatch(tg) {
		for _, reply := range r.Replies {
			s.metrics.RepliesTotal.Inc()
			s.broadcast(reply.Frame)
		}
		if r.Storm {
			s.wg.Add(1)
			go s.stormBurst(r.StormFrame)
		}
	}
}

// stormBurst replicates one frame StormCount times at the storm interval.
// Each qualifying inbound frame starts its own burst.
func (s *Server) stormBurst(frame []byte) {
	defer s.wg.Done()

	tick := time.NewTicker(s.opts.StormInterval)
	defer tick.Stop()
	for i := 0; i < s.opts.StormCount; i++ {
		select {
		case <-tick.C:
			s.metrics.StormFrames.Inc()
			s.broadcast(frame)
		case <-s.stopping:
			return
		}
	}
}

func (s *Server) broadcast(frame []byte) {
	s.record("out", telegram.DecodeLatin1(frame))
	before := s.hub.Drops.Load()
	s.hub.Broadcast(frame)
	if d := s.hub.Drops.Load() - before; d > 0 {
		s.metrics.BroadcastDrops.Add(float64(d))
	}
}

// record retains one frame for the admin history.
func (s *Server) record(dir, frame string) {
	s.history.Push(busFrame{
		At:        time.Now().UTC().Format(time.RFC3339Nano),
		Direction: dir,
		Frame:     frame,
	})
}

func (s *Server) writeDelay() time.Duration {
	spread := s.opts.WriteDelayMax - s.opts.WriteDelayMin
	if spread <= 0 {
		return s.opts.WriteDelayMin
	}
	return s.opts.WriteDelayMin + time.Duration(rand.Int63n(int64(spread)))
}

func (s *Server) trackConn(id string, conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[id] = conn
}

func (s *Server) untrackConn(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.Close()
	}
}
