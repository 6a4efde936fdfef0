// Package proxy implements the broadcast reverse proxy: a TCP listener that
// forwards each accepted client to the configured upstream gateway, relays
// bytes in both directions without modification, and traces every complete
// frame. The trace goes to the console as timestamped lines and to every
// connected websocket observer as parsed JSON, so a monitor can watch live
// bus traffic without holding a gateway connection of its own.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/conbus/xp/internal/broadcast"
	"github.com/conbus/xp/internal/circuitbreaker"
	"github.com/conbus/xp/internal/ringbuf"
	"github.com/conbus/xp/internal/telegram"
)

const (
	// DefaultListenAddr is where the proxy accepts bus clients, the same
	// port a real gateway listens on.
	DefaultListenAddr = ":10001"

	// DefaultDialTimeout bounds the upstream dial per accepted client.
	DefaultDialTimeout = 5 * time.Second

	readBufferSize = 4096

	// frameHistoryCap is how many traced frames the admin surface retains.
	frameHistoryCap = 100
)

// Direction labels for traced frames.
const (
	DirClientToServer = "client→server"
	DirServerToClient = "server→client"
)

// Options configures the proxy.
type Options struct {
	// ListenAddr is the client-facing TCP address, DefaultListenAddr when
	// empty.
	ListenAddr string

	// Upstream is the gateway address clients are forwarded to. Required.
	Upstream string

	// AdminAddr enables the HTTP surface (websocket observer feed, stats,
	// metrics) when non-empty.
	AdminAddr string

	// QueueCap bounds each observer's frame buffer. Observers that fall
	// this far behind are disconnected.
	QueueCap int

	// DialTimeout bounds the upstream dial, DefaultDialTimeout when zero.
	DialTimeout time.Duration

	// Console receives the timestamped trace lines, os.Stdout when nil.
	Console io.Writer

	Logger *log.Logger
}

// Server is the reverse proxy.
type Server struct {
	opts Options
	log  *log.Logger

	observers *broadcast.Manager
	history   *ringbuf.Ring[FrameEvent]
	breaker   *circuitbreaker.Breaker
	metrics   *Metrics
	registry  *prometheus.Registry

	started time.Time
	ready   chan struct{}
	// stopping gates the accept loop during shutdown.
	stopping chan struct{}

	sessionsTotal atomic.Int64
	framesTraced  atomic.Int64

	consoleMu sync.Mutex
	console   io.Writer

	mu       sync.Mutex
	ln       net.Listener
	adminLn  net.Listener
	sessions map[string]*session

	wg sync.WaitGroup
}

// New builds a proxy from opts. The upstream address must be a host:port
// pair.
func New(opts Options) (*Server, error) {
	if opts.Upstream == "" {
		return nil, errors.New("proxy: upstream address is empty")
	}
	if _, _, err := net.SplitHostPort(opts.Upstream); err != nil {
		return nil, fmt.Errorf("proxy: upstream %q: %w", opts.Upstream, err)
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = DefaultListenAddr
	}
	if opts.QueueCap <= 0 {
		opts.QueueCap = broadcast.DefaultQueueCap
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = DefaultDialTimeout
	}
	if opts.Console == nil {
		opts.Console = os.Stdout
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger = logger.WithPrefix("xpproxy")

	registry := prometheus.NewRegistry()
	s := &Server{
		opts:      opts,
		log:       logger,
		observers: broadcast.NewManager(opts.QueueCap, logger),
		history:   ringbuf.New[FrameEvent](frameHistoryCap),
		breaker:   circuitbreaker.New(circuitbreaker.DefaultThreshold, circuitbreaker.DefaultCooldown),
		metrics:   NewMetrics(registry),
		registry:  registry,
		ready:     make(chan struct{}),
		stopping:  make(chan struct{}),
		console:   opts.Console,
		sessions:  make(map[string]*session),
	}
	s.observers.SetOverflowHandler(func(c *broadcast.Client) {
		s.metrics.ObserversKicked.Inc()
	})
	return s, nil
}

// Ready is closed once the client listener is accepting connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the client listener address, empty before Run.
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

// Run serves clients until ctx is cancelled, then tears down every session
// and returns.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddr)
	if err != nil {
		return fmt.Errorf("proxy: listen %s: %w", s.opts.ListenAddr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	var admin *http.Server
	if s.opts.AdminAddr != "" {
		adminLn, err := net.Listen("tcp", s.opts.AdminAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("proxy: admin listen %s: %w", s.opts.AdminAddr, err)
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
		s.log.Info("observer api listening", "addr", adminLn.Addr().String())
	}

	s.started = time.Now()
	s.log.Info("reverse proxy listening",
		"addr", ln.Addr().String(), "upstream", s.opts.Upstream)
	close(s.ready)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	<-ctx.Done()

	s.log.Info("reverse proxy shutting down")
	close(s.stopping)
	ln.Close()
	if admin != nil {
		admin.Close()
	}
	s.closeSessions()
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
		go s.serve(conn)
	}
}

// serve owns one client for its lifetime: it dials the upstream, then runs
// one relay pump per direction until either side closes.
func (s *Server) serve(client net.Conn) {
	defer s.wg.Done()

	id := uuid.New().String()
	remote := client.RemoteAddr().String()

	if !s.breaker.Allow() {
		s.metrics.UpstreamFastFails.Inc()
		s.log.Warn("upstream circuit open, refusing client",
			"client", remote, "upstream", s.opts.Upstream)
		client.Close()
		return
	}

	upstream, err := net.DialTimeout("tcp", s.opts.Upstream, s.opts.DialTimeout)
	if err != nil {
		s.breaker.Failure()
		s.metrics.UpstreamDialFailures.Inc()
		s.log.Error("upstream dial failed",
			"client", remote, "upstream", s.opts.Upstream, "err", err)
		client.Close()
		return
	}
	s.breaker.Success()

	sess := &session{id: id, client: client, upstream: upstream, srv: s}
	s.trackSession(sess)
	s.sessionsTotal.Add(1)
	s.metrics.SessionsActive.Inc()
	s.metrics.SessionsTotal.Inc()
	s.log.Info("session opened", "session", id, "client", remote)

	defer func() {
		sess.close()
		s.untrackSession(id)
		s.metrics.SessionsActive.Dec()
		s.log.Info("session closed", "session", id, "client", remote)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		sess.pump(upstream, client, DirServerToClient)
	}()

	sess.pump(client, upstream, DirClientToServer)
}

// session is one client connection paired with its own upstream connection.
type session struct {
	id       string
	client   net.Conn
	upstream net.Conn
	srv      *Server

	closeOnce sync.Once
}

// close tears down both ends, which unblocks both pumps.
func (s *session) close() {
	s.closeOnce.Do(func() {
		s.client.Close()
		s.upstream.Close()
	})
}

// pump copies src to dst untouched and traces the complete frames the
// stream carries. It returns when either side fails; the deferred close in
// serve takes the peer pump down with it.
func (s *session) pump(src, dst net.Conn, dir string) {
	defer s.close()

	parser := telegram.NewStreamParser(s.srv.log)
	buf := make([]byte, readBufferSize)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
			s.srv.metrics.BytesRelayed.WithLabelValues(dir).Add(float64(n))
			for _, tg := range parser.Feed(buf[:n]) {
				s.srv.trace(dir, tg)
			}
		}
		if err != nil {
			return
		}
	}
}

// trace prints one relayed frame to the console and mirrors it to every
// observer. Inbound client frames log as received by the proxy and handed
// to the server; upstream frames log the reverse pair.
func (s *Server) trace(dir string, tg telegram.Telegram) {
	now := time.Now()
	ts := stamp(now)
	frame := tg.FrameString()

	s.consoleMu.Lock()
	switch dir {
	case DirClientToServer:
		fmt.Fprintf(s.console, "%s [CLIENT→PROXY] %s\n", ts, frame)
		fmt.Fprintf(s.console, "%s [PROXY→SERVER] %s\n", ts, frame)
	case DirServerToClient:
		fmt.Fprintf(s.console, "%s [SERVER→PROXY] %s\n", ts, frame)
		fmt.Fprintf(s.console, "%s [PROXY→CLIENT] %s\n", ts, frame)
	}
	s.consoleMu.Unlock()

	s.framesTraced.Add(1)
	s.metrics.FramesTraced.WithLabelValues(dir).Inc()
	s.publish(dir, ts, tg)
}

// stamp renders a timestamp the way the trace format writes it, with a
// comma before the milliseconds.
func stamp(t time.Time) string {
	return fmt.Sprintf("%s,%03d", t.Format("15:04:05"), t.Nanosecond()/int(time.Millisecond))
}

func (s *Server) trackSession(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.id] = sess
}

func (s *Server) untrackSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

func (s *Server) closeSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		sess.close()
	}
}
