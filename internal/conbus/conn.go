// Package conbus implements the client side of the Conson XP TCP link: a
// single connection, a paced FIFO send queue, duplicate suppression, and a
// rolling inactivity timeout.
//
// The engine is event driven. Run owns the session on the calling goroutine
// and every signal handler executes there, so operation code layered on top
// stays lock-free: a reader goroutine only feeds raw bytes into the loop.
package conbus

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// Engine defaults. Hosts that need different pacing set Options explicitly.
const (
	DefaultPort           = 10001
	DefaultTimeout        = 5 * time.Second
	DefaultSendDelayMin   = 10 * time.Millisecond
	DefaultSendDelayMax   = 80 * time.Millisecond
	DefaultDebounceWindow = 50 * time.Millisecond

	readBufferSize = 4096
)

var (
	ErrConnectionFailed = errors.New("connection failed")
	ErrConnectionLost   = errors.New("connection lost")
	ErrNotConnected     = errors.New("not connected")
)

// State is the engine lifecycle position, readable from any goroutine.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateTimedOut
	StateFailed
	StateLost
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateTimedOut:
		return "TIMED_OUT"
	case StateFailed:
		return "FAILED"
	case StateLost:
		return "LOST"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Options configures a Conn. Zero fields take the defaults above.
type Options struct {
	Host string
	Port int

	// Timeout is the rolling inactivity window. The timer rearms on
	// connect and on received data, never on sends, and fires at most
	// once per session.
	Timeout time.Duration

	// SendDelayMin and SendDelayMax bound the uniform random pause the
	// drainer inserts between consecutive transport writes.
	SendDelayMin time.Duration
	SendDelayMax time.Duration

	// DebounceWindow suppresses byte-identical frames written within the
	// window. Zero selects the default; a negative value disables
	// suppression.
	DebounceWindow time.Duration

	// ConnectTimeout bounds the dial. Zero reuses Timeout.
	ConnectTimeout time.Duration

	Logger *log.Logger
}

type dialResult struct {
	conn net.Conn
	err  error
}

// Conn is the protocol engine. One instance drives one connection at a
// time; Connect starts a fresh session and Run drives it to completion.
type Conn struct {
	opts Options
	log  *log.Logger

	// Signals, emitted on the Run goroutine. Handlers installed by an
	// operation must be disconnected when the operation ends.
	ConnectionMade   signal.Signal[ConnectedEvent]
	TelegramSent     signal.Signal[SentEvent]
	TelegramReceived signal.Signal[ReceivedEvent]
	Timeout          signal.Signal[TimeoutEvent]
	ConnectionFailed signal.Signal[FailureEvent]
	ConnectionLost   signal.Signal[FailureEvent]
	Failed           signal.Signal[FailureEvent]

	state   atomic.Int32
	stopped atomic.Bool

	mu        sync.Mutex
	sessionID string
	timeout   time.Duration
	queue     [][]byte
	transport net.Conn
	stopCh    chan struct{}
	stopOnce  *sync.Once
	dialCh    chan dialResult
	dataCh    chan []byte
	readErrCh chan error
	wakeCh    chan struct{}
	parser    *telegram.StreamParser
	dedup     *Debouncer
}

// NewConn builds an engine from opts without touching the network.
func NewConn(opts Options) *Conn {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.SendDelayMin <= 0 {
		opts.SendDelayMin = DefaultSendDelayMin
	}
	if opts.SendDelayMax <= 0 {
		opts.SendDelayMax = DefaultSendDelayMax
	}
	if opts.SendDelayMax < opts.SendDelayMin {
		opts.SendDelayMax = opts.SendDelayMin
	}
	if opts.DebounceWindow == 0 {
		opts.DebounceWindow = DefaultDebounceWindow
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = opts.Timeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Default().WithPrefix("conbus")
	}

	c := &Conn{
		opts:    opts,
		log:     opts.Logger,
		timeout: opts.Timeout,
	}
	if opts.DebounceWindow > 0 {
		c.dedup = NewDebouncer(opts.DebounceWindow)
	}
	c.state.Store(int32(StateIdle))
	return c
}

// Addr returns the target address in host:port form.
func (c *Conn) Addr() string {
	return net.JoinHostPort(c.opts.Host, strconv.Itoa(c.opts.Port))
}

// State returns the current lifecycle position.
func (c *Conn) State() State {
	return State(c.state.Load())
}

// SessionID returns the id of the current session, empty before the first
// Connect.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetTimeout overrides the rolling inactivity window for the next session.
func (c *Conn) SetTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.timeout = d
	}
}

// Connect begins a new session: per-session state is rebuilt and the dial
// runs in the background. The outcome surfaces in Run as connection_made
// or connection_failed. Frames already queued survive into the session.
func (c *Conn) Connect() {
	c.mu.Lock()
	c.sessionID = uuid.New().String()
	c.transport = nil
	c.stopCh = make(chan struct{})
	c.stopOnce = new(sync.Once)
	c.dialCh = make(chan dialResult, 1)
	c.dataCh = make(chan []byte, 64)
	c.readErrCh = make(chan error, 1)
	c.wakeCh = make(chan struct{}, 1)
	c.parser = telegram.NewStreamParser(c.log)
	if c.dedup != nil {
		c.dedup.Reset()
	}
	id := c.sessionID
	dialCh, stopCh := c.dialCh, c.stopCh
	c.mu.Unlock()

	c.stopped.Store(false)
	c.state.Store(int32(StateConnecting))

	addr, timeout := c.Addr(), c.opts.ConnectTimeout
	c.log.Debug("dialing", "addr", addr, "session", id)

	go func() {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		select {
		case dialCh <- dialResult{conn: conn, err: err}:
		case <-stopCh:
			if conn != nil {
				conn.Close()
			}
		}
	}()
}

// SendTelegram builds a system telegram and queues its frame.
func (c *Conn) SendTelegram(serial string, fn telegram.Function, dp telegram.DataPoint, data string) telegram.Telegram {
	t := telegram.NewSystemTelegram(serial, fn, dp, data)
	c.enqueue(t.Frame)
	return t
}

// SendEventTelegram builds a press/release event frame and queues it.
func (c *Conn) SendEventTelegram(moduleTypeCode, link, input int, kind telegram.EventKind) telegram.Telegram {
	t := telegram.NewEventTelegram(moduleTypeCode, link, input, kind)
	c.enqueue(t.Frame)
	return t
}

// SendRawTelegram frames payload with markers and a freshly computed
// checksum and queues it. It returns the frame as a display string.
func (c *Conn) SendRawTelegram(payload string) string {
	b, err := telegram.EncodeLatin1(payload)
	if err != nil {
		c.log.Warn("raw payload not latin-1, sending utf-8 bytes", "err", err)
		b = []byte(payload)
	}

	chk := telegram.XORNibble(b)
	frame := make([]byte, 0, len(b)+len(chk)+2)
	frame = append(frame, telegram.FrameStart)
	frame = append(frame, b...)
	frame = append(frame, chk...)
	frame = append(frame, telegram.FrameEnd)

	c.enqueue(frame)
	return telegram.DecodeLatin1(frame)
}

// SendFrame queues literal frame bytes without touching them. Callers that
// already hold a complete frame, checksum included, use this path.
func (c *Conn) SendFrame(frame []byte) {
	c.enqueue(append([]byte(nil), frame...))
}

// QueueLen returns the number of frames waiting to drain.
func (c *Conn) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

func (c *Conn) enqueue(frame []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, frame)
	wake := c.wakeCh
	c.mu.Unlock()

	if wake != nil {
		select {
		case wake <- struct{}{}:
		default:
		}
	}
}

// Stop ends the current session: the loop exits, the transport closes, and
// queued frames are discarded. Safe to call from a signal handler and safe
// to call more than once.
func (c *Conn) Stop() {
	c.mu.Lock()
	once := c.stopOnce
	stopCh := c.stopCh
	tr := c.transport
	c.mu.Unlock()

	if once == nil {
		return
	}
	once.Do(func() {
		c.stopped.Store(true)
		close(stopCh)
		if tr != nil {
			tr.Close()
		}
	})
}

// Run drives the session on the calling goroutine until the rolling
// timeout fires, the connection fails, or Stop is called. It returns nil
// for timeout and stop, a wrapped ErrConnectionFailed or ErrConnectionLost
// otherwise.
func (c *Conn) Run() error {
	c.mu.Lock()
	sessID := c.sessionID
	timeout := c.timeout
	stopCh, dialCh, dataCh, readErrCh, wakeCh := c.stopCh, c.dialCh, c.dataCh, c.readErrCh, c.wakeCh
	parser := c.parser
	c.mu.Unlock()

	if stopCh == nil {
		return fmt.Errorf("%w: Run before Connect", ErrNotConnected)
	}

	idleTimer := time.NewTimer(time.Hour)
	idleTimer.Stop()
	defer idleTimer.Stop()
	var idleC <-chan time.Time

	sendTimer := time.NewTimer(time.Hour)
	sendTimer.Stop()
	defer sendTimer.Stop()

	var sweepC <-chan time.Time
	if c.dedup != nil {
		sweep := time.NewTicker(2 * c.dedup.Window())
		defer sweep.Stop()
		sweepC = sweep.C
	}

	var (
		tr         net.Conn
		nextSendAt time.Time
	)

	for {
		// Arm the drainer only while connected with work pending. The
		// timer target carries the pacing delay from the last write.
		var sendC <-chan time.Time
		if tr != nil && c.QueueLen() > 0 {
			d := time.Until(nextSendAt)
			if d < 0 {
				d = 0
			}
			sendTimer.Reset(d)
			sendC = sendTimer.C
		}

		select {
		case <-stopCh:
			c.log.Debug("session stopped", "session", sessID)
			c.finish(StateStopped)
			return nil

		case res := <-dialCh:
			if res.err != nil {
				c.log.Error("connect failed", "addr", c.Addr(), "err", res.err)
				ev := FailureEvent{Kind: FailureConnect, Err: res.err}
				c.ConnectionFailed.Emit(ev)
				c.Failed.Emit(ev)
				c.finish(StateFailed)
				return fmt.Errorf("%w: %v", ErrConnectionFailed, res.err)
			}
			tr = res.conn
			c.mu.Lock()
			c.transport = tr
			c.mu.Unlock()
			c.state.Store(int32(StateConnected))

			go readLoop(tr, dataCh, readErrCh, stopCh)

			idleTimer.Reset(timeout)
			idleC = idleTimer.C

			c.log.Info("connected", "addr", tr.RemoteAddr(), "session", sessID)
			c.ConnectionMade.Emit(ConnectedEvent{
				SessionID:  sessID,
				RemoteAddr: tr.RemoteAddr().String(),
			})

		case data := <-dataCh:
			// Any inbound bytes rearm the inactivity window.
			if idleC != nil {
				idleTimer.Reset(timeout)
			}
			for _, t := range parser.Feed(data) {
				if !t.ChecksumValid {
					c.log.Warn("bad checksum", "session", sessID, "frame", t.FrameString())
				}
				c.log.Debug("recv", "telegram", t.String())
				c.TelegramReceived.Emit(ReceivedEvent{Telegram: t})
			}

		case err := <-readErrCh:
			if c.stopped.Load() {
				continue
			}
			c.log.Error("connection lost", "session", sessID, "err", err)
			ev := FailureEvent{Kind: FailureLost, Err: err}
			c.ConnectionLost.Emit(ev)
			c.Failed.Emit(ev)
			c.finish(StateLost)
			return fmt.Errorf("%w: %v", ErrConnectionLost, err)

		case <-idleC:
			// Fires at most once per session.
			idleC = nil
			c.log.Debug("inactivity timeout", "session", sessID, "after", timeout)
			c.Timeout.Emit(TimeoutEvent{Idle: timeout})
			c.finish(StateTimedOut)
			return nil

		case <-sendC:
			nextSendAt = c.writeNext(tr, nextSendAt)

		case <-wakeCh:
			// Queue changed; the next iteration arms the drainer.

		case now := <-sweepC:
			c.dedup.Sweep(now)
		}
	}
}

// writeNext pops one frame, applies duplicate suppression, writes, and
// emits telegram_sent. It returns the earliest time the next write may
// start.
func (c *Conn) writeNext(tr net.Conn, nextSendAt time.Time) time.Time {
	c.mu.Lock()
	if len(c.queue) == 0 {
		c.mu.Unlock()
		return nextSendAt
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	c.mu.Unlock()

	if c.dedup != nil && !c.dedup.Allow(frame, time.Now()) {
		c.log.Debug("suppressed duplicate frame", "frame", telegram.DecodeLatin1(frame))
		return nextSendAt
	}

	if _, err := tr.Write(frame); err != nil {
		// The read loop surfaces the failure; nothing is requeued.
		c.log.Error("write failed", "err", err)
		return nextSendAt
	}

	f := telegram.DecodeLatin1(frame)
	c.log.Debug("sent", "frame", f)
	c.TelegramSent.Emit(SentEvent{Frame: f})

	return time.Now().Add(c.sendDelay())
}

// sendDelay draws the pacing pause, uniform over [SendDelayMin, SendDelayMax].
func (c *Conn) sendDelay() time.Duration {
	span := c.opts.SendDelayMax - c.opts.SendDelayMin
	if span <= 0 {
		return c.opts.SendDelayMin
	}
	return c.opts.SendDelayMin + time.Duration(rand.Int63n(int64(span)+1))
}

// finish marks the terminal state and releases session resources.
func (c *Conn) finish(st State) {
	c.state.Store(int32(st))
	c.stopped.Store(true)

	c.mu.Lock()
	c.queue = nil
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
	c.mu.Unlock()
}

// readLoop feeds raw chunks into the session until the transport errors or
// the session stops. It never parses; framing belongs to the loop.
func readLoop(tr net.Conn, dataCh chan []byte, errCh chan error, stopCh chan struct{}) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := tr.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			select {
			case dataCh <- data:
			case <-stopCh:
				return
			}
		}
		if err != nil {
			select {
			case errCh <- err:
			case <-stopCh:
			}
			return
		}
	}
}
