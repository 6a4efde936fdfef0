package emulator

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/telegram"
)

func intp(n int) *int { return &n }

func testModules() *config.ModuleList {
	return &config.ModuleList{
		Name: "test bus",
		Modules: []config.ModuleRecord{
			{Name: "RELAY_A", SerialNumber: "0020012345", ModuleType: "XP24", LinkNumber: intp(1), ModuleNumber: intp(0)},
			{Name: "DIM_A", SerialNumber: "0020030837", ModuleType: "XP33", LinkNumber: intp(2), ModuleNumber: intp(1)},
			{Name: "PSU", SerialNumber: "0012345011", ModuleType: "XP230", LinkNumber: intp(3), ModuleNumber: intp(2)},
		},
	}
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	if opts.ListenAddr == "" {
		opts.ListenAddr = "127.0.0.1:0"
	}
	if opts.Modules == nil {
		opts.Modules = testModules()
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}

	srv, err := New(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("server never became ready")
	}
	return srv
}

// busClient is a raw TCP participant on the emulated bus.
type busClient struct {
	t    *testing.T
	conn net.Conn

	mu  sync.Mutex
	got []telegram.Telegram
}

func dialBus(t *testing.T, srv *Server) *busClient {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	c := &busClient{t: t, conn: conn}
	t.Cleanup(func() { conn.Close() })
	go c.readLoop()
	return c
}

func (c *busClient) readLoop() {
	parser := telegram.NewStreamParser(log.New(io.Discard))
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			tgs := parser.Feed(buf[:n])
			c.mu.Lock()
			c.got = append(c.got, tgs...)
			c.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

func (c *busClient) send(tg telegram.Telegram) {
	c.t.Helper()
	_, err := c.conn.Write(tg.Frame)
	require.NoError(c.t, err)
}

func (c *busClient) telegrams() []telegram.Telegram {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]telegram.Telegram(nil), c.got...)
}

// waitFor polls the received telegrams until pred holds or the deadline
// passes.
func (c *busClient) waitFor(timeout time.Duration, pred func([]telegram.Telegram) bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if pred(c.telegrams()) {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return pred(c.telegrams())
}

func countReplies(tgs []telegram.Telegram, pred func(telegram.Telegram) bool) int {
	n := 0
	for _, tg := range tgs {
		if pred(tg) {
			n++
		}
	}
	return n
}

func TestServerAnswersBroadcastDiscover(t *testing.T) {
	srv := startServer(t, Options{})
	c := dialBus(t, srv)

	c.send(telegram.NewSystemTelegram(telegram.BroadcastSerial, telegram.FuncDiscover, telegram.DatapointModuleTypeCode, ""))

	ok := c.waitFor(5*time.Second, func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool {
			return tg.IsReply() && tg.Function == telegram.FuncDiscover
		}) == 3
	})
	require.True(t, ok, "expected one discover reply per module, got %d", len(c.telegrams()))

	serials := map[string]bool{}
	for _, tg := range c.telegrams() {
		serials[tg.SerialNumber] = true
	}
	assert.True(t, serials["0020012345"])
	assert.True(t, serials["0020030837"])
	assert.True(t, serials["0012345011"])
}

func TestServerReadAndWriteRoundTrip(t *testing.T) {
	srv := startServer(t, Options{})
	c := dialBus(t, srv)

	c.send(telegram.NewSystemTelegram("0020012345", telegram.FuncReadDatapoint, telegram.DatapointModuleTypeCode, ""))
	ok := c.waitFor(5*time.Second, func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool {
			return tg.IsReply() && tg.Datapoint == telegram.DatapointModuleTypeCode && tg.Data == "07"
		}) == 1
	})
	require.True(t, ok, "no module type reply")

	c.send(telegram.NewSystemTelegram("0020012345", telegram.FuncWriteConfig, telegram.DatapointOutputState, "001"))
	ok = c.waitFor(5*time.Second, func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool {
			return tg.IsAck() && tg.SerialNumber == "0020012345"
		}) == 1
	})
	require.True(t, ok, "write was not acknowledged")
}

func TestServerBroadcastsRepliesToEveryClient(t *testing.T) {
	srv := startServer(t, Options{})
	asker := dialBus(t, srv)
	observer := dialBus(t, srv)

	asker.send(telegram.NewSystemTelegram("0020030837", telegram.FuncReadDatapoint, telegram.DatapointModuleType, ""))

	sawReply := func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool {
			return tg.IsReply() && tg.Data == "XP33"
		}) >= 1
	}
	assert.True(t, asker.waitFor(5*time.Second, sawReply), "asker missed the reply")
	assert.True(t, observer.waitFor(5*time.Second, sawReply), "observer missed the reply")
}

func TestServerIgnoresBadChecksumAndUnknownSerial(t *testing.T) {
	srv := startServer(t, Options{})
	c := dialBus(t, srv)

	// Corrupt checksum: last letter flipped.
	good := telegram.NewSystemTelegram("0020012345", telegram.FuncReadDatapoint, telegram.DatapointModuleType, "")
	bad := append([]byte(nil), good.Frame...)
	bad[len(bad)-2] = 'Z'
	_, err := c.conn.Write(bad)
	require.NoError(t, err)

	// Unknown serial: valid frame, no module behind it.
	c.send(telegram.NewSystemTelegram("0099999999", telegram.FuncReadDatapoint, telegram.DatapointModuleType, ""))

	time.Sleep(150 * time.Millisecond)
	assert.Empty(t, c.telegrams())

	// The connection still serves valid traffic.
	c.send(good)
	ok := c.waitFor(5*time.Second, func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool { return tg.Data == "XP24" }) == 1
	})
	assert.True(t, ok, "valid read after garbage got no reply")
}

func TestServerStormFloodsAndRecovers(t *testing.T) {
	srv := startServer(t, Options{
		WriteDelayMin: time.Millisecond,
		WriteDelayMax: time.Millisecond,
	})
	c := dialBus(t, srv)
	serial := "0020012345"

	// Seed the module's last reply so the flood has a recognizable frame.
	c.send(telegram.NewSystemTelegram(serial, telegram.FuncReadDatapoint, telegram.DatapointModuleType, ""))
	require.True(t, c.waitFor(5*time.Second, func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool { return tg.Data == "XP24" }) == 1
	}))
	seeded := telegram.NewReplyTelegram(serial, telegram.FuncReadDatapoint, telegram.DatapointModuleType, "XP24").FrameString()

	// Trigger the storm and wait for the burst.
	c.send(telegram.NewSystemTelegram(serial, telegram.FuncReadDatapoint, stormTriggerDatapoint, ""))
	copies := func(tgs []telegram.Telegram) int {
		return countReplies(tgs, func(tg telegram.Telegram) bool { return tg.FrameString() == seeded })
	}
	require.True(t, c.waitFor(10*time.Second, func(tgs []telegram.Telegram) bool {
		return copies(tgs) >= DefaultStormCount
	}), "storm burst incomplete: %d copies", copies(c.telegrams()))
	assert.Less(t, copies(c.telegrams()), 2*DefaultStormCount, "more than one burst fired")

	// Reading the error code ends the storm and reports the cause.
	c.send(telegram.NewSystemTelegram(serial, telegram.FuncReadDatapoint, telegram.DatapointModuleErrorCode, ""))
	require.True(t, c.waitFor(10*time.Second, func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool {
			return tg.Datapoint == telegram.DatapointModuleErrorCode && tg.Data == "FE"
		}) == 1
	}), "storm cause was not reported")

	c.send(telegram.NewSystemTelegram(serial, telegram.FuncReadDatapoint, telegram.DatapointModuleErrorCode, ""))
	require.True(t, c.waitFor(10*time.Second, func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool {
			return tg.Datapoint == telegram.DatapointModuleErrorCode && tg.Data == "00"
		}) >= 1
	}), "module did not return to healthy")
}

func TestServerKicksClientThatCannotKeepUp(t *testing.T) {
	srv := startServer(t, Options{
		QueueCap:      4,
		StormCount:    50,
		StormInterval: time.Millisecond,
		WriteDelayMin: 20 * time.Millisecond,
		WriteDelayMax: 20 * time.Millisecond,
	})

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	// Trigger a storm and stop draining: the broadcast queue overflows.
	trigger := telegram.NewSystemTelegram("0020012345", telegram.FuncReadDatapoint, stormTriggerDatapoint, "")
	_, err = conn.Write(trigger.Frame)
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	buf := make([]byte, 4096)
	for {
		if _, err = conn.Read(buf); err != nil {
			break
		}
	}
	require.Error(t, err)
	if ne, ok := err.(net.Error); ok {
		require.False(t, ne.Timeout(), "expected a disconnect, hit the read deadline instead")
	}
	assert.Greater(t, srv.hub.Drops.Load(), int64(0))

	// The bus keeps serving well-behaved clients.
	c := dialBus(t, srv)
	c.send(telegram.NewSystemTelegram("0012345011", telegram.FuncReadDatapoint, telegram.DatapointModuleType, ""))
	assert.True(t, c.waitFor(10*time.Second, func(tgs []telegram.Telegram) bool {
		return countReplies(tgs, func(tg telegram.Telegram) bool { return tg.Data == "XP230" }) == 1
	}))
}

func TestServerRequiresModules(t *testing.T) {
	_, err := New(Options{Modules: &config.ModuleList{}})
	require.Error(t, err)
}

func TestAdminEndpoints(t *testing.T) {
	srv, err := New(Options{
		Modules: testModules(),
		Logger:  log.New(io.Discard),
	})
	require.NoError(t, err)
	srv.started = time.Now()
	router := srv.adminRouter()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))
		return rec
	}

	rec := get("/healthz")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy"`)

	rec = get("/api/v1/devices")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"count":3`)
	assert.Contains(t, rec.Body.String(), "0020030837")

	rec = get("/api/v1/devices/0020012345")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"module_type":"XP24"`)

	rec = get("/api/v1/devices/0000000099")
	assert.Equal(t, 404, rec.Code)

	rec = get("/api/v1/stats")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"modules":3`)

	rec = get("/metrics")
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "xpserver_clients_connected")
}

func TestAdminFrameHistory(t *testing.T) {
	srv, err := New(Options{
		Modules: testModules(),
		Logger:  log.New(io.Discard),
	})
	require.NoError(t, err)

	srv.dispatch(telegram.NewSystemTelegram("0020012345", telegram.FuncReadDatapoint, telegram.DatapointModuleType, ""))

	rec := httptest.NewRecorder()
	srv.adminRouter().ServeHTTP(rec, httptest.NewRequest("GET", "/api/v1/frames", nil))
	require.Equal(t, 200, rec.Code)

	var page struct {
		Count  int        `json:"count"`
		Frames []busFrame `json:"frames"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &page))
	require.Equal(t, 2, page.Count)
	assert.Equal(t, "in", page.Frames[0].Direction)
	assert.Contains(t, page.Frames[0].Frame, "<S0020012345F02D01")
	assert.Equal(t, "out", page.Frames[1].Direction)
	assert.Contains(t, page.Frames[1].Frame, "XP24")
}

func TestAdminStormToggle(t *testing.T) {
	srv, err := New(Options{
		Modules: testModules(),
		Logger:  log.New(io.Discard),
	})
	require.NoError(t, err)
	router := srv.adminRouter()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST",
		"/api/v1/devices/0020012345/storm", strings.NewReader(`{"enabled":true}`)))
	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"STORM"`)

	d, ok := srv.table.Lookup("0020012345")
	require.True(t, ok)
	assert.Equal(t, StateStorm, d.State())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST",
		"/api/v1/devices/0020012345/storm", strings.NewReader(`{"enabled":false}`)))
	require.Equal(t, 200, rec.Code)
	assert.Equal(t, StateNormal, d.State())
}
