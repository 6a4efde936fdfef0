package service

import (
	"context"
	"io"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/require"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/emulator"
)

func intp(v int) *int { return &v }

func quiet() *log.Logger { return log.New(io.Discard) }

// testModules is the bench population most tests run against: a dimmer, a
// relay and a push-button panel.
func testModules() *config.ModuleList {
	return &config.ModuleList{
		Name: "service test bench",
		Modules: []config.ModuleRecord{
			{Name: "DIM_A", SerialNumber: "0020030837", ModuleType: "XP33", LinkNumber: intp(1), ModuleNumber: intp(1)},
			{Name: "RELAY_A", SerialNumber: "0020044966", ModuleType: "XP24", LinkNumber: intp(2), ModuleNumber: intp(2)},
			{Name: "PANEL_A", SerialNumber: "0020042796", ModuleType: "XP20", LinkNumber: intp(3), ModuleNumber: intp(3)},
		},
	}
}

// startBus runs an emulated gateway for the duration of the test.
func startBus(t *testing.T, list *config.ModuleList) *emulator.Server {
	t.Helper()

	srv, err := emulator.New(emulator.Options{
		ListenAddr: "127.0.0.1:0",
		Modules:    list,
		Logger:     quiet(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	select {
	case <-srv.Ready():
	case <-time.After(5 * time.Second):
		t.Fatal("emulator did not start")
	}
	return srv
}

// busConn builds an engine pointed at the test gateway with pacing tightened
// so runs complete quickly. timeout is the rolling inactivity window the
// operation under test should observe.
func busConn(t *testing.T, srv *emulator.Server, timeout time.Duration) *conbus.Conn {
	t.Helper()

	host, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return conbus.NewConn(conbus.Options{
		Host:         host,
		Port:         port,
		Timeout:      timeout,
		SendDelayMin: time.Millisecond,
		SendDelayMax: 2 * time.Millisecond,
		Logger:       quiet(),
	})
}

// startSilentBus accepts connections and swallows everything, emulating a
// gateway with no modules behind it. The returned engine times out after
// timeout of quiet.
func startSilentBus(t *testing.T, timeout time.Duration) *conbus.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) { _, _ = io.Copy(io.Discard, c) }(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return conbus.NewConn(conbus.Options{
		Host:         host,
		Port:         port,
		Timeout:      timeout,
		SendDelayMin: time.Millisecond,
		SendDelayMax: 2 * time.Millisecond,
		Logger:       quiet(),
	})
}

// deadConn builds an engine pointed at a port nothing listens on.
func deadConn(t *testing.T) *conbus.Conn {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return conbus.NewConn(conbus.Options{
		Host:           host,
		Port:           port,
		Timeout:        time.Second,
		ConnectTimeout: 250 * time.Millisecond,
		Logger:         quiet(),
	})
}
