package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/proxy"
	"github.com/conbus/xp/internal/telegram"
)

// monitorTimeout keeps a terminal session alive across quiet periods. The
// rolling timeout still fires eventually so an unplugged gateway does not
// hang the terminal forever.
const monitorTimeout = 24 * time.Hour

func newTermCmd(o *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "term",
		Short: "Live terminals on the bus",
	}

	var wsURL string
	protocol := &cobra.Command{
		Use:   "protocol",
		Short: "Print every frame on the wire as it happens",
		Long:  "Watches the raw frame stream until interrupted. By default it opens\nits own bus connection; with --ws it follows a proxy observer feed\ninstead and sees both directions.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if wsURL != "" {
				return watchObserverFeed(ctx, cmd.OutOrStdout(), wsURL)
			}
			return watchBus(ctx, o, cmd.OutOrStdout(), false)
		},
	}
	protocol.Flags().StringVar(&wsURL, "ws", "",
		"proxy observer feed to follow, for example ws://localhost:8080/ws")

	start := &cobra.Command{
		Use:   "start",
		Short: "Monitor modules: discover the bus, then print events as they fire",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return watchBus(ctx, o, cmd.OutOrStdout(), true)
		},
	}

	cmd.AddCommand(protocol, start)
	return cmd
}

func termStamp(t time.Time) string {
	return t.Format("15:04:05,000")
}

// watchBus opens a bus connection and prints traffic until ctx is done. In
// monitor mode it opens with a discover broadcast and renders replies and
// events in decoded form; otherwise it prints raw frames both ways.
func watchBus(ctx context.Context, o *rootOptions, w io.Writer, monitor bool) error {
	ct, err := o.container()
	if err != nil {
		return err
	}
	conn := ct.Conn()
	conn.SetTimeout(monitorTimeout)

	conn.ConnectionMade.Connect(func(ev conbus.ConnectedEvent) {
		fmt.Fprintf(w, "connected to %s\n", ev.RemoteAddr)
		if monitor {
			conn.SendTelegram(telegram.BroadcastSerial, telegram.FuncDiscover, telegram.DatapointModuleTypeCode, "")
		}
	})
	if monitor {
		conn.TelegramReceived.Connect(func(ev conbus.ReceivedEvent) {
			printMonitorLine(w, ev.Telegram)
		})
	} else {
		conn.TelegramSent.Connect(func(ev conbus.SentEvent) {
			fmt.Fprintf(w, "%s [SENT] %s\n", termStamp(time.Now()), ev.Frame)
		})
		conn.TelegramReceived.Connect(func(ev conbus.ReceivedEvent) {
			fmt.Fprintf(w, "%s [RECV] %s\n", termStamp(time.Now()), ev.Frame())
		})
	}
	conn.ConnectionLost.Connect(func(ev conbus.FailureEvent) {
		fmt.Fprintln(w, ev.Message())
	})

	go func() {
		<-ctx.Done()
		conn.Stop()
	}()
	return conn.Run()
}

func printMonitorLine(w io.Writer, tg telegram.Telegram) {
	switch {
	case tg.IsReply() && tg.Function == telegram.FuncDiscover:
		name := ""
		if code, err := strconv.Atoi(tg.Data); err == nil {
			if info, ok := telegram.LookupModuleType(telegram.ModuleType(code)); ok {
				name = " " + info.Name
			}
		}
		fmt.Fprintf(w, "%s module %s%s\n", termStamp(time.Now()), tg.SerialNumber, name)
	case tg.IsEvent():
		name := strconv.Itoa(tg.ModuleTypeCode)
		if info, ok := telegram.LookupModuleType(telegram.ModuleType(tg.ModuleTypeCode)); ok {
			name = info.Name
		}
		fmt.Fprintf(w, "%s %s link %d input %d %s\n",
			termStamp(time.Now()), name, tg.LinkNumber, tg.InputNumber, tg.EventKind)
	}
}

// watchObserverFeed follows a proxy's websocket frame feed and prints one
// line per event, already timestamped by the proxy.
func watchObserverFeed(ctx context.Context, w io.Writer, url string) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", url, err)
	}
	defer conn.Close()

	go func() {
		<-ctx.Done()
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}
		var ev proxy.FrameEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		fmt.Fprintf(w, "%s [%s] %s\n", ev.Timestamp, ev.Direction, ev.Frame)
	}
}
