package service

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// CustomResult is the response of a custom function request.
type CustomResult struct {
	Result
	SerialNumber string   `json:"serial_number"`
	Replies      []string `json:"replies"`
}

// CustomService sends an arbitrary function and datapoint combination to one
// module (or to the broadcast address) and collects every reply until the bus
// goes quiet. It is the escape hatch for functions the dedicated commands do
// not cover.
type CustomService struct {
	runner

	OnReply  signal.Signal[telegram.Telegram]
	OnFinish signal.Signal[*CustomResult]

	serial string
	fn     telegram.Function
	dp     telegram.DataPoint
	data   string
	res    *CustomResult
}

func NewCustomService(proto *conbus.Conn, logger *log.Logger, serial string, fn telegram.Function, dp telegram.DataPoint, data string) *CustomService {
	return &CustomService{runner: newRunner(proto, logger, "custom"), serial: serial, fn: fn, dp: dp, data: data}
}

func (s *CustomService) Run() (*CustomResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}

	s.res = &CustomResult{SerialNumber: s.serial, Replies: []string{}}
	s.begin("custom", &s.res.Result)
	defer s.teardown()
	defer s.OnReply.DisconnectAll()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, s.onTimeout, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.proto.SendTelegram(s.serial, s.fn, s.dp, s.data)
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *CustomService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() {
		return
	}
	if s.serial != telegram.BroadcastSerial && tg.SerialNumber != s.serial {
		return
	}
	s.res.Replies = append(s.res.Replies, ev.Frame())
	s.OnReply.Emit(tg)
}

func (s *CustomService) onTimeout() {
	if len(s.res.Replies) == 0 {
		s.finish(StatusFailedTimeout, fmt.Sprintf("no reply from %s", s.serial))
		return
	}
	s.finish(StatusOK, "")
}

func (s *CustomService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
