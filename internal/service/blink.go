package service

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

func blinkFunction(on bool) telegram.Function {
	if on {
		return telegram.FuncBlink
	}
	return telegram.FuncUnblink
}

// BlinkResult is the response of a blink or unblink command.
type BlinkResult struct {
	Result
	SerialNumber string `json:"serial_number"`
	On           bool   `json:"on"`
	Acked        bool   `json:"acked"`
}

// BlinkService starts or stops the identification blink of one module.
type BlinkService struct {
	runner

	OnFinish signal.Signal[*BlinkResult]

	serial string
	on     bool
	res    *BlinkResult
}

func NewBlinkService(proto *conbus.Conn, logger *log.Logger, serial string, on bool) *BlinkService {
	return &BlinkService{runner: newRunner(proto, logger, "blink"), serial: serial, on: on}
}

func (s *BlinkService) Run() (*BlinkResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}

	s.res = &BlinkResult{SerialNumber: s.serial, On: s.on}
	s.begin("blink", &s.res.Result)
	defer s.teardown()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, func() {
		s.finish(StatusFailedTimeout, fmt.Sprintf("no acknowledge from %s", s.serial))
	}, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.proto.SendTelegram(s.serial, blinkFunction(s.on), telegram.DatapointModuleTypeCode, "")
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *BlinkService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsAck() || tg.SerialNumber != s.serial {
		return
	}
	s.res.Acked = true
	s.finish(StatusOK, "")
}

func (s *BlinkService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}

// BlinkAllResult is the response of a bus-wide blink sweep.
type BlinkAllResult struct {
	Result
	On      bool     `json:"on"`
	Devices []string `json:"devices"`
	Acked   []string `json:"acked"`
}

// BlinkAllService discovers the bus and then blinks (or unblinks) every
// module that answered.
type BlinkAllService struct {
	runner

	OnDeviceFound signal.Signal[string]
	OnFinish      signal.Signal[*BlinkAllResult]

	on      bool
	res     *BlinkAllResult
	pending map[string]bool
	acked   map[string]bool
}

func NewBlinkAllService(proto *conbus.Conn, logger *log.Logger, on bool) *BlinkAllService {
	return &BlinkAllService{runner: newRunner(proto, logger, "blinkall"), on: on}
}

func (s *BlinkAllService) Run() (*BlinkAllResult, error) {
	s.res = &BlinkAllResult{On: s.on, Devices: []string{}, Acked: []string{}}
	s.pending = make(map[string]bool)
	s.acked = make(map[string]bool)
	s.begin("blink_all", &s.res.Result)
	defer s.teardown()
	defer s.OnDeviceFound.DisconnectAll()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, s.onTimeout, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.proto.SendTelegram(telegram.BroadcastSerial, telegram.FuncDiscover, telegram.DatapointModuleTypeCode, "")
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *BlinkAllService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() || !telegram.ValidSerial(tg.SerialNumber) {
		return
	}
	switch {
	case tg.Function == telegram.FuncDiscover:
		serial := tg.SerialNumber
		if s.pending[serial] || s.acked[serial] {
			return
		}
		s.pending[serial] = true
		s.res.Devices = append(s.res.Devices, serial)
		s.OnDeviceFound.Emit(serial)
		s.proto.SendTelegram(serial, blinkFunction(s.on), telegram.DatapointModuleTypeCode, "")
	case tg.IsAck() && s.pending[tg.SerialNumber]:
		delete(s.pending, tg.SerialNumber)
		s.acked[tg.SerialNumber] = true
		s.res.Acked = append(s.res.Acked, tg.SerialNumber)
	}
}

func (s *BlinkAllService) onTimeout() {
	switch {
	case len(s.res.Devices) == 0:
		s.finish(StatusFailedNoDevices, "no devices answered discover")
	case len(s.pending) > 0:
		s.finish(StatusPartialTimeout, "")
	default:
		s.finish(StatusOK, "")
	}
}

func (s *BlinkAllService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	sort.Strings(s.res.Devices)
	sort.Strings(s.res.Acked)
	s.OnFinish.Emit(s.res)
}
