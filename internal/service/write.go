package service

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// WriteResult is the response of a datapoint write.
type WriteResult struct {
	Result
	SerialNumber string `json:"serial_number"`
	Acked        bool   `json:"acked"`
}

// WriteDatapointService writes one configuration value to one module and
// waits for the acknowledge.
type WriteDatapointService struct {
	runner

	OnFinish signal.Signal[*WriteResult]

	serial string
	dp     telegram.DataPoint
	value  string
	res    *WriteResult
}

func NewWriteDatapointService(proto *conbus.Conn, logger *log.Logger, serial string, dp telegram.DataPoint, value string) *WriteDatapointService {
	return &WriteDatapointService{runner: newRunner(proto, logger, "write"), serial: serial, dp: dp, value: value}
}

func (s *WriteDatapointService) Run() (*WriteResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}

	s.res = &WriteResult{SerialNumber: s.serial}
	s.begin("datapoint_write", &s.res.Result)
	defer s.teardown()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, func() {
		s.finish(StatusFailedTimeout, fmt.Sprintf("no acknowledge from %s", s.serial))
	}, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.proto.SendTelegram(s.serial, telegram.FuncWriteConfig, s.dp, s.value)
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *WriteDatapointService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsAck() || tg.SerialNumber != s.serial {
		return
	}
	// Some modules acknowledge writes with a stale checksum. The frame is
	// still the acknowledge we asked for, so accept it and note the defect.
	if !tg.ChecksumValid {
		s.log.Warn("acknowledge carried a bad checksum", "serial", s.serial, "frame", ev.Frame())
	}
	s.res.Acked = true
	s.finish(StatusOK, "")
}

func (s *WriteDatapointService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
