package service

import (
	"sort"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// ScannedModule is one row of a bus scan.
type ScannedModule struct {
	SerialNumber   string `json:"serial_number"`
	ModuleTypeCode *int   `json:"module_type_code,omitempty"`
	ModuleType     string `json:"module_type,omitempty"`
	LinkNumber     *int   `json:"link_number,omitempty"`
}

// ScanResult is the bus inventory a scan produced.
type ScanResult struct {
	Result
	Devices []ScannedModule `json:"devices"`
}

// ScanService walks the bus: a broadcast discover, then a type and link
// query per module that answered. The scan ends when the bus goes quiet;
// modules that answered the discover but not both follow-ups mark the run
// partial.
type ScanService struct {
	runner

	OnDeviceFound signal.Signal[string]
	OnFinish      signal.Signal[*ScanResult]

	res     *ScanResult
	devices map[string]*ScannedModule
	order   []string
}

func NewScanService(proto *conbus.Conn, logger *log.Logger) *ScanService {
	return &ScanService{runner: newRunner(proto, logger, "scan")}
}

func (s *ScanService) Run() (*ScanResult, error) {
	s.res = &ScanResult{Devices: []ScannedModule{}}
	s.devices = make(map[string]*ScannedModule)
	s.order = nil
	s.begin("scan", &s.res.Result)
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

func (s *ScanService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() {
		return
	}

	switch {
	case tg.Function == telegram.FuncDiscover:
		if !telegram.ValidSerial(tg.SerialNumber) || s.devices[tg.SerialNumber] != nil {
			return
		}
		s.devices[tg.SerialNumber] = &ScannedModule{SerialNumber: tg.SerialNumber}
		s.order = append(s.order, tg.SerialNumber)
		s.OnDeviceFound.Emit(tg.SerialNumber)
		s.proto.SendTelegram(tg.SerialNumber, telegram.FuncReadDatapoint, telegram.DatapointModuleTypeCode, "")
		s.proto.SendTelegram(tg.SerialNumber, telegram.FuncReadDatapoint, telegram.DatapointModuleType, "")
		s.proto.SendTelegram(tg.SerialNumber, telegram.FuncReadDatapoint, telegram.DatapointLinkNumber, "")

	case tg.Function == telegram.FuncReadDatapoint && tg.HasDatapoint:
		m := s.devices[tg.SerialNumber]
		if m == nil {
			s.log.Warn("reply from unscanned module", "serial", tg.SerialNumber)
			return
		}
		switch tg.Datapoint {
		case telegram.DatapointModuleTypeCode:
			if n, err := strconv.Atoi(tg.Data); err == nil {
				m.ModuleTypeCode = &n
			}
		case telegram.DatapointModuleType:
			m.ModuleType = tg.Data
		case telegram.DatapointLinkNumber:
			if n, err := strconv.Atoi(tg.Data); err == nil {
				m.LinkNumber = &n
			}
		}
	}
}

func (s *ScanService) onTimeout() {
	st := StatusOK
	for _, serial := range s.order {
		m := s.devices[serial]
		if m.ModuleTypeCode == nil || m.ModuleType == "" || m.LinkNumber == nil {
			st = StatusPartialTimeout
			break
		}
	}
	s.finish(st, "")
}

func (s *ScanService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	sort.Strings(s.order)
	for _, serial := range s.order {
		s.res.Devices = append(s.res.Devices, *s.devices[serial])
	}
	s.OnFinish.Emit(s.res)
}
