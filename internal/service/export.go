package service

import (
	"fmt"
	"strconv"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// ExportProgress reports one identity datapoint landing during an export.
type ExportProgress struct {
	Serial    string
	Datapoint telegram.DataPoint
	Raw       string
}

// ExportResult carries the exported inventory and, when requested, the
// YAML file it was written to.
type ExportResult struct {
	Result
	File    string                `json:"file,omitempty"`
	Devices []config.ModuleRecord `json:"devices"`
}

// ExportService builds a module list from the live bus: a broadcast
// discover, then the seven identity datapoints per module. The run ends
// early when every known module has answered everything, otherwise on the
// rolling timeout with whatever arrived. Modules missing fields are still
// exported; absent fields stay absent rather than defaulting.
type ExportService struct {
	runner

	OnDeviceFound signal.Signal[string]
	OnProgress    signal.Signal[ExportProgress]
	OnFinish      signal.Signal[*ExportResult]

	file string

	res   *ExportResult
	found map[string]map[telegram.DataPoint]string
	order []string
}

// NewExportService builds an export. file may be empty to skip writing.
func NewExportService(proto *conbus.Conn, logger *log.Logger, file string) *ExportService {
	return &ExportService{runner: newRunner(proto, logger, "export"), file: file}
}

func (s *ExportService) Run() (*ExportResult, error) {
	s.res = &ExportResult{Devices: []config.ModuleRecord{}, File: s.file}
	s.found = make(map[string]map[telegram.DataPoint]string)
	s.order = nil
	s.begin("export", &s.res.Result)
	defer s.teardown()
	defer s.OnDeviceFound.DisconnectAll()
	defer s.OnProgress.DisconnectAll()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, s.onTimeout, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.proto.SendTelegram(telegram.BroadcastSerial, telegram.FuncDiscover, telegram.DatapointModuleTypeCode, "")
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *ExportService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() {
		return
	}

	switch {
	case tg.Function == telegram.FuncDiscover:
		if !telegram.ValidSerial(tg.SerialNumber) || s.found[tg.SerialNumber] != nil {
			return
		}
		s.found[tg.SerialNumber] = make(map[telegram.DataPoint]string, len(telegram.IdentityDatapoints))
		s.order = append(s.order, tg.SerialNumber)
		s.OnDeviceFound.Emit(tg.SerialNumber)
		for _, dp := range telegram.IdentityDatapoints {
			s.proto.SendTelegram(tg.SerialNumber, telegram.FuncReadDatapoint, dp, "")
		}

	case tg.Function == telegram.FuncReadDatapoint && tg.HasDatapoint:
		answers := s.found[tg.SerialNumber]
		if answers == nil {
			s.log.Warn("identity reply from undiscovered module", "serial", tg.SerialNumber)
			return
		}
		if !identityDatapoint(tg.Datapoint) {
			return
		}
		answers[tg.Datapoint] = tg.Data
		s.OnProgress.Emit(ExportProgress{Serial: tg.SerialNumber, Datapoint: tg.Datapoint, Raw: tg.Data})
		if s.allComplete() {
			s.finish(StatusOK, "")
		}
	}
}

func (s *ExportService) onTimeout() {
	switch {
	case len(s.order) == 0:
		s.finish(StatusFailedNoDevices, "no modules answered the discover broadcast")
	case s.allComplete():
		s.finish(StatusOK, "")
	default:
		s.finish(StatusPartialTimeout, "")
	}
}

func (s *ExportService) allComplete() bool {
	if len(s.order) == 0 {
		return false
	}
	for _, serial := range s.order {
		if len(s.found[serial]) < len(telegram.IdentityDatapoints) {
			return false
		}
	}
	return true
}

func (s *ExportService) finish(st Status, errMsg string) {
	if s.finished {
		return
	}

	records := s.buildRecords()
	if s.file != "" && len(records) > 0 && st != StatusFailedConnection {
		list := config.ModuleList{Name: "conbus export", Modules: records}
		if err := list.Save(s.file); err != nil {
			st = StatusFailedWrite
			errMsg = fmt.Sprintf("write %s: %v", s.file, err)
		} else {
			s.log.Info("module list written", "file", s.file, "modules", len(records))
		}
	}

	if !s.seal(st, errMsg) {
		return
	}
	s.res.Devices = records
	s.OnFinish.Emit(s.res)
}

// buildRecords turns the raw answers into sorted module records, emitting
// only the fields the bus actually reported.
func (s *ExportService) buildRecords() []config.ModuleRecord {
	records := make([]config.ModuleRecord, 0, len(s.order))
	for _, serial := range s.order {
		answers := s.found[serial]
		rec := config.ModuleRecord{SerialNumber: serial}

		if raw, ok := answers[telegram.DatapointModuleTypeCode]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				rec.ModuleTypeCode = &n
			}
		}
		rec.ModuleType = answers[telegram.DatapointModuleType]
		if raw, ok := answers[telegram.DatapointLinkNumber]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				rec.LinkNumber = &n
			}
		}
		if raw, ok := answers[telegram.DatapointModuleNumber]; ok {
			if n, err := strconv.Atoi(raw); err == nil {
				rec.ModuleNumber = &n
			}
		}
		rec.SWVersion = answers[telegram.DatapointSoftwareVersion]
		rec.HWVersion = answers[telegram.DatapointHardwareVersion]
		if raw, ok := answers[telegram.DatapointAutoReport]; ok {
			rec.AutoReportStatus = "OFF"
			if v, err := telegram.DatapointAutoReport.ParseValue(raw); err == nil {
				if on, _ := v.Parsed.(bool); on {
					rec.AutoReportStatus = "ON"
				}
			}
		}

		if rec.ModuleType != "" && rec.LinkNumber != nil {
			rec.Name = fmt.Sprintf("%s_%02d", rec.ModuleType, *rec.LinkNumber)
		} else {
			rec.Name = serial
		}
		records = append(records, rec)
	}
	config.SortModules(records)
	return records
}

func identityDatapoint(dp telegram.DataPoint) bool {
	for _, id := range telegram.IdentityDatapoints {
		if id == dp {
			return true
		}
	}
	return false
}
