package service

import (
	"strings"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// TableProgress reports one decoded row during a bus-wide table export.
type TableProgress struct {
	Serial string `json:"serial_number"`
	Row    string `json:"row"`
}

// ExportTablesResult is the response of a bus-wide action-table export.
type ExportTablesResult struct {
	Result
	File    string                `json:"file,omitempty"`
	Devices []config.ModuleRecord `json:"devices"`
}

// tablePull tracks the download progress for one device.
type tablePull struct {
	moduleType string
	serializer telegram.ActionTableSerializer
	next       int
	raws       []string
	lines      []string
	done       bool
}

// ExportActionTablesService discovers the bus and downloads every module's
// action table, writing the collected short lines to a module list file.
// Each device is asked for its type first so rows decode in the native
// format; types without a table format fall back to the decimal rows.
type ExportActionTablesService struct {
	runner

	OnDeviceFound signal.Signal[string]
	OnProgress    signal.Signal[TableProgress]
	OnFinish      signal.Signal[*ExportTablesResult]

	file  string
	res   *ExportTablesResult
	pulls map[string]*tablePull
	order []string
}

func NewExportActionTablesService(proto *conbus.Conn, logger *log.Logger, file string) *ExportActionTablesService {
	return &ExportActionTablesService{runner: newRunner(proto, logger, "export"), file: file}
}

func (s *ExportActionTablesService) Run() (*ExportTablesResult, error) {
	s.res = &ExportTablesResult{File: s.file, Devices: []config.ModuleRecord{}}
	s.pulls = make(map[string]*tablePull)
	s.begin("export_actiontables", &s.res.Result)
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

func (s *ExportActionTablesService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() || !telegram.ValidSerial(tg.SerialNumber) {
		return
	}

	if tg.Function == telegram.FuncDiscover {
		serial := tg.SerialNumber
		if _, known := s.pulls[serial]; known || serial == telegram.BroadcastSerial {
			return
		}
		s.pulls[serial] = &tablePull{}
		s.order = append(s.order, serial)
		s.OnDeviceFound.Emit(serial)
		s.proto.SendTelegram(serial, telegram.FuncReadDatapoint, telegram.DatapointModuleType, "")
		return
	}

	pull, known := s.pulls[tg.SerialNumber]
	if !known || pull.done {
		return
	}

	switch {
	case tg.Function == telegram.FuncReadDatapoint && tg.HasDatapoint && tg.Datapoint == telegram.DatapointModuleType:
		if pull.serializer != nil {
			return
		}
		pull.moduleType = tg.Data
		serializer, err := telegram.SerializerForModuleName(tg.Data)
		if err != nil {
			serializer = telegram.StandardSerializer{}
		}
		pull.serializer = serializer
		s.requestRow(tg.SerialNumber, pull, 0)

	case tg.Function == telegram.FuncReadActionTable:
		if pull.serializer == nil || !tg.HasDatapoint || int(tg.Datapoint) != pull.next {
			return
		}
		if tg.Data == telegram.TerminatorRow {
			s.completePull(pull)
			return
		}
		pull.raws = append(pull.raws, tg.Data)
		if entry, err := pull.serializer.DecodeRow(tg.Data); err != nil {
			s.log.Warn("action table row did not decode", "serial", tg.SerialNumber, "row", pull.next, "err", err)
		} else {
			line := entry.ShortLine()
			pull.lines = append(pull.lines, line)
			s.OnProgress.Emit(TableProgress{Serial: tg.SerialNumber, Row: line})
		}
		if pull.next >= maxActionTableRow {
			s.completePull(pull)
			return
		}
		s.requestRow(tg.SerialNumber, pull, pull.next+1)

	case tg.Function == telegram.FuncEndOfTable:
		joined := strings.Join(pull.raws, "")
		raw, err := telegram.EncodeLatin1(joined)
		if err != nil {
			raw = []byte(joined)
		}
		if !telegram.VerifyCRC32Nibble(raw, tg.Data) {
			s.log.Warn("action table crc mismatch", "serial", tg.SerialNumber)
		}
		s.completePull(pull)
	}
}

func (s *ExportActionTablesService) requestRow(serial string, pull *tablePull, row int) {
	pull.next = row
	s.proto.SendTelegram(serial, telegram.FuncReadActionTable, telegram.DataPoint(row), "")
}

func (s *ExportActionTablesService) completePull(pull *tablePull) {
	pull.done = true
	if s.allDone() {
		s.finish(StatusOK, "")
	}
}

func (s *ExportActionTablesService) onTimeout() {
	switch {
	case len(s.pulls) == 0:
		s.finish(StatusFailedNoDevices, "no devices answered discover")
	case s.allDone():
		s.finish(StatusOK, "")
	default:
		s.finish(StatusPartialTimeout, "")
	}
}

func (s *ExportActionTablesService) allDone() bool {
	for _, p := range s.pulls {
		if !p.done {
			return false
		}
	}
	return true
}

func (s *ExportActionTablesService) finish(st Status, errMsg string) {
	if s.finished {
		return
	}

	records := s.buildRecords()
	if s.file != "" && len(records) > 0 && st != StatusFailedConnection {
		list := &config.ModuleList{Name: "actiontable export", Modules: records}
		if err := list.Save(s.file); err != nil {
			s.log.Error("export file not written", "file", s.file, "err", err)
			st, errMsg = StatusFailedWrite, err.Error()
		}
	}

	if !s.seal(st, errMsg) {
		return
	}
	s.res.Devices = records
	s.OnFinish.Emit(s.res)
}

func (s *ExportActionTablesService) buildRecords() []config.ModuleRecord {
	records := make([]config.ModuleRecord, 0, len(s.order))
	for _, serial := range s.order {
		pull := s.pulls[serial]
		rec := config.ModuleRecord{Name: serial, SerialNumber: serial, ActionTable: pull.lines}
		if _, ok := telegram.ResolveModuleType(pull.moduleType); ok {
			rec.ModuleType = pull.moduleType
		}
		records = append(records, rec)
	}
	config.SortModules(records)
	return records
}
