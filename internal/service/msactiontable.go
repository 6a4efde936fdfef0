package service

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// MsActionTableResult is the response of a model-specific table download.
type MsActionTableResult struct {
	Result
	SerialNumber string   `json:"serial_number"`
	ModuleType   string   `json:"module_type"`
	Serializer   string   `json:"serializer"`
	Rows         []string `json:"rows"`
	RawRows      []string `json:"raw_rows"`
	CRC          string   `json:"crc,omitempty"`
}

const (
	msPhaseType = iota
	msPhaseRows
)

// MsActionTableService downloads an action table in the module's native row
// format. It first asks the module what it is, picks the matching nibble
// serializer from the name, and then walks the table like a plain download.
type MsActionTableService struct {
	runner

	OnProgress signal.Signal[string]
	OnFinish   signal.Signal[*MsActionTableResult]

	serial     string
	serializer telegram.ActionTableSerializer
	res        *MsActionTableResult
	phase      int
	next       int
}

func NewMsActionTableService(proto *conbus.Conn, logger *log.Logger, serial string) *MsActionTableService {
	return &MsActionTableService{runner: newRunner(proto, logger, "msactiontable"), serial: serial}
}

func (s *MsActionTableService) Run() (*MsActionTableResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}

	s.res = &MsActionTableResult{SerialNumber: s.serial, Rows: []string{}, RawRows: []string{}}
	s.begin("msactiontable", &s.res.Result)
	defer s.teardown()
	defer s.OnProgress.DisconnectAll()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, s.onTimeout, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.phase = msPhaseType
		s.proto.SendTelegram(s.serial, telegram.FuncReadDatapoint, telegram.DatapointModuleType, "")
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *MsActionTableService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() || tg.SerialNumber != s.serial {
		return
	}
	if s.phase == msPhaseType {
		if tg.Function != telegram.FuncReadDatapoint || !tg.HasDatapoint || tg.Datapoint != telegram.DatapointModuleType {
			return
		}
		serializer, err := telegram.SerializerForModuleName(tg.Data)
		if err != nil {
			s.finish(StatusFailed, fmt.Sprintf("module type %q has no table format: %v", tg.Data, err))
			return
		}
		s.serializer = serializer
		s.res.ModuleType = tg.Data
		s.res.Serializer = serializer.Name()
		s.phase = msPhaseRows
		s.requestRow(0)
		return
	}

	switch tg.Function {
	case telegram.FuncReadActionTable:
		if !tg.HasDatapoint || int(tg.Datapoint) != s.next {
			return
		}
		if tg.Data == telegram.TerminatorRow {
			s.finish(StatusOK, "")
			return
		}
		s.acceptRow(tg.Data)
	case telegram.FuncEndOfTable:
		s.res.CRC = tg.Data
		if !telegram.VerifyCRC32Nibble(s.rawRowBytes(), tg.Data) {
			s.finish(StatusFailed, "action table crc mismatch")
			return
		}
		s.finish(StatusOK, "")
	}
}

func (s *MsActionTableService) requestRow(row int) {
	s.next = row
	s.proto.SendTelegram(s.serial, telegram.FuncReadActionTable, telegram.DataPoint(row), "")
}

func (s *MsActionTableService) acceptRow(raw string) {
	s.res.RawRows = append(s.res.RawRows, raw)
	entry, err := s.serializer.DecodeRow(raw)
	if err != nil {
		s.log.Warn("action table row did not decode", "serial", s.serial, "row", s.next, "raw", raw, "err", err)
	} else {
		line := entry.ShortLine()
		s.res.Rows = append(s.res.Rows, line)
		s.OnProgress.Emit(line)
	}
	if s.next >= maxActionTableRow {
		s.finish(StatusFailed, "action table exceeds the addressable row range")
		return
	}
	s.requestRow(s.next + 1)
}

func (s *MsActionTableService) rawRowBytes() []byte {
	joined := strings.Join(s.res.RawRows, "")
	b, err := telegram.EncodeLatin1(joined)
	if err != nil {
		return []byte(joined)
	}
	return b
}

func (s *MsActionTableService) onTimeout() {
	switch {
	case s.phase == msPhaseType:
		s.finish(StatusFailedTimeout, fmt.Sprintf("%s did not report its module type", s.serial))
	case len(s.res.RawRows) == 0:
		s.finish(StatusFailedTimeout, fmt.Sprintf("no rows from %s", s.serial))
	default:
		s.finish(StatusPartialTimeout, "")
	}
}

func (s *MsActionTableService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
