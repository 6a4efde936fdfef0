package service

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// maxActionTableRow is the highest row index a read request can address; the
// datapoint field carries the row number as two digits.
const maxActionTableRow = 99

// DownloadResult is the response of an action-table download.
type DownloadResult struct {
	Result
	SerialNumber string   `json:"serial_number"`
	Serializer   string   `json:"serializer"`
	Rows         []string `json:"rows"`
	RawRows      []string `json:"raw_rows"`
	CRC          string   `json:"crc,omitempty"`
}

// Table returns the decoded entries.
func (r *DownloadResult) Table() telegram.ActionTable {
	table, err := telegram.ParseActionTable(r.Rows)
	if err != nil {
		return nil
	}
	return table
}

// DownloadActionTableService walks a module's action table row by row. The
// transfer ends either with the terminator row or with an end-of-table reply
// whose data carries a CRC over every raw row.
type DownloadActionTableService struct {
	runner

	OnProgress signal.Signal[string]
	OnFinish   signal.Signal[*DownloadResult]

	serial     string
	serializer telegram.ActionTableSerializer
	res        *DownloadResult
	next       int
}

// NewDownloadActionTableService reads the table of one module. A nil
// serializer selects the portable decimal row format.
func NewDownloadActionTableService(proto *conbus.Conn, logger *log.Logger, serial string, serializer telegram.ActionTableSerializer) *DownloadActionTableService {
	if serializer == nil {
		serializer = telegram.StandardSerializer{}
	}
	return &DownloadActionTableService{
		runner:     newRunner(proto, logger, "actiontable"),
		serial:     serial,
		serializer: serializer,
	}
}

func (s *DownloadActionTableService) Run() (*DownloadResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}

	s.res = &DownloadResult{
		SerialNumber: s.serial,
		Serializer:   s.serializer.Name(),
		Rows:         []string{},
		RawRows:      []string{},
	}
	s.begin("actiontable_download", &s.res.Result)
	defer s.teardown()
	defer s.OnProgress.DisconnectAll()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, s.onTimeout, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.requestRow(0)
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *DownloadActionTableService) requestRow(row int) {
	s.next = row
	s.proto.SendTelegram(s.serial, telegram.FuncReadActionTable, telegram.DataPoint(row), "")
}

func (s *DownloadActionTableService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() || tg.SerialNumber != s.serial {
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

func (s *DownloadActionTableService) acceptRow(raw string) {
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

func (s *DownloadActionTableService) rawRowBytes() []byte {
	joined := strings.Join(s.res.RawRows, "")
	b, err := telegram.EncodeLatin1(joined)
	if err != nil {
		return []byte(joined)
	}
	return b
}

func (s *DownloadActionTableService) onTimeout() {
	if len(s.res.RawRows) == 0 {
		s.finish(StatusFailedTimeout, fmt.Sprintf("no rows from %s", s.serial))
		return
	}
	s.finish(StatusPartialTimeout, "")
}

func (s *DownloadActionTableService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}

// UploadResult is the response of an action-table upload.
type UploadResult struct {
	Result
	SerialNumber string `json:"serial_number"`
	Serializer   string `json:"serializer"`
	Rows         int    `json:"rows"`
	Acked        int    `json:"acked"`
}

// UploadActionTableService writes a full action table to one module: one
// config write per row followed by the terminator row, each acknowledged
// separately. The module commits the table when the terminator lands.
type UploadActionTableService struct {
	runner

	OnFinish signal.Signal[*UploadResult]

	serial     string
	serializer telegram.ActionTableSerializer
	table      telegram.ActionTable
	res        *UploadResult
	expect     int
}

// NewUploadActionTableService writes table to one module. A nil serializer
// selects the portable decimal row format.
func NewUploadActionTableService(proto *conbus.Conn, logger *log.Logger, serial string, table telegram.ActionTable, serializer telegram.ActionTableSerializer) *UploadActionTableService {
	if serializer == nil {
		serializer = telegram.StandardSerializer{}
	}
	return &UploadActionTableService{
		runner:     newRunner(proto, logger, "actiontable"),
		serial:     serial,
		serializer: serializer,
		table:      table,
	}
}

func (s *UploadActionTableService) Run() (*UploadResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}
	if len(s.table) == 0 {
		return nil, fmt.Errorf("action table is empty")
	}
	if len(s.table) > maxActionTableRow {
		return nil, fmt.Errorf("action table has %d rows, at most %d fit", len(s.table), maxActionTableRow)
	}
	rows := make([]string, len(s.table))
	for i, entry := range s.table {
		raw, err := s.serializer.EncodeRow(entry)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		rows[i] = raw
	}

	s.res = &UploadResult{SerialNumber: s.serial, Serializer: s.serializer.Name(), Rows: len(rows)}
	s.expect = len(rows) + 1
	s.begin("actiontable_upload", &s.res.Result)
	defer s.teardown()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, func() {
		s.finish(StatusFailedTimeout,
			fmt.Sprintf("%d of %d writes acknowledged by %s", s.res.Acked, s.expect, s.serial))
	}, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		for i, raw := range rows {
			s.proto.SendTelegram(s.serial, telegram.FuncWriteConfig, telegram.DataPoint(i), raw)
		}
		s.proto.SendTelegram(s.serial, telegram.FuncWriteConfig, telegram.DataPoint(len(rows)), telegram.TerminatorRow)
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *UploadActionTableService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsAck() || tg.SerialNumber != s.serial {
		return
	}
	s.res.Acked++
	if s.res.Acked >= s.expect {
		s.finish(StatusOK, "")
	}
}

func (s *UploadActionTableService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
