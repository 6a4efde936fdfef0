package service

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// DatapointReading is one decoded datapoint value.
type DatapointReading struct {
	Datapoint telegram.DataPoint `json:"datapoint_id"`
	Name      string             `json:"name"`
	Raw       string             `json:"raw"`
	Parsed    any                `json:"parsed,omitempty"`
	Unit      string             `json:"unit,omitempty"`
}

func newReading(dp telegram.DataPoint, raw string, logger *log.Logger) DatapointReading {
	reading := DatapointReading{Datapoint: dp, Name: dp.String(), Raw: raw}
	v, err := dp.ParseValue(raw)
	if err != nil {
		logger.Warn("datapoint value did not parse", "datapoint", dp, "raw", raw, "err", err)
		return reading
	}
	reading.Parsed = v.Parsed
	reading.Unit = v.Unit
	return reading
}

// ReadDatapointResult is the response of a single datapoint read.
type ReadDatapointResult struct {
	Result
	SerialNumber string            `json:"serial_number"`
	Reading      *DatapointReading `json:"reading,omitempty"`
}

// ReadDatapointService reads one datapoint from one module.
type ReadDatapointService struct {
	runner

	OnFinish signal.Signal[*ReadDatapointResult]

	serial string
	dp     telegram.DataPoint
	res    *ReadDatapointResult
}

func NewReadDatapointService(proto *conbus.Conn, logger *log.Logger, serial string, dp telegram.DataPoint) *ReadDatapointService {
	return &ReadDatapointService{runner: newRunner(proto, logger, "datapoint"), serial: serial, dp: dp}
}

func (s *ReadDatapointService) Run() (*ReadDatapointResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}

	s.res = &ReadDatapointResult{SerialNumber: s.serial}
	s.begin("datapoint_read", &s.res.Result)
	defer s.teardown()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, func() {
		s.finish(StatusFailedTimeout, fmt.Sprintf("no reply from %s for %s", s.serial, s.dp))
	}, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.proto.SendTelegram(s.serial, telegram.FuncReadDatapoint, s.dp, "")
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *ReadDatapointService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() || tg.Function != telegram.FuncReadDatapoint ||
		tg.SerialNumber != s.serial || !tg.HasDatapoint || tg.Datapoint != s.dp {
		return
	}
	reading := newReading(s.dp, tg.Data, s.log)
	s.res.Reading = &reading
	s.finish(StatusOK, "")
}

func (s *ReadDatapointService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}

// ReadAllResult is the response of a full datapoint sweep on one module.
type ReadAllResult struct {
	Result
	SerialNumber string             `json:"serial_number"`
	Readings     []DatapointReading `json:"readings"`
}

// ReadAllDatapointsService reads every registered datapoint of one module.
// The sweep ends early once everything answered; on timeout a partially
// answered module yields a partial result.
type ReadAllDatapointsService struct {
	runner

	OnProgress signal.Signal[DatapointReading]
	OnFinish   signal.Signal[*ReadAllResult]

	serial  string
	res     *ReadAllResult
	pending map[telegram.DataPoint]bool
	total   int
}

func NewReadAllDatapointsService(proto *conbus.Conn, logger *log.Logger, serial string) *ReadAllDatapointsService {
	return &ReadAllDatapointsService{runner: newRunner(proto, logger, "readall"), serial: serial}
}

func (s *ReadAllDatapointsService) Run() (*ReadAllResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}

	s.res = &ReadAllResult{SerialNumber: s.serial, Readings: []DatapointReading{}}
	s.pending = make(map[telegram.DataPoint]bool)
	s.begin("datapoint_readall", &s.res.Result)
	defer s.teardown()
	defer s.OnProgress.DisconnectAll()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, s.onTimeout, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		for _, desc := range telegram.Datapoints() {
			s.pending[desc.ID] = true
			s.proto.SendTelegram(s.serial, telegram.FuncReadDatapoint, desc.ID, "")
		}
		s.total = len(s.pending)
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *ReadAllDatapointsService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() || tg.Function != telegram.FuncReadDatapoint ||
		tg.SerialNumber != s.serial || !tg.HasDatapoint || !s.pending[tg.Datapoint] {
		return
	}
	delete(s.pending, tg.Datapoint)
	reading := newReading(tg.Datapoint, tg.Data, s.log)
	s.res.Readings = append(s.res.Readings, reading)
	s.OnProgress.Emit(reading)
	if s.total > 0 && len(s.pending) == 0 {
		s.finish(StatusOK, "")
	}
}

func (s *ReadAllDatapointsService) onTimeout() {
	switch {
	case len(s.res.Readings) == 0:
		s.finish(StatusFailedTimeout, fmt.Sprintf("no replies from %s", s.serial))
	case len(s.pending) > 0:
		s.finish(StatusPartialTimeout, "")
	default:
		s.finish(StatusOK, "")
	}
}

func (s *ReadAllDatapointsService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
