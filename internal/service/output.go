package service

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// OutputAction selects what an output command does.
type OutputAction string

const (
	OutputStatus OutputAction = "STATUS"
	OutputOn     OutputAction = "ON"
	OutputOff    OutputAction = "OFF"
	OutputToggle OutputAction = "TOGGLE"
)

// ParseOutputAction resolves a command-line action word.
func ParseOutputAction(raw string) (OutputAction, error) {
	switch OutputAction(strings.ToUpper(raw)) {
	case OutputStatus:
		return OutputStatus, nil
	case OutputOn:
		return OutputOn, nil
	case OutputOff:
		return OutputOff, nil
	case OutputToggle:
		return OutputToggle, nil
	}
	return "", fmt.Errorf("unknown output action %q", raw)
}

// OutputResult is the response of an output command.
type OutputResult struct {
	Result
	SerialNumber string       `json:"serial_number"`
	Action       OutputAction `json:"action"`
	Output       *int         `json:"output,omitempty"`
	States       []bool       `json:"states,omitempty"`
	Acked        bool         `json:"acked,omitempty"`
}

const (
	outputPhaseRead = iota
	outputPhaseWrite
)

// OutputService inspects or switches one relay output of one module.
// STATUS reads the output bank, ON and OFF write one channel, and TOGGLE
// reads the bank first and then writes the opposite state.
type OutputService struct {
	runner

	OnFinish signal.Signal[*OutputResult]

	serial string
	action OutputAction
	output int
	res    *OutputResult
	phase  int
}

func NewOutputService(proto *conbus.Conn, logger *log.Logger, serial string, action OutputAction, output int) *OutputService {
	return &OutputService{runner: newRunner(proto, logger, "output"), serial: serial, action: action, output: output}
}

func (s *OutputService) Run() (*OutputResult, error) {
	if !telegram.ValidSerial(s.serial) {
		return nil, fmt.Errorf("invalid serial number %q", s.serial)
	}
	switch s.action {
	case OutputStatus:
	case OutputOn, OutputOff, OutputToggle:
		if s.output < 0 || s.output > 99 {
			return nil, fmt.Errorf("output number %d out of range", s.output)
		}
	default:
		return nil, fmt.Errorf("unknown output action %q", s.action)
	}

	s.res = &OutputResult{SerialNumber: s.serial, Action: s.action}
	if s.action != OutputStatus {
		n := s.output
		s.res.Output = &n
	}
	s.begin("output", &s.res.Result)
	defer s.teardown()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, func() {
		s.finish(StatusFailedTimeout, fmt.Sprintf("no reply from %s", s.serial))
	}, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		switch s.action {
		case OutputStatus, OutputToggle:
			s.phase = outputPhaseRead
			s.proto.SendTelegram(s.serial, telegram.FuncReadDatapoint, telegram.DatapointOutputState, "")
		case OutputOn:
			s.sendSwitch(true)
		case OutputOff:
			s.sendSwitch(false)
		}
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *OutputService) sendSwitch(on bool) {
	s.phase = outputPhaseWrite
	state := "0"
	if on {
		state = "1"
	}
	s.proto.SendTelegram(s.serial, telegram.FuncWriteConfig, telegram.DatapointOutputState,
		fmt.Sprintf("%02d%s", s.output, state))
}

func (s *OutputService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if tg.SerialNumber != s.serial {
		return
	}
	switch s.phase {
	case outputPhaseRead:
		if !tg.IsReply() || tg.Function != telegram.FuncReadDatapoint ||
			!tg.HasDatapoint || tg.Datapoint != telegram.DatapointOutputState {
			return
		}
		states, err := outputStates(tg.Data)
		if err != nil {
			s.finish(StatusFailed, fmt.Sprintf("output state %q did not parse: %v", tg.Data, err))
			return
		}
		s.res.States = states
		if s.action == OutputStatus {
			s.finish(StatusOK, "")
			return
		}
		on := s.output < len(states) && states[s.output]
		s.sendSwitch(!on)
	case outputPhaseWrite:
		if !tg.IsAck() {
			return
		}
		s.res.Acked = true
		s.finish(StatusOK, "")
	}
}

func outputStates(raw string) ([]bool, error) {
	v, err := telegram.DatapointOutputState.ParseValue(raw)
	if err != nil {
		return nil, err
	}
	states, ok := v.Parsed.([]bool)
	if !ok {
		return nil, fmt.Errorf("unexpected value %T", v.Parsed)
	}
	return states, nil
}

func (s *OutputService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
