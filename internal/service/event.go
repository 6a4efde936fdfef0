package service

import (
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// EventResult is the response of an injected press or release event.
type EventResult struct {
	Result
	Frame string `json:"frame"`
}

// EventService injects one press or release telegram onto the bus, as if a
// push button had fired. Events are unacknowledged, so the service finishes
// as soon as the frame left the socket.
type EventService struct {
	runner

	OnFinish signal.Signal[*EventResult]

	moduleType int
	link       int
	input      int
	kind       telegram.EventKind
	res        *EventResult
	frame      string
}

func NewEventService(proto *conbus.Conn, logger *log.Logger, moduleType, link, input int, kind telegram.EventKind) *EventService {
	return &EventService{runner: newRunner(proto, logger, "event"), moduleType: moduleType, link: link, input: input, kind: kind}
}

func (s *EventService) Run() (*EventResult, error) {
	for _, f := range []struct {
		name  string
		value int
	}{{"module type", s.moduleType}, {"link number", s.link}, {"input number", s.input}} {
		if f.value < 0 || f.value > 99 {
			return nil, fmt.Errorf("%s %d out of range", f.name, f.value)
		}
	}
	if s.kind != telegram.Make && s.kind != telegram.Break {
		return nil, fmt.Errorf("unknown event kind %q", string(s.kind))
	}

	s.res = &EventResult{}
	s.begin("event", &s.res.Result)
	defer s.teardown()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(func(conbus.ReceivedEvent) {}, func() {
		s.finish(StatusFailedTimeout, "event was never written")
	}, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		tg := s.proto.SendEventTelegram(s.moduleType, s.link, s.input, s.kind)
		s.frame = tg.FrameString()
	})
	hook(&s.runner, &s.proto.TelegramSent, func(ev conbus.SentEvent) {
		if ev.Frame == s.frame {
			s.res.Frame = s.frame
			s.finish(StatusOK, "")
		}
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *EventService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
