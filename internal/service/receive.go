package service

import (
	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// ReceiveResult is the response of a passive listen.
type ReceiveResult struct {
	Result
	EventsOnly bool     `json:"events_only"`
	Frames     []string `json:"frames"`
}

// ReceiveService listens without sending anything. Inbound traffic keeps the
// session alive; the service finishes once the bus stays quiet for the
// configured timeout. With eventsOnly set, only press and release telegrams
// are collected, which backs the event monitor.
type ReceiveService struct {
	runner

	OnTelegram signal.Signal[telegram.Telegram]
	OnFinish   signal.Signal[*ReceiveResult]

	eventsOnly bool
	res        *ReceiveResult
}

func NewReceiveService(proto *conbus.Conn, logger *log.Logger, eventsOnly bool) *ReceiveService {
	return &ReceiveService{runner: newRunner(proto, logger, "receive"), eventsOnly: eventsOnly}
}

func (s *ReceiveService) Run() (*ReceiveResult, error) {
	s.res = &ReceiveResult{EventsOnly: s.eventsOnly, Frames: []string{}}
	s.begin("receive", &s.res.Result)
	defer s.teardown()
	defer s.OnTelegram.DisconnectAll()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, func() {
		s.finish(StatusOK, "")
	}, s.finish)

	s.run(s.finish)
	return s.res, nil
}

func (s *ReceiveService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if s.eventsOnly && !tg.IsEvent() {
		return
	}
	s.res.Frames = append(s.res.Frames, ev.Frame())
	s.OnTelegram.Emit(tg)
}

func (s *ReceiveService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
