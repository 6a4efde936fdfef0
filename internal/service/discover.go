package service

import (
	"sort"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// DiscoverResult lists the serial numbers that answered the broadcast.
type DiscoverResult struct {
	Result
	Devices []string `json:"devices"`
}

// DiscoverService broadcasts a discover telegram and collects every module
// that answers until the bus goes quiet. The rolling timeout is the normal
// end of a discovery, so a timeout run still succeeds.
type DiscoverService struct {
	runner

	OnDeviceFound signal.Signal[string]
	OnFinish      signal.Signal[*DiscoverResult]

	res  *DiscoverResult
	seen map[string]bool
}

func NewDiscoverService(proto *conbus.Conn, logger *log.Logger) *DiscoverService {
	return &DiscoverService{runner: newRunner(proto, logger, "discover")}
}

// Run performs one discovery and blocks until the result is sealed.
func (s *DiscoverService) Run() (*DiscoverResult, error) {
	s.res = &DiscoverResult{Devices: []string{}}
	s.seen = make(map[string]bool)
	s.begin("discover", &s.res.Result)
	defer s.teardown()
	defer s.OnDeviceFound.DisconnectAll()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(s.onReceived, func() { s.finish(StatusOK, "") }, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		s.proto.SendTelegram(telegram.BroadcastSerial, telegram.FuncDiscover, telegram.DatapointModuleTypeCode, "")
	})

	s.run(s.finish)
	return s.res, nil
}

func (s *DiscoverService) onReceived(ev conbus.ReceivedEvent) {
	tg := ev.Telegram
	if !tg.IsReply() || tg.Function != telegram.FuncDiscover {
		return
	}
	if !telegram.ValidSerial(tg.SerialNumber) || s.seen[tg.SerialNumber] {
		return
	}
	s.seen[tg.SerialNumber] = true
	s.res.Devices = append(s.res.Devices, tg.SerialNumber)
	s.log.Info("device found", "serial", tg.SerialNumber)
	s.OnDeviceFound.Emit(tg.SerialNumber)
}

func (s *DiscoverService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	sort.Strings(s.res.Devices)
	s.OnFinish.Emit(s.res)
}
