package service

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/signal"
	"github.com/conbus/xp/internal/telegram"
)

// RawResult is the response of a raw frame injection.
type RawResult struct {
	Result
	Frames []string `json:"frames"`
}

// RawService pushes operator-supplied frames onto the bus and records
// whatever comes back until the line goes quiet. A payload that already ends
// in its correct checksum is sent byte for byte; anything else is treated as
// a bare payload and framed with a freshly computed checksum. With no frames
// at all the service just listens, which is what the receive command does.
type RawService struct {
	runner

	OnFinish signal.Signal[*RawResult]

	input string
	res   *RawResult
}

func NewRawService(proto *conbus.Conn, logger *log.Logger, input string) *RawService {
	return &RawService{runner: newRunner(proto, logger, "raw"), input: input}
}

// extractFrames pulls every <...> group out of free-form operator input.
func extractFrames(input string) []string {
	var out []string
	for {
		start := strings.IndexByte(input, '<')
		if start < 0 {
			return out
		}
		end := strings.IndexByte(input[start:], '>')
		if end < 0 {
			return out
		}
		out = append(out, input[start+1:start+end])
		input = input[start+end+1:]
	}
}

func (s *RawService) Run() (*RawResult, error) {
	frames := extractFrames(s.input)
	if len(frames) == 0 && strings.TrimSpace(s.input) != "" {
		return nil, fmt.Errorf("no <...> frames in input %q", s.input)
	}

	s.res = &RawResult{Frames: []string{}}
	s.begin("raw", &s.res.Result)
	defer s.teardown()
	defer s.OnFinish.DisconnectAll()

	s.wireBase(func(conbus.ReceivedEvent) {}, func() {
		s.finish(StatusOK, "")
	}, s.finish)
	hook(&s.runner, &s.proto.ConnectionMade, func(conbus.ConnectedEvent) {
		for _, inner := range frames {
			s.res.Frames = append(s.res.Frames, s.send(inner))
		}
	})

	s.run(s.finish)
	return s.res, nil
}

// send forwards one payload, preserving an existing checksum so the operator
// controls the exact bytes on the wire.
func (s *RawService) send(inner string) string {
	if len(inner) > telegram.ChecksumLen {
		body := inner[:len(inner)-telegram.ChecksumLen]
		sum := inner[len(inner)-telegram.ChecksumLen:]
		if raw, err := telegram.EncodeLatin1(body); err == nil && telegram.VerifyChecksum(raw, sum) {
			frame := make([]byte, 0, len(raw)+len(sum)+2)
			frame = append(frame, telegram.FrameStart)
			frame = append(frame, raw...)
			frame = append(frame, sum...)
			frame = append(frame, telegram.FrameEnd)
			s.proto.SendFrame(frame)
			return telegram.DecodeLatin1(frame)
		}
	}
	return s.proto.SendRawTelegram(inner)
}

func (s *RawService) finish(st Status, errMsg string) {
	if !s.seal(st, errMsg) {
		return
	}
	s.OnFinish.Emit(s.res)
}
