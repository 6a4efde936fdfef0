package telegram

import (
	"bytes"

	"github.com/charmbracelet/log"
)

// StreamParser extracts complete frames from a TCP byte stream. Partial
// frames stay buffered until the closing marker arrives; garbage between
// frames and structurally broken frames are dropped with a debug log.
type StreamParser struct {
	buf    []byte
	logger *log.Logger
}

// NewStreamParser returns a parser with an empty buffer. A nil logger falls
// back to the package default.
func NewStreamParser(logger *log.Logger) *StreamParser {
	if logger == nil {
		logger = log.Default().WithPrefix("codec")
	}
	return &StreamParser{logger: logger}
}

// Feed appends data to the buffer and returns every complete telegram now
// available, in wire order. Telegrams with checksum mismatches are returned
// with ChecksumValid false, never dropped.
func (p *StreamParser) Feed(data []byte) []Telegram {
	p.buf = append(p.buf, data...)

	var out []Telegram
	for {
		start := bytes.IndexByte(p.buf, FrameStart)
		if start < 0 {
			p.buf = p.buf[:0]
			return out
		}
		end := bytes.IndexByte(p.buf[start:], FrameEnd)
		if end < 0 {
			p.buf = append(p.buf[:0], p.buf[start:]...)
			return out
		}
		end += start

		// Garbage can itself contain '<'; the frame starts at the last one
		// before the closing marker.
		if inner := bytes.LastIndexByte(p.buf[start:end], FrameStart); inner > 0 {
			start += inner
		}

		t, err := Parse(p.buf[start : end+1])
		if err != nil {
			p.logger.Debug("dropping malformed frame",
				"frame", DecodeLatin1(p.buf[start:end+1]), "err", err)
		} else {
			out = append(out, t)
		}

		p.buf = append(p.buf[:0], p.buf[end+1:]...)
	}
}

// Pending returns the number of buffered bytes awaiting a frame end.
func (p *StreamParser) Pending() int {
	return len(p.buf)
}
