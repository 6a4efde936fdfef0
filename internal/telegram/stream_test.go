package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestFeedExtractsSingleFrame(t *testing.T) {
	p := NewStreamParser(nil)

	out := p.Feed([]byte("<S0000000000F01D00FA>"))
	require.Len(t, out, 1)
	assert.Equal(t, TypeSystem, out[0].Type)
	assert.Equal(t, 0, p.Pending())
}

func TestFeedBuffersPartialFrame(t *testing.T) {
	p := NewStreamParser(nil)

	out := p.Feed([]byte("<S0000000000F0"))
	assert.Empty(t, out)
	assert.Equal(t, 14, p.Pending())

	out = p.Feed([]byte("1D00FA>"))
	require.Len(t, out, 1)
	assert.Equal(t, FuncDiscover, out[0].Function)
	assert.Equal(t, 0, p.Pending())
}

func TestFeedSkipsGarbageBetweenFrames(t *testing.T) {
	p := NewStreamParser(nil)

	out := p.Feed([]byte("junk<R0020030837F01DFM>noise\r\n<R0020044964F18DFA>tail"))
	require.Len(t, out, 2)
	assert.Equal(t, "0020030837", out[0].SerialNumber)
	assert.True(t, out[1].IsAck())
}

func TestFeedDropsMalformedFrameAndContinues(t *testing.T) {
	p := NewStreamParser(nil)

	out := p.Feed([]byte("<xy><R0020030837F01DFM>"))
	require.Len(t, out, 1)
	assert.Equal(t, "0020030837", out[0].SerialNumber)
}

func TestFeedRecoversWhenGarbageContainsStartMarker(t *testing.T) {
	p := NewStreamParser(nil)

	out := p.Feed([]byte("ab<cd<R0020030837F01DFM>"))
	require.Len(t, out, 1)
	assert.Equal(t, "0020030837", out[0].SerialNumber)
}

func TestFeedKeepsBadChecksumFrames(t *testing.T) {
	p := NewStreamParser(nil)

	out := p.Feed([]byte("<S0020044966F02D12FB>"))
	require.Len(t, out, 1)
	assert.False(t, out[0].ChecksumValid)
}

func TestFeedDiscardsPureGarbage(t *testing.T) {
	p := NewStreamParser(nil)

	out := p.Feed([]byte("no frames here"))
	assert.Empty(t, out)
	assert.Equal(t, 0, p.Pending())
}

// Chunking must not change what comes out: feeding a stream byte-split at
// arbitrary points yields the same telegram sequence as feeding it whole.
func TestFeedChunkingInvariance(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 5).Draw(t, "frames")

		var stream []byte
		var wantSerials []string
		for i := 0; i < n; i++ {
			garbage := rapid.StringMatching(`[0-9A-Za-z ,.:]{0,8}`).Draw(t, "garbage")
			serial := rapid.StringMatching(`[0-9]{10}`).Draw(t, "serial")
			tg := NewReplyTelegram(serial, FuncReadDatapoint, DatapointOutputState, "xxxx1010")

			stream = append(stream, garbage...)
			stream = append(stream, tg.Frame...)
			wantSerials = append(wantSerials, serial)
		}

		whole := NewStreamParser(nil)
		var wantFrames []string
		for _, tg := range whole.Feed(stream) {
			wantFrames = append(wantFrames, string(tg.Frame))
		}
		assert.Len(t, wantFrames, n)

		chunked := NewStreamParser(nil)
		var gotFrames []string
		var gotSerials []string
		rest := stream
		for len(rest) > 0 {
			size := rapid.IntRange(1, len(rest)).Draw(t, "chunk")
			for _, tg := range chunked.Feed(rest[:size]) {
				gotFrames = append(gotFrames, string(tg.Frame))
				gotSerials = append(gotSerials, tg.SerialNumber)
			}
			rest = rest[size:]
		}

		assert.Equal(t, wantFrames, gotFrames)
		assert.Equal(t, wantSerials, gotSerials)
	})
}
