package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputAction(t *testing.T) {
	for raw, want := range map[string]OutputAction{
		"on": OutputOn, "OFF": OutputOff, "Toggle": OutputToggle, "status": OutputStatus,
	} {
		got, err := ParseOutputAction(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got)
	}
	_, err := ParseOutputAction("bogus")
	assert.Error(t, err)
}

func TestOutputStatusParsesBank(t *testing.T) {
	srv := startBus(t, testModules())

	for _, idx := range []int{1, 2, 3} {
		on := NewOutputService(busConn(t, srv, 2*time.Second), quiet(), "0020044966", OutputOn, idx)
		res, err := on.Run()
		require.NoError(t, err)
		require.True(t, res.Success)
	}

	svc := NewOutputService(busConn(t, srv, 2*time.Second), quiet(), "0020044966", OutputStatus, 0)
	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, []bool{false, true, true, true}, res.States)
	assert.Nil(t, res.Output)
}

func TestOutputOffClearsChannel(t *testing.T) {
	srv := startBus(t, testModules())
	dev, ok := srv.Device("0020044966")
	require.True(t, ok)

	on := NewOutputService(busConn(t, srv, 2*time.Second), quiet(), "0020044966", OutputOn, 0)
	_, err := on.Run()
	require.NoError(t, err)
	require.True(t, dev.Snapshot().Outputs[0])

	off := NewOutputService(busConn(t, srv, 2*time.Second), quiet(), "0020044966", OutputOff, 0)
	res, err := off.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.True(t, res.Acked)
	assert.False(t, dev.Snapshot().Outputs[0])
}

func TestOutputToggleFlipsChannel(t *testing.T) {
	srv := startBus(t, testModules())
	dev, ok := srv.Device("0020044966")
	require.True(t, ok)

	first := NewOutputService(busConn(t, srv, 2*time.Second), quiet(), "0020044966", OutputToggle, 2)
	res, err := first.Run()
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, dev.Snapshot().Outputs[2])

	second := NewOutputService(busConn(t, srv, 2*time.Second), quiet(), "0020044966", OutputToggle, 2)
	res, err = second.Run()
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, dev.Snapshot().Outputs[2])
}

func TestOutputRejectsBadInput(t *testing.T) {
	c := startSilentBus(t, time.Second)

	_, err := NewOutputService(c, quiet(), "0020044966", OutputOn, -1).Run()
	assert.Error(t, err)

	_, err = NewOutputService(c, quiet(), "0020044966", OutputAction("BLINK"), 0).Run()
	assert.Error(t, err)

	_, err = NewOutputService(c, quiet(), "12345", OutputStatus, 0).Run()
	assert.Error(t, err)
}
