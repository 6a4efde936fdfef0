package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conbus/xp/internal/conbus"
	"github.com/conbus/xp/internal/telegram"
)

func TestReadDatapointModuleType(t *testing.T) {
	srv := startBus(t, testModules())
	c := busConn(t, srv, 2*time.Second)

	svc := NewReadDatapointService(c, quiet(), "0020044966", telegram.DatapointModuleType)
	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	require.NotNil(t, res.Reading)
	assert.Equal(t, "MODULE_TYPE", res.Reading.Name)
	assert.Equal(t, "XP24", res.Reading.Raw)
	assert.Equal(t, "XP24", res.Reading.Parsed)
}

func TestReadDatapointTemperatureCarriesUnit(t *testing.T) {
	srv := startBus(t, testModules())
	c := busConn(t, srv, 2*time.Second)

	svc := NewReadDatapointService(c, quiet(), "0020030837", telegram.DatapointTemperature)
	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	require.NotNil(t, res.Reading)
	assert.Equal(t, 26.0, res.Reading.Parsed)
	assert.Equal(t, "C", res.Reading.Unit)
}

func TestReadDatapointTimesOutOnSilentSerial(t *testing.T) {
	srv := startBus(t, testModules())
	c := busConn(t, srv, 300*time.Millisecond)

	svc := NewReadDatapointService(c, quiet(), "0099999999", telegram.DatapointModuleType)
	res, err := svc.Run()
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailedTimeout, res.Status)
	assert.Nil(t, res.Reading)
}

func TestReadDatapointRejectsBadSerial(t *testing.T) {
	c := conbus.NewConn(conbus.Options{Logger: quiet()})

	svc := NewReadDatapointService(c, quiet(), "12345", telegram.DatapointModuleType)
	res, err := svc.Run()
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestReadAllDatapointsFullSweep(t *testing.T) {
	srv := startBus(t, testModules())
	c := busConn(t, srv, 2*time.Second)

	svc := NewReadAllDatapointsService(c, quiet(), "0020044966")
	progress := 0
	svc.OnProgress.Connect(func(DatapointReading) { progress++ })

	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StatusOK, res.Status)
	assert.Len(t, res.Readings, len(telegram.Datapoints()))
	assert.Equal(t, len(res.Readings), progress)
}

func TestReadAllDatapointsPartialWhenOneRefused(t *testing.T) {
	srv := startBus(t, testModules())
	dev, ok := srv.Device("0020044966")
	require.True(t, ok)
	dev.Refuse(telegram.DatapointVoltage)

	c := busConn(t, srv, 400*time.Millisecond)
	svc := NewReadAllDatapointsService(c, quiet(), "0020044966")
	res, err := svc.Run()
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StatusPartialTimeout, res.Status)
	assert.True(t, res.Partial)
	assert.Len(t, res.Readings, len(telegram.Datapoints())-1)
}

func TestWriteDatapointAckedAndApplied(t *testing.T) {
	srv := startBus(t, testModules())

	c := busConn(t, srv, 2*time.Second)
	w := NewWriteDatapointService(c, quiet(), "0020044966", telegram.DatapointLinkNumber, "07")
	wres, err := w.Run()
	require.NoError(t, err)
	assert.True(t, wres.Success)
	assert.True(t, wres.Acked)

	c2 := busConn(t, srv, 2*time.Second)
	r := NewReadDatapointService(c2, quiet(), "0020044966", telegram.DatapointLinkNumber)
	rres, err := r.Run()
	require.NoError(t, err)
	require.NotNil(t, rres.Reading)
	assert.Equal(t, "07", rres.Reading.Raw)
}

func TestWriteDatapointTimesOut(t *testing.T) {
	srv := startBus(t, testModules())
	c := busConn(t, srv, 300*time.Millisecond)

	svc := NewWriteDatapointService(c, quiet(), "0099999999", telegram.DatapointLinkNumber, "07")
	res, err := svc.Run()
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailedTimeout, res.Status)
	assert.False(t, res.Acked)
}
