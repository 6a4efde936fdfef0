package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conbus/xp/internal/telegram"
)

func TestScanInventoriesTheBus(t *testing.T) {
	srv := startBus(t, testModules())
	c := busConn(t, srv, 800*time.Millisecond)

	svc := NewScanService(c, quiet())
	found := 0
	svc.OnDeviceFound.Connect(func(string) { found++ })

	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 3, found)
	require.Len(t, res.Devices, 3)

	bySerial := map[string]ScannedModule{}
	for _, m := range res.Devices {
		bySerial[m.SerialNumber] = m
	}
	dim := bySerial["0020030837"]
	assert.Equal(t, "XP33", dim.ModuleType)
	require.NotNil(t, dim.ModuleTypeCode)
	assert.Equal(t, int(telegram.ModuleTypeXP33), *dim.ModuleTypeCode)
	require.NotNil(t, dim.LinkNumber)
	assert.Equal(t, 1, *dim.LinkNumber)
}

func TestScanPartialWhenTypeRefused(t *testing.T) {
	srv := startBus(t, testModules())
	dev, ok := srv.Device("0020042796")
	require.True(t, ok)
	dev.Refuse(telegram.DatapointLinkNumber)

	c := busConn(t, srv, 500*time.Millisecond)
	svc := NewScanService(c, quiet())
	res, err := svc.Run()
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StatusPartialTimeout, res.Status)
	require.Len(t, res.Devices, 3)
	for _, m := range res.Devices {
		if m.SerialNumber == "0020042796" {
			assert.Nil(t, m.LinkNumber)
			assert.Equal(t, "XP20", m.ModuleType)
		}
	}
}

func TestScanOfEmptyBusIsAnEmptyInventory(t *testing.T) {
	c := startSilentBus(t, 300*time.Millisecond)

	svc := NewScanService(c, quiet())
	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StatusOK, res.Status)
	assert.Empty(t, res.Devices)
}
