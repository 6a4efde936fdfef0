package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/telegram"
)

func TestActionTableDownloadDecodesRows(t *testing.T) {
	list := testModules()
	list.Modules[1].ActionTable = []string{"XP20 3 1 > 2 ON", "XP20 3 2 > 2 OFF"}
	srv := startBus(t, list)

	c := busConn(t, srv, 2*time.Second)
	svc := NewDownloadActionTableService(c, quiet(), "0020044966", telegram.XP24Serializer{})
	var lines []string
	svc.OnProgress.Connect(func(line string) { lines = append(lines, line) })

	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, StatusOK, res.Status)
	assert.Equal(t, []string{"XP20 3 1 > 2 ON", "XP20 3 2 > 2 OFF"}, res.Rows)
	assert.Equal(t, res.Rows, lines)
	assert.Len(t, res.RawRows, 2)
	assert.Len(t, res.CRC, telegram.CRCChecksumLen)
	assert.Len(t, res.Table(), 2)
}

func TestActionTableDownloadSkipsUndecodableRows(t *testing.T) {
	list := testModules()
	list.Modules[1].ActionTable = []string{"XP20 3 1 > 2 ON"}
	srv := startBus(t, list)

	// The relay answers in its nibble format; reading it with the decimal
	// serializer cannot decode any row but the transfer itself still
	// completes against the trailing checksum.
	c := busConn(t, srv, 2*time.Second)
	svc := NewDownloadActionTableService(c, quiet(), "0020044966", nil)
	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "standard", res.Serializer)
	assert.Empty(t, res.Rows)
	assert.Len(t, res.RawRows, 1)
}

func TestActionTableDownloadEmptyTable(t *testing.T) {
	srv := startBus(t, testModules())

	c := busConn(t, srv, 2*time.Second)
	svc := NewDownloadActionTableService(c, quiet(), "0020044966", telegram.XP24Serializer{})
	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Empty(t, res.Rows)
	assert.Equal(t, "AAAAAAAA", res.CRC)
}

func TestActionTableDownloadTimesOut(t *testing.T) {
	c := startSilentBus(t, 300*time.Millisecond)

	svc := NewDownloadActionTableService(c, quiet(), "0020044966", nil)
	res, err := svc.Run()
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailedTimeout, res.Status)
}

func TestActionTableUploadCommitsOnTerminator(t *testing.T) {
	srv := startBus(t, testModules())
	table := telegram.ActionTable{
		{SourceModuleType: telegram.ModuleTypeXP20, SourceLink: 3, SourceInput: 1, TargetOutput: 2, Action: telegram.ActionTurnOn},
		{SourceModuleType: telegram.ModuleTypeXP20, SourceLink: 3, SourceInput: 2, TargetOutput: 2, Action: telegram.ActionTurnOff},
	}

	c := busConn(t, srv, 2*time.Second)
	svc := NewUploadActionTableService(c, quiet(), "0020044966", table, telegram.XP24Serializer{})
	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, 3, res.Acked)

	dev, ok := srv.Device("0020044966")
	require.True(t, ok)
	assert.Equal(t, table, dev.ActionTable())
}

func TestActionTableUploadRejectsUnencodableRow(t *testing.T) {
	c := startSilentBus(t, time.Second)
	table := telegram.ActionTable{
		{SourceModuleType: telegram.ModuleTypeXP20, SourceLink: 3, SourceInput: 1, TargetOutput: 9, Action: telegram.ActionTurnOn},
	}

	svc := NewUploadActionTableService(c, quiet(), "0020044966", table, telegram.XP24Serializer{})
	res, err := svc.Run()
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestActionTableUploadTimesOutWithoutAcks(t *testing.T) {
	c := startSilentBus(t, 300*time.Millisecond)
	table := telegram.ActionTable{
		{SourceModuleType: telegram.ModuleTypeXP20, SourceLink: 3, SourceInput: 1, TargetOutput: 2, Action: telegram.ActionTurnOn},
	}

	svc := NewUploadActionTableService(c, quiet(), "0020044966", table, nil)
	res, err := svc.Run()
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailedTimeout, res.Status)
	assert.Zero(t, res.Acked)
}

func TestMsActionTableSelectsFamilySerializer(t *testing.T) {
	list := testModules()
	list.Modules[0].ActionTable = []string{"XP20 1 1 > 0 LEVELSET 50"}
	srv := startBus(t, list)

	c := busConn(t, srv, 2*time.Second)
	svc := NewMsActionTableService(c, quiet(), "0020030837")
	res, err := svc.Run()
	require.NoError(t, err)

	assert.True(t, res.Success)
	assert.Equal(t, "XP33", res.ModuleType)
	assert.Equal(t, "XP33", res.Serializer)
	assert.Equal(t, []string{"XP20 1 1 > 0 LEVELSET 50"}, res.Rows)
}

func TestMsActionTableFailsOnTablelessModule(t *testing.T) {
	list := &config.ModuleList{Name: "psu bench", Modules: []config.ModuleRecord{
		{Name: "PSU", SerialNumber: "0012345011", ModuleType: "XP230", LinkNumber: intp(1), ModuleNumber: intp(1)},
	}}
	srv := startBus(t, list)

	c := busConn(t, srv, time.Second)
	svc := NewMsActionTableService(c, quiet(), "0012345011")
	res, err := svc.Run()
	require.NoError(t, err)

	assert.False(t, res.Success)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Error, "no table format")
}
