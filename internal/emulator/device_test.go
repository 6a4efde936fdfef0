package emulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conbus/xp/internal/config"
	"github.com/conbus/xp/internal/telegram"
)

func testRecord(serial, moduleType string, link, modnum int) config.ModuleRecord {
	return config.ModuleRecord{
		Name:         moduleType + "_TEST",
		SerialNumber: serial,
		ModuleType:   moduleType,
		LinkNumber:   &link,
		ModuleNumber: &modnum,
	}
}

func mustDevice(t *testing.T, rec config.ModuleRecord) *Device {
	t.Helper()
	d, err := newDevice(rec)
	require.NoError(t, err)
	return d
}

func readTg(serial string, dp telegram.DataPoint) telegram.Telegram {
	return telegram.NewSystemTelegram(serial, telegram.FuncReadDatapoint, dp, "")
}

func writeTg(serial string, dp telegram.DataPoint, data string) telegram.Telegram {
	return telegram.NewSystemTelegram(serial, telegram.FuncWriteConfig, dp, data)
}

func tableTg(serial string, dp telegram.DataPoint) telegram.Telegram {
	return telegram.NewSystemTelegram(serial, telegram.FuncReadActionTable, dp, "")
}

func singleReply(t *testing.T, r Reaction) telegram.Telegram {
	t.Helper()
	require.Len(t, r.Replies, 1)
	require.False(t, r.Storm)
	return r.Replies[0]
}

func TestDeviceAnswersDiscover(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	tg := telegram.NewSystemTelegram(telegram.BroadcastSerial, telegram.FuncDiscover, telegram.DatapointModuleTypeCode, "")
	reply := singleReply(t, d.Respond(tg))

	assert.True(t, reply.IsReply())
	assert.Equal(t, telegram.FuncDiscover, reply.Function)
	assert.Equal(t, "0020012345", reply.SerialNumber)
}

func TestDeviceIdentityReads(t *testing.T) {
	rec := testRecord("0020012345", "XP24", 3, 7)
	rec.SWVersion = "XP24_V0.34.03"
	rec.HWVersion = "XP24_HW2"
	rec.AutoReportStatus = "ON"
	d := mustDevice(t, rec)

	cases := []struct {
		dp   telegram.DataPoint
		want string
	}{
		{telegram.DatapointModuleTypeCode, "07"},
		{telegram.DatapointModuleType, "XP24"},
		{telegram.DatapointSoftwareVersion, "XP24_V0.34.03"},
		{telegram.DatapointHardwareVersion, "XP24_HW2"},
		{telegram.DatapointLinkNumber, "03"},
		{telegram.DatapointModuleNumber, "07"},
		{telegram.DatapointAutoReport, "01"},
		{telegram.DatapointModuleErrorCode, "00"},
	}
	for _, tc := range cases {
		reply := singleReply(t, d.Respond(readTg("0020012345", tc.dp)))
		assert.Equal(t, tc.want, reply.Data, "datapoint %s", tc.dp)
		assert.Equal(t, tc.dp, reply.Datapoint)
	}
}

func TestDeviceVersionDefaultsFromType(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP33", 1, 0))

	sw := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointSoftwareVersion)))
	assert.Equal(t, "XP33_V0.01.05", sw.Data)
}

func TestDeviceOutputStateWriteAndRead(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	reply := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointOutputState)))
	assert.Equal(t, "xxxx0000", reply.Data)

	ack := singleReply(t, d.Respond(writeTg("0020012345", telegram.DatapointOutputState, "021")))
	assert.True(t, ack.IsAck())

	reply = singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointOutputState)))
	assert.Equal(t, "xxxx0100", reply.Data)

	v, err := telegram.DatapointOutputState.ParseValue(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, []bool{false, false, true, false}, v.Parsed)
}

func TestDeviceRejectsBadOutputWrite(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	r := d.Respond(writeTg("0020012345", telegram.DatapointOutputState, "091"))
	assert.Empty(t, r.Replies)
}

func TestDeviceLightLevelWrite(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP33", 1, 0))

	ack := singleReply(t, d.Respond(writeTg("0020012345", telegram.DatapointLightLevel, "02:050")))
	assert.True(t, ack.IsAck())

	reply := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointLightLevel)))
	assert.Equal(t, "01:000%,02:050%,03:000%", reply.Data)

	v, err := telegram.DatapointLightLevel.ParseValue(reply.Data)
	require.NoError(t, err)
	levels := v.Parsed.([]telegram.ChannelLevel)
	assert.Equal(t, telegram.ChannelLevel{Channel: 2, Percent: 50}, levels[1])
}

func TestDeviceConfigWritesAck(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	ack := singleReply(t, d.Respond(writeTg("0020012345", telegram.DatapointLinkNumber, "25")))
	assert.True(t, ack.IsAck())
	reply := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointLinkNumber)))
	assert.Equal(t, "25", reply.Data)

	ack = singleReply(t, d.Respond(writeTg("0020012345", telegram.DatapointAutoReport, "01")))
	assert.True(t, ack.IsAck())
	reply = singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointAutoReport)))
	assert.Equal(t, "01", reply.Data)
}

func TestDeviceBlinkUnblink(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	ack := singleReply(t, d.Respond(telegram.NewSystemTelegram("0020012345", telegram.FuncBlink, telegram.DataPoint(0), "")))
	assert.True(t, ack.IsAck())
	assert.True(t, d.Snapshot().Blinking)

	ack = singleReply(t, d.Respond(telegram.NewSystemTelegram("0020012345", telegram.FuncUnblink, telegram.DataPoint(0), "")))
	assert.True(t, ack.IsAck())
	assert.False(t, d.Snapshot().Blinking)
}

func TestDeviceVoltageAndTemperatureCarryUnits(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP230", 1, 0))

	reply := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointVoltage)))
	v, err := telegram.DatapointVoltage.ParseValue(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, 23.4, v.Parsed)
	assert.Equal(t, "V", v.Unit)

	reply = singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointTemperature)))
	v, err = telegram.DatapointTemperature.ParseValue(reply.Data)
	require.NoError(t, err)
	assert.Equal(t, 26.0, v.Parsed)
}

func TestDeviceStormLifecycle(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	// Seed lastReply with a real read so the burst replicates it.
	stateReply := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointOutputState)))

	r := d.Respond(readTg("0020012345", stormTriggerDatapoint))
	assert.True(t, r.Storm)
	assert.Empty(t, r.Replies)
	assert.Equal(t, stateReply.FrameString(), string(r.StormFrame))
	assert.Equal(t, StateStorm, d.State())

	// Any other traffic keeps the storm going.
	r = d.Respond(readTg("0020012345", telegram.DatapointModuleType))
	assert.True(t, r.Storm)

	// Reading the error code clears the storm and reports the cause once.
	clear := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointModuleErrorCode)))
	assert.Equal(t, "FE", clear.Data)
	assert.Equal(t, StateNormal, d.State())

	healthy := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointModuleErrorCode)))
	assert.Equal(t, "00", healthy.Data)
}

func TestDeviceStormViaAdminToggle(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	d.SetStorm(true)
	r := d.Respond(readTg("0020012345", telegram.DatapointModuleType))
	assert.True(t, r.Storm)

	d.SetStorm(false)
	reply := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointModuleType)))
	assert.Equal(t, "XP24", reply.Data)
}

func TestDeviceRefusedDatapointStaysSilent(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))
	d.Refuse(telegram.DatapointSoftwareVersion)

	r := d.Respond(readTg("0020012345", telegram.DatapointSoftwareVersion))
	assert.Empty(t, r.Replies)
	assert.False(t, r.Storm)

	// Other datapoints still answer.
	reply := singleReply(t, d.Respond(readTg("0020012345", telegram.DatapointModuleType)))
	assert.Equal(t, "XP24", reply.Data)
}

func TestDeviceUnknownRequestsStaySilent(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	r := d.Respond(telegram.NewSystemTelegram("0020012345", telegram.Function(77), telegram.DataPoint(0), ""))
	assert.Empty(t, r.Replies)

	r = d.Respond(readTg("0020012345", telegram.DataPoint(42)))
	assert.Empty(t, r.Replies)
}

func TestDeviceActionTableDownload(t *testing.T) {
	entries := telegram.ActionTable{
		{SourceModuleType: telegram.ModuleTypeXP20, SourceLink: 1, SourceInput: 2, TargetOutput: 3, Action: telegram.ActionTurnOn},
		{SourceModuleType: telegram.ModuleTypeXP20, SourceLink: 1, SourceInput: 3, TargetOutput: 0, Action: telegram.ActionTurnOff},
	}
	rec := testRecord("0020012345", "XP24", 1, 0)
	rec.ActionTable = entries.ShortLines()
	d := mustDevice(t, rec)

	ser := telegram.XP24Serializer{}
	var all []byte
	for row, want := range entries {
		reply := singleReply(t, d.Respond(tableTg("0020012345", telegram.DataPoint(row))))
		require.Equal(t, telegram.FuncReadActionTable, reply.Function)

		encoded, err := ser.EncodeRow(want)
		require.NoError(t, err)
		assert.Equal(t, encoded, reply.Data)
		all = append(all, encoded...)
	}

	end := singleReply(t, d.Respond(tableTg("0020012345", telegram.DataPoint(len(entries)))))
	assert.Equal(t, telegram.FuncEndOfTable, end.Function)
	assert.Equal(t, telegram.CRC32Nibble(all), end.Data)
}

func TestDeviceActionTableUpload(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	entries := telegram.ActionTable{
		{SourceModuleType: telegram.ModuleTypeXP20, SourceLink: 4, SourceInput: 0, TargetOutput: 1, Action: telegram.ActionToggle},
		{SourceModuleType: telegram.ModuleTypeXP20, SourceLink: 4, SourceInput: 1, TargetOutput: 2, Action: telegram.ActionTurnOn},
	}
	ser := telegram.XP24Serializer{}
	for row, e := range entries {
		encoded, err := ser.EncodeRow(e)
		require.NoError(t, err)
		ack := singleReply(t, d.Respond(writeTg("0020012345", telegram.DataPoint(row), encoded)))
		assert.True(t, ack.IsAck())
	}
	ack := singleReply(t, d.Respond(writeTg("0020012345", telegram.DataPoint(len(entries)), telegram.TerminatorRow)))
	assert.True(t, ack.IsAck())

	assert.Equal(t, entries, d.ActionTable())
}

func TestDeviceActionTableDownloadUsesRequestsAboveTable(t *testing.T) {
	d := mustDevice(t, testRecord("0020012345", "XP24", 1, 0))

	// Empty table: the first row request already terminates.
	end := singleReply(t, d.Respond(tableTg("0020012345", telegram.DataPoint(0))))
	assert.Equal(t, telegram.FuncEndOfTable, end.Function)
	assert.Equal(t, telegram.CRC32Nibble(nil), end.Data)
}

func TestRenderOutputs(t *testing.T) {
	assert.Equal(t, "xxxx0000", renderOutputs(make([]bool, 4)))
	assert.Equal(t, "xxxx1101", renderOutputs([]bool{true, false, true, true}))
	assert.Equal(t, "xxxxxx10", renderOutputs([]bool{false, true}))
}

func TestRenderLevels(t *testing.T) {
	assert.Equal(t, "01:000%,02:075%", renderLevels([]int{0, 75}))
}
