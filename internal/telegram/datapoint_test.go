package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputState(t *testing.T) {
	v, err := DatapointOutputState.ParseValue("xxxx1110")
	require.NoError(t, err)

	// Output 0 is the rightmost bit.
	assert.Equal(t, []bool{false, true, true, true}, v.Parsed)
	assert.Equal(t, "xxxx1110", v.Raw)
}

func TestParseOutputStateAllOn(t *testing.T) {
	v, err := DatapointOutputState.ParseValue("xxxx1111")
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true, true, true}, v.Parsed)
}

func TestParseOutputStateRejectsNonBinary(t *testing.T) {
	_, err := DatapointOutputState.ParseValue("xxxx12a0")
	assert.ErrorIs(t, err, ErrParseValue)

	_, err = DatapointOutputState.ParseValue("xxxxxxxx")
	assert.ErrorIs(t, err, ErrParseValue)
}

func TestParseLightLevel(t *testing.T) {
	v, err := DatapointLightLevel.ParseValue("01:050%,02:100%,03:000%")
	require.NoError(t, err)

	assert.Equal(t, []ChannelLevel{{1, 50}, {2, 100}, {3, 0}}, v.Parsed)
	assert.Equal(t, "%", v.Unit)
}

func TestParseLightLevelWithoutPercentSign(t *testing.T) {
	v, err := DatapointLightLevel.ParseValue("01:075")
	require.NoError(t, err)
	assert.Equal(t, []ChannelLevel{{1, 75}}, v.Parsed)
}

func TestParseLightLevelRejectsMalformed(t *testing.T) {
	_, err := DatapointLightLevel.ParseValue("01-050")
	assert.ErrorIs(t, err, ErrParseValue)
}

func TestParseVoltage(t *testing.T) {
	raw := string([]byte{'+', '1', '2', ',', '5', sectionSign, 'V'})
	v, err := DatapointVoltage.ParseValue(raw)
	require.NoError(t, err)

	assert.Equal(t, 12.5, v.Parsed)
	assert.Equal(t, "V", v.Unit)
}

func TestParseVoltageNegative(t *testing.T) {
	raw := string([]byte{'-', '0', '3', ',', '2', sectionSign, 'V'})
	v, err := DatapointVoltage.ParseValue(raw)
	require.NoError(t, err)
	assert.Equal(t, -3.2, v.Parsed)
}

func TestParseVoltageRejectsMissingUnit(t *testing.T) {
	_, err := DatapointVoltage.ParseValue("+12,5")
	assert.ErrorIs(t, err, ErrParseValue)
}

func TestParseTemperature(t *testing.T) {
	raw := string([]byte{'+', '3', '1', ',', '5', sectionSign, 'C'})
	v, err := DatapointTemperature.ParseValue(raw)
	require.NoError(t, err)

	assert.Equal(t, 31.5, v.Parsed)
	assert.Equal(t, "C", v.Unit)
}

func TestParseModuleErrorCode(t *testing.T) {
	v, err := DatapointModuleErrorCode.ParseValue("00")
	require.NoError(t, err)
	assert.Equal(t, 0, v.Parsed)

	v, err = DatapointModuleErrorCode.ParseValue("FE")
	require.NoError(t, err)
	assert.Equal(t, 0xFE, v.Parsed)
}

func TestParseModuleErrorCodeRejectsLowercase(t *testing.T) {
	_, err := DatapointModuleErrorCode.ParseValue("fe")
	assert.ErrorIs(t, err, ErrParseValue)

	_, err = DatapointModuleErrorCode.ParseValue("0")
	assert.ErrorIs(t, err, ErrParseValue)
}

func TestParseAutoReport(t *testing.T) {
	for _, raw := range []string{"00", "0", "OFF", "off"} {
		v, err := DatapointAutoReport.ParseValue(raw)
		require.NoError(t, err, "raw %q", raw)
		assert.Equal(t, false, v.Parsed, "raw %q", raw)
	}
	for _, raw := range []string{"01", "1", "ON", "on"} {
		v, err := DatapointAutoReport.ParseValue(raw)
		require.NoError(t, err, "raw %q", raw)
		assert.Equal(t, true, v.Parsed, "raw %q", raw)
	}

	_, err := DatapointAutoReport.ParseValue("maybe")
	assert.ErrorIs(t, err, ErrParseValue)
}

func TestParseLinkNumber(t *testing.T) {
	v, err := DatapointLinkNumber.ParseValue("25")
	require.NoError(t, err)
	assert.Equal(t, 25, v.Parsed)

	_, err = DatapointLinkNumber.ParseValue("2A")
	assert.ErrorIs(t, err, ErrParseValue)
}

func TestUnknownDatapointFallsBackToOpaque(t *testing.T) {
	v, err := DataPoint(77).ParseValue("anything")
	require.NoError(t, err)
	assert.Equal(t, "anything", v.Parsed)
}

func TestLookupDatapoint(t *testing.T) {
	d, ok := LookupDatapoint(DatapointOutputState)
	require.True(t, ok)
	assert.Equal(t, "OUTPUT_STATE", d.Name)

	_, ok = LookupDatapoint(DataPoint(99))
	assert.False(t, ok)
}

func TestDatapointByName(t *testing.T) {
	d, ok := DatapointByName("module_error_code")
	require.True(t, ok)
	assert.Equal(t, DatapointModuleErrorCode, d.ID)

	_, ok = DatapointByName("NO_SUCH")
	assert.False(t, ok)
}

func TestDatapointsOrderedByID(t *testing.T) {
	all := Datapoints()
	require.NotEmpty(t, all)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].ID, all[i].ID)
	}
}

func TestIdentityDatapointsAreRegistered(t *testing.T) {
	assert.Len(t, IdentityDatapoints, 7)
	for _, id := range IdentityDatapoints {
		_, ok := LookupDatapoint(id)
		assert.True(t, ok, "identity datapoint %s missing from registry", id)
	}
}
