package service

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conbus/xp/internal/conbus"
)

func TestRunnerSealsOnce(t *testing.T) {
	c := conbus.NewConn(conbus.Options{Logger: quiet()})
	r := newRunner(c, quiet(), "test")
	assert.Equal(t, StateIdle, r.State())

	var res Result
	r.begin("op", &res)
	assert.Equal(t, StateRunning, r.State())
	assert.NotEmpty(t, res.ID)
	assert.Equal(t, "op", res.Operation)

	assert.True(t, r.seal(StatusOK, ""))
	assert.False(t, r.seal(StatusFailed, "late"))

	assert.Equal(t, StatusOK, res.Status)
	assert.True(t, res.Success)
	assert.Empty(t, res.Error)
	assert.Equal(t, StateDone, r.State())
}

func TestRunnerSealMarksPartial(t *testing.T) {
	c := conbus.NewConn(conbus.Options{Logger: quiet()})
	r := newRunner(c, quiet(), "test")

	var res Result
	r.begin("op", &res)
	require.True(t, r.seal(StatusPartialTimeout, ""))

	assert.False(t, res.Success)
	assert.True(t, res.Partial)
}

func TestResultMarshalsEmptySlices(t *testing.T) {
	c := conbus.NewConn(conbus.Options{Logger: quiet()})
	r := newRunner(c, quiet(), "test")

	var res Result
	r.begin("op", &res)
	r.seal(StatusOK, "")

	b, err := json.Marshal(res)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"sent_telegrams":[]`)
	assert.Contains(t, string(b), `"received_telegrams":[]`)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "IDLE", StateIdle.String())
	assert.Equal(t, "RUNNING", StateRunning.String())
	assert.Equal(t, "DONE", StateDone.String())
}
