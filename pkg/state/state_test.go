package state

import (
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
)

func TestParseNaiveState(t *testing.T) {
	assert.Equal(t, NaiveRunning, ParseNaiveState("Running"))
	assert.Equal(t, NaiveUnknown, ParseNaiveState("bogus"))
}

func TestBatchStateFromCode(t *testing.T) {
	assert.Equal(t, BatchRunning, BatchStateFromCode("R"))
	assert.Equal(t, BatchHeld, BatchStateFromCode("h"))
	assert.Equal(t, BatchUnknown, BatchStateFromCode("Z"))
}

func TestBatchState_Code(t *testing.T) {
	assert.Equal(t, "R", BatchRunning.Code())
	assert.Equal(t, "?", BatchUnknown.Code())
}

func TestFromStates(t *testing.T) {
	cases := []struct {
		naive    NaiveState
		batch    BatchState
		expected RealState
	}{
		{NaiveUnknown, BatchRunning, RealUnknown},
		{NaiveQueued, BatchQueued, RealQueued},
		{NaiveQueued, BatchMoving, RealQueued},
		{NaiveQueued, BatchHeld, RealHeld},
		{NaiveQueued, BatchRunning, RealBooting},
		{NaiveQueued, BatchFinished, RealInconsistent},
		{NaiveRunning, BatchRunning, RealRunning},
		{NaiveRunning, BatchSuspended, RealSuspended},
		{NaiveRunning, BatchQueued, RealInconsistent},
		{NaiveKilled, BatchRunning, RealExiting},
		{NaiveKilled, BatchFinished, RealKilled},
		{NaiveFinished, BatchRunning, RealExiting},
		{NaiveFinished, BatchQueued, RealInconsistent},
		{NaiveFinished, BatchFinished, RealFinished},
		{NaiveFailed, BatchRunning, RealExiting},
		{NaiveFailed, BatchFinished, RealInconsistent},
		{NaiveFailed, BatchFailed, RealFailed},
	}

	for _, c := range cases {
		got := FromStates(c.naive, c.batch)
		assert.Equal(t, c.expected, got, "naive=%v batch=%v", c.naive, c.batch)
	}
}

func TestRealState_String(t *testing.T) {
	assert.Equal(t, "in an inconsistent state", RealInconsistent.String())
}

func TestRealState_Colorize(t *testing.T) {
	color.NoColor = false
	out := RealRunning.Colorize("running")
	assert.Contains(t, out, "running")
	assert.NotEqual(t, "running", out, "colorize should wrap text in escape codes")
}
