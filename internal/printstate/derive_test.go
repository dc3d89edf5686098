package printstate_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/moonbridge/moonbridge/internal/printstate"
)

func TestDeriveStartFromStandby(t *testing.T) {
	events := printstate.Derive(
		printstate.Snapshot{State: printstate.StateStandby},
		printstate.Snapshot{State: printstate.StatePrinting, Filename: "a.gcode"},
	)
	assert.Equal(t, []printstate.Event{{Kind: printstate.EventStart}}, events)
}

func TestDerivePauseThenResume(t *testing.T) {
	paused := printstate.Derive(
		printstate.Snapshot{State: printstate.StatePrinting},
		printstate.Snapshot{State: printstate.StatePaused},
	)
	assert.Equal(t, []printstate.Event{{Kind: printstate.EventPause}}, paused)

	resumed := printstate.Derive(
		printstate.Snapshot{State: printstate.StatePaused},
		printstate.Snapshot{State: printstate.StatePrinting},
	)
	assert.Equal(t, []printstate.Event{{Kind: printstate.EventResume}}, resumed)
}

func TestDeriveNewJobWhileActiveCancelsThenStarts(t *testing.T) {
	events := printstate.Derive(
		printstate.Snapshot{State: printstate.StatePrinting, Filename: "a.gcode", TotalDuration: 500},
		printstate.Snapshot{State: printstate.StatePrinting, Filename: "b.gcode", TotalDuration: 0},
	)
	assert.Equal(t, []printstate.Event{
		{Kind: printstate.EventCancel, Reason: "printing"},
		{Kind: printstate.EventStart},
	}, events)
}

func TestDeriveFinishOnComplete(t *testing.T) {
	events := printstate.Derive(
		printstate.Snapshot{State: printstate.StatePrinting},
		printstate.Snapshot{State: printstate.StateComplete},
	)
	assert.Equal(t, []printstate.Event{{Kind: printstate.EventFinish, Reason: "complete"}}, events)
}

func TestDeriveCancelledWhenDroppedToStandby(t *testing.T) {
	events := printstate.Derive(
		printstate.Snapshot{State: printstate.StatePaused},
		printstate.Snapshot{State: printstate.StateStandby},
	)
	assert.Equal(t, []printstate.Event{{Kind: printstate.EventFinish, Reason: "cancelled"}}, events)
}

func TestDeriveDisconnectWhilePrinting(t *testing.T) {
	events := printstate.DeriveDisconnect(printstate.Snapshot{State: printstate.StatePrinting}, false)
	assert.Equal(t, []printstate.Event{{Kind: printstate.EventFinish, Reason: "host_disconnect"}}, events)
}

func TestDeriveDisconnectWhileIdleIsNoop(t *testing.T) {
	events := printstate.DeriveDisconnect(printstate.Snapshot{State: printstate.StateStandby}, false)
	assert.Nil(t, events)
}
