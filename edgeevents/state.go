package edgeevents

import (
	"context"

	"github.com/looplab/fsm"

	"github.com/edgexr/edge-events/logging"
	"github.com/edgexr/edge-events/metrics"
)

// Connection states.
const (
	StateUninitialized = "uninitialized"
	StateAwaitingReady = "awaiting-ready"
	StateReady         = "ready"
	StateClosing       = "closing"
	StateClosed        = "closed"
)

// State machine events.
const (
	eventStart  = "start"
	eventReady  = "ready"
	eventClose  = "close"
	eventFinish = "finish"
)

func newStateMachine() *fsm.FSM {
	return fsm.NewFSM(
		StateUninitialized,
		fsm.Events{
			{Name: eventStart, Src: []string{StateUninitialized, StateClosed}, Dst: StateAwaitingReady},
			{Name: eventReady, Src: []string{StateAwaitingReady}, Dst: StateReady},
			{Name: eventClose, Src: []string{StateAwaitingReady, StateReady}, Dst: StateClosing},
			{Name: eventFinish, Src: []string{StateClosing}, Dst: StateClosed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logging.Logger.Debugf("edgeevents: %s -> %s", e.Src, e.Dst)
			},
			"enter_" + StateReady: func(_ context.Context, e *fsm.Event) {
				metrics.ActiveConnections.Inc()
			},
			"leave_" + StateReady: func(_ context.Context, e *fsm.Event) {
				metrics.ActiveConnections.Dec()
			},
		},
	)
}

// transition fires event and logs invalid transitions. Transitions racing
// with a concurrent teardown are expected to fail.
func (c *Connection) transition(event string) bool {
	if err := c.fsm.Event(context.Background(), event); err != nil {
		logging.Logger.WithError(err).Debugf("edgeevents: ignoring %s in state %s", event, c.fsm.Current())
		return false
	}
	return true
}

// State returns the current connection state.
func (c *Connection) State() string {
	return c.fsm.Current()
}
