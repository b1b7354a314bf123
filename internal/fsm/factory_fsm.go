package fsm

import "time"

// Factory machine states.
const (
	FactoryIdle      State = "IDLE"
	FactoryRunning   State = "RUNNING"
	FactoryCompleted State = "COMPLETED"
	FactoryFailed    State = "FAILED"
	FactoryStopped   State = "STOPPED"
)

// Factory machine events.
const (
	EventStart        Event = "START"
	EventAllCompleted Event = "ALL_COMPLETED"
	EventAnyFailed    Event = "ANY_FAILED"
	EventStop         Event = "STOP"
	EventResume       Event = "RESUME"
	EventReset        Event = "RESET"
)

// Context data keys shared by the factory machine.
const (
	KeyContinueOnFailure = "continue_on_failure"
	KeyStartedAt         = "started_at"
	KeyCompletedAt       = "completed_at"
	KeyStoppedAt         = "stopped_at"
)

// NewFactoryMachine builds the run-level lifecycle machine. ANY_FAILED is
// guarded on continue_on_failure: with the flag set, a stage failure does not
// move the factory out of RUNNING.
func NewFactoryMachine(name string, continueOnFailure bool) *Machine {
	m := New(Config{
		Name:    name,
		Initial: FactoryIdle,
		Transitions: []Transition{
			{From: FactoryIdle, Event: EventStart, To: FactoryRunning},
			{From: FactoryRunning, Event: EventAllCompleted, To: FactoryCompleted},
			{From: FactoryRunning, Event: EventAnyFailed, To: FactoryFailed,
				Guard: func(m *Machine) bool { return !m.GetBool(KeyContinueOnFailure) }},
			{From: FactoryRunning, Event: EventStop, To: FactoryStopped},
			{From: FactoryCompleted, Event: EventReset, To: FactoryIdle},
			{From: FactoryFailed, Event: EventResume, To: FactoryRunning},
			{From: FactoryFailed, Event: EventReset, To: FactoryIdle},
			{From: FactoryStopped, Event: EventResume, To: FactoryRunning},
			{From: FactoryStopped, Event: EventReset, To: FactoryIdle},
		},
		Entry: map[State]Action{
			FactoryRunning: func(m *Machine, ev Event) error {
				if _, ok := m.Get(KeyStartedAt); !ok || ev == EventStart {
					m.Set(KeyStartedAt, time.Now().Format(time.RFC3339))
				}
				return nil
			},
			FactoryCompleted: func(m *Machine, _ Event) error {
				m.Set(KeyCompletedAt, time.Now().Format(time.RFC3339))
				return nil
			},
			FactoryFailed: func(m *Machine, _ Event) error {
				m.Set(KeyCompletedAt, time.Now().Format(time.RFC3339))
				return nil
			},
			FactoryStopped: func(m *Machine, _ Event) error {
				m.Set(KeyStoppedAt, time.Now().Format(time.RFC3339))
				return nil
			},
		},
		Terminal: []State{FactoryCompleted, FactoryFailed, FactoryStopped},
	})
	m.Set(KeyContinueOnFailure, continueOnFailure)
	return m
}
