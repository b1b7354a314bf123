// Package fsm implements the finite state machines governing factory and
// stage lifecycles: a small table-driven machine with guards, entry/exit
// actions, and a bounded transition history that survives checkpoints.
package fsm

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/AskTinNguyen/ralph-cli-sub009/internal/logging"
)

// State is a machine state name (uppercase by convention).
type State string

// Event is a transition trigger.
type Event string

// MaxHistory bounds the per-machine transition history ring.
const MaxHistory = 100

// Transition is one row of a machine's transition table. Guard, when set,
// must return true for the row to match; rows are tried in declaration order,
// so guarded variants of the same (From, Event) pair route a single logical
// event to different targets.
type Transition struct {
	From  State
	Event Event
	To    State
	Guard func(m *Machine) bool
}

// Action runs on state entry or exit. An exit action returning an error
// aborts the transition before the state changes; an entry action error is
// logged but not rolled back, because the new state is already observable.
type Action func(m *Machine, ev Event) error

// HistoryEntry records one transition.
type HistoryEntry struct {
	From      State          `json:"from"`
	To        State          `json:"to"`
	Event     Event          `json:"event"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Result reports the outcome of sending an event. A failed send leaves the
// machine untouched.
type Result struct {
	Success bool
	From    State
	To      State
	Err     error
}

// Snapshot is the serializable state of a machine, stored inside FSM-aware
// checkpoints.
type Snapshot struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	State   State          `json:"state"`
	Data    map[string]any `json:"data,omitempty"`
	History []HistoryEntry `json:"history,omitempty"`
}

// Machine is a table-driven state machine. All methods are safe for
// concurrent use.
type Machine struct {
	mu          sync.Mutex
	id          string
	name        string
	state       State
	transitions []Transition
	entry       map[State]Action
	exit        map[State]Action
	terminal    map[State]bool
	data        map[string]any
	history     []HistoryEntry
	logger      *log.Logger
}

// Config declares a machine.
type Config struct {
	Name        string
	Initial     State
	Transitions []Transition
	Entry       map[State]Action
	Exit        map[State]Action
	Terminal    []State
}

// New creates a machine from its declaration.
func New(cfg Config) *Machine {
	m := &Machine{
		id:          uuid.NewString(),
		name:        cfg.Name,
		state:       cfg.Initial,
		transitions: cfg.Transitions,
		entry:       cfg.Entry,
		exit:        cfg.Exit,
		terminal:    make(map[State]bool, len(cfg.Terminal)),
		data:        make(map[string]any),
		logger:      logging.New("fsm"),
	}
	for _, s := range cfg.Terminal {
		m.terminal[s] = true
	}
	return m
}

// ID returns the machine's unique identifier.
func (m *Machine) ID() string { return m.id }

// Name returns the machine's declared name.
func (m *Machine) Name() string { return m.name }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// InTerminal reports whether the machine has reached a terminal state.
func (m *Machine) InTerminal() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminal[m.state]
}

// Set stores a value in the machine's context data.
func (m *Machine) Set(key string, value any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
}

// Get reads a value from the machine's context data.
func (m *Machine) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok
}

// GetInt reads an integer from the context data, tolerating the float64
// representation JSON deserialization produces.
func (m *Machine) GetInt(key string) int {
	v, ok := m.Get(key)
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	default:
		return 0
	}
}

// GetBool reads a boolean from the context data.
func (m *Machine) GetBool(key string) bool {
	v, ok := m.Get(key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Can reports whether the event has a matching transition (including guard)
// from the current state.
func (m *Machine) Can(ev Event) bool {
	return m.match(ev) != nil
}

// match finds the first transition row whose From, Event, and Guard accept.
func (m *Machine) match(ev Event) *Transition {
	m.mu.Lock()
	state := m.state
	m.mu.Unlock()
	for i := range m.transitions {
		t := &m.transitions[i]
		if t.From != state || t.Event != ev {
			continue
		}
		if t.Guard != nil && !t.Guard(m) {
			continue
		}
		return t
	}
	return nil
}

// Send applies an event. With no matching transition the machine is left
// unchanged and the result carries the error; this is the invalid-transition
// (programming error) path, surfaced rather than panicking.
func (m *Machine) Send(ev Event, payload map[string]any) Result {
	t := m.match(ev)
	if t == nil {
		return Result{
			Success: false,
			From:    m.State(),
			Err:     fmt.Errorf("fsm %s: no transition for event %s in state %s", m.name, ev, m.State()),
		}
	}

	if exit := m.exit[t.From]; exit != nil {
		if err := exit(m, ev); err != nil {
			m.logger.Error("exit action failed; transition aborted",
				"machine", m.name, "state", t.From, "event", ev, "err", err)
			return Result{Success: false, From: t.From, Err: err}
		}
	}

	m.mu.Lock()
	m.state = t.To
	m.history = append(m.history, HistoryEntry{
		From:      t.From,
		To:        t.To,
		Event:     ev,
		Payload:   payload,
		Timestamp: time.Now(),
	})
	if len(m.history) > MaxHistory {
		m.history = m.history[len(m.history)-MaxHistory:]
	}
	m.mu.Unlock()

	m.logger.Debug("transition",
		"machine", m.name, "from", t.From, "to", t.To, "event", ev)

	if entry := m.entry[t.To]; entry != nil {
		if err := entry(m, ev); err != nil {
			// The state change is already visible; log and keep going.
			m.logger.Error("entry action failed",
				"machine", m.name, "state", t.To, "event", ev, "err", err)
		}
	}

	return Result{Success: true, From: t.From, To: t.To}
}

// History returns a copy of the transition history.
func (m *Machine) History() []HistoryEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]HistoryEntry, len(m.history))
	copy(out, m.history)
	return out
}

// Snapshot captures the machine's serializable state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := make(map[string]any, len(m.data))
	for k, v := range m.data {
		data[k] = v
	}
	history := make([]HistoryEntry, len(m.history))
	copy(history, m.history)
	return Snapshot{
		ID:      m.id,
		Name:    m.name,
		State:   m.state,
		Data:    data,
		History: history,
	}
}

// Restore overwrites the machine's state, data, and history from a snapshot.
// The transition table stays as declared; only dynamic state is replaced.
func (m *Machine) Restore(s Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID != "" {
		m.id = s.ID
	}
	m.state = s.State
	m.data = make(map[string]any, len(s.Data))
	for k, v := range s.Data {
		m.data[k] = v
	}
	m.history = append([]HistoryEntry(nil), s.History...)
	if len(m.history) > MaxHistory {
		m.history = m.history[len(m.history)-MaxHistory:]
	}
}
