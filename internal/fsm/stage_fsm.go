package fsm

// Stage machine states.
const (
	StagePending   State = "PENDING"
	StageReady     State = "READY"
	StageExecuting State = "EXECUTING"
	StageVerifying State = "VERIFYING"
	StageRetrying  State = "RETRYING"
	StageLooping   State = "LOOPING"
	StageCompleted State = "COMPLETED"
	StageFailed    State = "FAILED"
	StageSkipped   State = "SKIPPED"
)

// Stage machine events. ExecSuccess and ExecFailed are composite: guards
// route them to the verify-present/absent and retries-available/exhausted
// variants so callers send one logical event.
const (
	EventDepsMet        Event = "DEPS_MET"
	EventDepsFailed     Event = "DEPS_FAILED"
	EventConditionFalse Event = "CONDITION_FALSE"
	EventSkip           Event = "SKIP"
	EventExecute        Event = "EXECUTE"
	EventExecSuccess    Event = "EXEC_SUCCESS"
	EventExecFailed     Event = "EXEC_FAILED"
	EventVerifyPass     Event = "VERIFY_PASS"
	EventVerifyFail     Event = "VERIFY_FAIL"
	EventRetry          Event = "RETRY"
	EventLoop           Event = "LOOP"
)

// Context data keys shared by stage machines.
const (
	KeyHasVerification = "has_verification"
	KeyRetriesLeft     = "retries_left"
	KeyRetryCount      = "retry_count"
	KeyLoopCount       = "loop_count"
	KeyMaxLoops        = "max_loops"
	KeyError           = "error"
)

// NewStageMachine builds the lifecycle machine for one stage.
//
// Retries: EXEC_FAILED routes to RETRYING while retries_left > 0; the
// RETRYING entry action consumes one retry, so a stage with retries = R
// absorbs at most R+1 EXEC_FAILED events before FAILED.
//
// Loops: LOOP is accepted from COMPLETED and VERIFYING while loop_count <
// max_loops; the LOOPING entry action increments loop_count, and EXECUTE
// re-enters EXECUTING.
func NewStageMachine(stageID string, hasVerification bool, retries, maxLoops int) *Machine {
	hasVerify := func(m *Machine) bool { return m.GetBool(KeyHasVerification) }
	noVerify := func(m *Machine) bool { return !m.GetBool(KeyHasVerification) }
	retriesAvail := func(m *Machine) bool { return m.GetInt(KeyRetriesLeft) > 0 }
	retriesGone := func(m *Machine) bool { return m.GetInt(KeyRetriesLeft) <= 0 }
	loopAllowed := func(m *Machine) bool { return m.GetInt(KeyLoopCount) < m.GetInt(KeyMaxLoops) }

	m := New(Config{
		Name:    stageID,
		Initial: StagePending,
		Transitions: []Transition{
			{From: StagePending, Event: EventDepsMet, To: StageReady},
			{From: StagePending, Event: EventDepsFailed, To: StageSkipped},
			{From: StagePending, Event: EventConditionFalse, To: StageSkipped},
			{From: StagePending, Event: EventSkip, To: StageSkipped},
			{From: StageReady, Event: EventConditionFalse, To: StageSkipped},
			{From: StageReady, Event: EventSkip, To: StageSkipped},
			{From: StageReady, Event: EventExecute, To: StageExecuting},

			{From: StageExecuting, Event: EventExecSuccess, To: StageVerifying, Guard: hasVerify},
			{From: StageExecuting, Event: EventExecSuccess, To: StageCompleted, Guard: noVerify},
			{From: StageExecuting, Event: EventExecFailed, To: StageRetrying, Guard: retriesAvail},
			{From: StageExecuting, Event: EventExecFailed, To: StageFailed, Guard: retriesGone},

			{From: StageVerifying, Event: EventVerifyPass, To: StageCompleted},
			{From: StageVerifying, Event: EventVerifyFail, To: StageFailed},
			{From: StageVerifying, Event: EventLoop, To: StageLooping, Guard: loopAllowed},

			{From: StageRetrying, Event: EventRetry, To: StageExecuting},
			{From: StageRetrying, Event: EventExecFailed, To: StageFailed},

			{From: StageCompleted, Event: EventLoop, To: StageLooping, Guard: loopAllowed},
			{From: StageLooping, Event: EventExecute, To: StageExecuting},
		},
		Entry: map[State]Action{
			StageRetrying: func(m *Machine, _ Event) error {
				m.Set(KeyRetriesLeft, m.GetInt(KeyRetriesLeft)-1)
				m.Set(KeyRetryCount, m.GetInt(KeyRetryCount)+1)
				return nil
			},
			StageLooping: func(m *Machine, _ Event) error {
				m.Set(KeyLoopCount, m.GetInt(KeyLoopCount)+1)
				return nil
			},
		},
		Terminal: []State{StageCompleted, StageFailed, StageSkipped},
	})
	m.Set(KeyHasVerification, hasVerification)
	m.Set(KeyRetriesLeft, retries)
	m.Set(KeyRetryCount, 0)
	m.Set(KeyLoopCount, 0)
	m.Set(KeyMaxLoops, maxLoops)
	return m
}
