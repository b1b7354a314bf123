package executor

import "time"

// EventType tags the progress events emitted while a factory runs.
type EventType string

const (
	EventStageStarted   EventType = "stage:started"
	EventStageCompleted EventType = "stage:completed"
	EventStageFailed    EventType = "stage:failed"
	EventStageSkipped   EventType = "stage:skipped"
	EventOutput         EventType = "output"
	EventVerifyStarted  EventType = "verification:started"
	EventVerifyPassed   EventType = "verification:passed"
	EventVerifyFailed   EventType = "verification:failed"
	EventFactoryDone    EventType = "factory:completed"
	EventFactoryFailed  EventType = "factory:failed"
)

// Event is one progress notification. Consumers receive events on a channel;
// sends never block, so a slow or absent consumer cannot stall execution.
type Event struct {
	Type    EventType      `json:"type"`
	StageID string         `json:"stage_id,omitempty"`
	Message string         `json:"message,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

// emit sends an event without blocking; events are dropped when the consumer
// lags.
func (e *Executor) emit(t EventType, stageID, message string, payload map[string]any) {
	if e.events == nil {
		return
	}
	ev := Event{
		Type:    t,
		StageID: stageID,
		Message: message,
		Payload: payload,
		Time:    time.Now(),
	}
	select {
	case e.events <- ev:
	default:
	}
}
