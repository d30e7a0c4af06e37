package protocol

import (
	"encoding/json"
	"fmt"
)

// TurnRequest is the body of a lesson-turn submission.
type TurnRequest struct {
	Level          string `json:"level"`
	Story          string `json:"story"`
	Chapter        string `json:"chapter"`
	Section        string `json:"section"`
	Query          string `json:"query,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId"`
}

// TurnEventType names a server-sent event of a lesson turn.
type TurnEventType string

const (
	TurnEventStatus         TurnEventType = "status"
	TurnEventConversationID TurnEventType = "conversation_id"
	TurnEventDelta          TurnEventType = "response.output_text.delta"
	TurnEventError          TurnEventType = "error"
)

// Status is the progress of a lesson turn on the server.
type Status string

const (
	StatusLoading              Status = "loading"
	StatusFetchingContent      Status = "fetching_content"
	StatusPreparingLesson      Status = "preparing_lesson"
	StatusGeneratingLessonPlan Status = "generating_lesson_plan"
	StatusStreamingResponse    Status = "streaming_response"
	StatusDone                 Status = "done"
	StatusEvaluationComplete   Status = "evaluation_complete"
)

// TurnEvent is one server-sent event of a lesson turn.
type TurnEvent struct {
	Type           TurnEventType `json:"type"`
	Status         Status        `json:"status,omitempty"`
	ConversationID string        `json:"conversationId,omitempty"`
	Delta          string        `json:"delta,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// StatusEvent returns a status update event.
func StatusEvent(s Status) TurnEvent { return TurnEvent{Type: TurnEventStatus, Status: s} }

// ConversationIDEvent returns the event announcing the conversation id.
func ConversationIDEvent(id string) TurnEvent {
	return TurnEvent{Type: TurnEventConversationID, ConversationID: id}
}

// DeltaEvent returns a response text delta.
func DeltaEvent(delta string) TurnEvent { return TurnEvent{Type: TurnEventDelta, Delta: delta} }

// TurnErrorEvent returns a turn failure event.
func TurnErrorEvent(msg string) TurnEvent { return TurnEvent{Type: TurnEventError, Error: msg} }

// DecodeTurnEvent parses one SSE data payload.
func DecodeTurnEvent(data []byte) (TurnEvent, error) {
	var ev TurnEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return TurnEvent{}, fmt.Errorf("protocol: invalid turn event: %w", err)
	}
	switch ev.Type {
	case TurnEventStatus, TurnEventConversationID, TurnEventDelta, TurnEventError:
		return ev, nil
	case "":
		return TurnEvent{}, fmt.Errorf("protocol: turn event missing type")
	default:
		return TurnEvent{}, fmt.Errorf("protocol: unknown turn event %q", ev.Type)
	}
}

// Evaluation is the learner evaluation summary returned by the evaluation
// endpoint.
type Evaluation struct {
	UserID         string   `json:"userId"`
	ConversationID string   `json:"conversationId,omitempty"`
	Level          string   `json:"level,omitempty"`
	Summary        string   `json:"summary"`
	Strengths      []string `json:"strengths,omitempty"`
	Improvements   []string `json:"improvements,omitempty"`
	UpdatedAt      string   `json:"updatedAt,omitempty"`
}
