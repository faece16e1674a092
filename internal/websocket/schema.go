package websocket

import (
	"github.com/stemsi/exstem-seb/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAutosave Action = "autosave"
	ActionFlag     Action = "flag"
	ActionSubmit   Action = "submit"
	ActionPing     Action = "ping"
)

// RequestPayload is every client message; fields are read per action.
type RequestPayload struct {
	Action  Action              `json:"action"`
	QID     string              `json:"q_id,omitempty"`
	Answer  string              `json:"ans,omitempty"`
	Event   *model.FlaggedEvent `json:"event,omitempty"`
	Answers map[string]string   `json:"answers,omitempty"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError     Event = "error"
	EventSaved     Event = "saved"
	EventFlagged   Event = "flagged"
	EventSubmitted Event = "submitted"
	EventPong      Event = "pong"
	EventTimeUp    Event = "time_up"
	EventTerminate Event = "terminate"
)

type SavedResponse struct {
	Event Event  `json:"event"`
	QID   string `json:"q_id"`
}

type SubmittedResponse struct {
	Event            Event             `json:"event"`
	AlreadyFinalized bool              `json:"already_finalized"`
	Score            *float64          `json:"score,omitempty"`
	Termination      model.Termination `json:"termination"`
}

// SignalResponse carries a time_up or terminate instruction.
type SignalResponse struct {
	Event       Event              `json:"event"`
	Termination *model.Termination `json:"termination,omitempty"`
	Message     string             `json:"message,omitempty"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

type AckResponse struct {
	Event Event `json:"event"`
}
