package hub

import "github.com/guseggert/claudeorchestra/orchestrator/session"

// Message frame types, server<->client.
const (
	// Server -> client on connect.
	TypeWelcome = "welcome"
	// Client -> server: subscribe to a session.
	TypeAuth = "auth"
	// Server -> client: auth acknowledgement.
	TypeAuthSuccess = "auth_success"
	// Client -> server: run a command against a session.
	TypeCommand = "command"
	// Server -> client: a command's reply.
	TypeClaudeOutput = "claude_output"
	// Server -> client, unsolicited: process lifecycle change.
	TypeProcessStatus = "process_status"
	// Server -> client: something went wrong.
	TypeError = "error"
)

// Message is the single JSON frame shape exchanged over the WebSocket.
// Which fields are set depends on Type.
type Message struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId,omitempty"`
	Content   string          `json:"content,omitempty"`
	Message   string          `json:"message,omitempty"`
	Status    *session.Status `json:"status,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}
