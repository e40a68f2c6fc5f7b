package domain

// Role constants for message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message sent to a backend.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the caller's question as both phases see it.
// AssistantContext is empty for phase 1 unless the caller supplied prior
// assistant turns; the orchestrator fills it with phase-1 output for phase 2.
type ChatRequest struct {
	SystemMessage    string
	UserMessage      string
	AssistantContext string
}

// Messages renders the request in chat order: system, user, assistant.
// Empty parts are omitted.
func (r ChatRequest) Messages() []Message {
	msgs := make([]Message, 0, 3)
	if r.SystemMessage != "" {
		msgs = append(msgs, Message{Role: RoleSystem, Content: r.SystemMessage})
	}
	msgs = append(msgs, Message{Role: RoleUser, Content: r.UserMessage})
	if r.AssistantContext != "" {
		msgs = append(msgs, Message{Role: RoleAssistant, Content: r.AssistantContext})
	}
	return msgs
}
