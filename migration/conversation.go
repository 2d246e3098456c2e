package migration

import (
	"encoding/json"
	"strings"
	"time"
)

// Conversation is the active path of one exported conversation, root to leaf, with scaffolding
// (system/tool nodes, empty content) removed.
type Conversation struct {
	ID        string    `json:"conversation_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	Messages  []Message `json:"messages"`
}

// Message is one user or assistant turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// RawConversation is one element of the export array as it appears on disk. Either Mapping
// (branching message graph) or Messages (legacy linear list) is populated.
type RawConversation struct {
	ConversationID string                `json:"conversation_id"`
	ID             string                `json:"id"`
	Title          string                `json:"title"`
	CreateTime     *float64              `json:"create_time"`
	UpdateTime     *float64              `json:"update_time"`
	CreatedAt      string                `json:"created_at"`
	CurrentNode    string                `json:"current_node"`
	Mapping        map[string]rawMapNode `json:"mapping"`
	Messages       []legacyMessage       `json:"messages"`
}

type rawMapNode struct {
	ID       string      `json:"id"`
	Message  *rawMessage `json:"message"`
	Parent   *string     `json:"parent"`
	Children []string    `json:"children"`
}

type rawMessage struct {
	Author     rawAuthor       `json:"author"`
	CreateTime *float64        `json:"create_time"`
	Content    json.RawMessage `json:"content"`
	Metadata   map[string]any  `json:"metadata"`
}

type rawAuthor struct {
	Role string  `json:"role"`
	Name *string `json:"name"`
}

type legacyMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// conversationalRole reports whether role carries user-facing conversation text.
func conversationalRole(role string) bool {
	return role == RoleUser || role == RoleAssistant
}

// extractContentText reads message content in any of the shapes seen in exports:
// a plain string, {"content_type":"text","parts":[...]}, or {"text": "..."}.
func extractContentText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}

	var probe struct {
		ContentType string `json:"content_type"`
		Parts       []any  `json:"parts"`
		Text        string `json:"text"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}

	var parts []string
	for _, p := range probe.Parts {
		if s, ok := p.(string); ok && strings.TrimSpace(s) != "" {
			parts = append(parts, s)
		}
	}
	switch {
	case len(parts) > 0:
		return strings.TrimSpace(strings.Join(parts, "\n"))
	default:
		return strings.TrimSpace(probe.Text)
	}
}
