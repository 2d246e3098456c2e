package migration

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrMalformedGraph is returned when the parent chain of a conversation loops back on itself.
// Callers treat it as "no messages found" for that conversation.
var ErrMalformedGraph = errors.New("malformed message graph")

// arenaNode is a message node addressed by index; parent is -1 for a root.
type arenaNode struct {
	id       string
	parent   int
	message  *rawMessage
	childful bool
}

// ResolveConversation reduces a raw export element to its active path. index is the element's
// position in the export and names conversations that carry no id; now stamps conversations
// without a creation time.
func ResolveConversation(raw RawConversation, index int, now time.Time) (Conversation, error) {
	conv := Conversation{
		ID:        conversationID(raw, index),
		Title:     strings.TrimSpace(raw.Title),
		CreatedAt: conversationCreatedAt(raw, now),
	}
	if conv.Title == "" {
		conv.Title = "Untitled"
	}

	if len(raw.Mapping) == 0 {
		conv.Messages = linearMessages(raw.Messages)
		return conv, nil
	}

	msgs, err := activePath(raw.Mapping, raw.CurrentNode)
	if err != nil {
		return conv, fmt.Errorf("ResolveConversation (id=%q): %w", conv.ID, err)
	}
	conv.Messages = msgs
	return conv, nil
}

func conversationID(raw RawConversation, index int) string {
	switch {
	case strings.TrimSpace(raw.ConversationID) != "":
		return strings.TrimSpace(raw.ConversationID)
	case strings.TrimSpace(raw.ID) != "":
		return strings.TrimSpace(raw.ID)
	default:
		return fmt.Sprintf("conv_%d", index)
	}
}

func conversationCreatedAt(raw RawConversation, now time.Time) time.Time {
	if t, ok := unixSecondsToTime(raw.CreateTime); ok {
		return t
	}
	if raw.CreatedAt != "" {
		if t, err := time.Parse(time.RFC3339, raw.CreatedAt); err == nil {
			return t.UTC()
		}
	}
	return now.UTC()
}

func linearMessages(in []legacyMessage) []Message {
	out := make([]Message, 0, len(in))
	for _, m := range in {
		role := strings.TrimSpace(m.Role)
		if !conversationalRole(role) {
			continue
		}
		text := extractContentText(m.Content)
		if text == "" {
			continue
		}
		out = append(out, Message{Role: role, Content: text})
	}
	return out
}

// activePath walks from the current leaf to the root through parent links and returns the
// conversational messages in root-to-leaf order. Sibling branches are never visited.
func activePath(mapping map[string]rawMapNode, currentNode string) ([]Message, error) {
	ids := make([]string, 0, len(mapping))
	for id := range mapping {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	index := make(map[string]int, len(ids))
	for i, id := range ids {
		index[id] = i
	}

	arena := make([]arenaNode, len(ids))
	for i, id := range ids {
		n := mapping[id]
		parent := -1
		if n.Parent != nil {
			// A parent missing from the mapping ends the chain like a root would.
			if p, ok := index[*n.Parent]; ok {
				parent = p
			}
		}
		arena[i] = arenaNode{id: id, parent: parent, message: n.Message, childful: len(n.Children) > 0}
	}

	start, ok := index[currentNode]
	if !ok {
		start = latestLeaf(arena)
	}
	if start < 0 {
		return nil, nil
	}

	visited := make([]bool, len(arena))
	var reversed []Message
	for cur := start; cur >= 0; cur = arena[cur].parent {
		if visited[cur] {
			return nil, fmt.Errorf("%w: cycle at node %q", ErrMalformedGraph, arena[cur].id)
		}
		visited[cur] = true

		if m, ok := nodeMessage(arena[cur].message); ok {
			reversed = append(reversed, m)
		}
	}

	slices.Reverse(reversed)
	return reversed, nil
}

// latestLeaf picks the childless node with a message and the latest create_time, or -1.
// Ties resolve to the lowest id.
func latestLeaf(arena []arenaNode) int {
	best := -1
	var bestTime float64
	for i, n := range arena {
		if n.childful || n.message == nil {
			continue
		}
		ct := 0.0
		if n.message.CreateTime != nil {
			ct = *n.message.CreateTime
		}
		if best == -1 || ct > bestTime {
			best = i
			bestTime = ct
		}
	}
	return best
}

func nodeMessage(m *rawMessage) (Message, bool) {
	if m == nil {
		return Message{}, false
	}
	role := strings.TrimSpace(m.Author.Role)
	if !conversationalRole(role) {
		return Message{}, false
	}
	text := extractContentText(m.Content)
	if text == "" {
		return Message{}, false
	}
	return Message{Role: role, Content: text}, true
}
