package migration

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/fileutils"
)

const (
	DefaultTargetTokens  = 2000
	DefaultOverlapTokens = 200

	// MaxMessageChars caps a single message inside formatted conversation text.
	MaxMessageChars = 5000
	truncatedSuffix = "... [truncated]"
)

// Chunk is a token-bounded slice of one formatted conversation.
type Chunk struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count"`
	ChunkIndex     int       `json:"chunk_index"`
	TotalChunks    int       `json:"total_chunks"`
	CreatedAt      time.Time `json:"created_at"`
}

// FormatConversation renders a conversation as a "# title" header followed by one
// "User: ..." / "Assistant: ..." line per message.
func FormatConversation(c Conversation) string {
	var b strings.Builder
	b.WriteString("# ")
	b.WriteString(c.Title)
	b.WriteString("\n")
	for _, m := range c.Messages {
		var label string
		switch m.Role {
		case RoleUser:
			label = "User: "
		case RoleAssistant:
			label = "Assistant: "
		default:
			continue
		}
		b.WriteString("\n")
		b.WriteString(label)
		b.WriteString(capMessage(m.Content))
	}
	return b.String()
}

func capMessage(s string) string {
	if utf8.RuneCountInString(s) <= MaxMessageChars {
		return s
	}
	return string([]rune(s)[:MaxMessageChars]) + truncatedSuffix
}

// ChunkConversations formats each conversation and splits it into chunks of roughly
// targetTokens. A conversation at or under the target becomes exactly one chunk. Larger ones are
// cut at sentence boundaries and each new chunk starts with the last overlapTokens*4 bytes of the
// chunk before it. Output order follows input order.
func ChunkConversations(convs []Conversation, targetTokens, overlapTokens int) []Chunk {
	if targetTokens <= 0 {
		targetTokens = DefaultTargetTokens
	}
	if overlapTokens < 0 {
		overlapTokens = 0
	}

	var out []Chunk
	for _, c := range convs {
		text := FormatConversation(c)
		pieces := splitText(text, targetTokens, overlapTokens)
		for i, p := range pieces {
			out = append(out, Chunk{
				ConversationID: c.ID,
				Title:          c.Title,
				Content:        p,
				TokenCount:     EstimateTokens(p),
				ChunkIndex:     i,
				TotalChunks:    len(pieces),
				CreatedAt:      c.CreatedAt,
			})
		}
	}
	return out
}

func splitText(text string, targetTokens, overlapTokens int) []string {
	if EstimateTokens(text) <= targetTokens {
		return []string{text}
	}

	var (
		pieces  []string
		current strings.Builder
	)
	overlapBytes := overlapTokens * 4
	for _, frag := range sentenceFragments(text) {
		if current.Len() > 0 && EstimateTokens(current.String())+EstimateTokens(frag) > targetTokens {
			sealed := current.String()
			pieces = append(pieces, sealed)
			current.Reset()
			current.WriteString(fileutils.TailBytes(sealed, overlapBytes))
		}
		current.WriteString(frag)
	}
	if current.Len() > 0 {
		pieces = append(pieces, current.String())
	}
	return pieces
}

var sentenceSeparators = [...]string{". ", "? ", "! ", "\n"}

// sentenceFragments splits text after the earliest of ". ", "? ", "! " or "\n". Each fragment
// keeps its boundary character; the space after a period starts the next fragment.
func sentenceFragments(text string) []string {
	var frags []string
	// next caches the upcoming position of each separator; -1 means none left.
	next := [len(sentenceSeparators)]int{-2, -2, -2, -2}
	pos := 0
	for pos < len(text) {
		cut := -1
		for k, sep := range sentenceSeparators {
			if next[k] != -1 && next[k] < pos {
				if i := strings.Index(text[pos:], sep); i == -1 {
					next[k] = -1
				} else {
					next[k] = pos + i
				}
			}
			if next[k] != -1 && (cut == -1 || next[k] < cut) {
				cut = next[k]
			}
		}
		if cut == -1 {
			frags = append(frags, text[pos:])
			break
		}
		frags = append(frags, text[pos:cut+1])
		pos = cut + 1
	}
	return frags
}
