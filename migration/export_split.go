package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/fileutils"
)

// SplitOptions controls how SplitExport writes per-conversation files.
type SplitOptions struct {
	Stream StreamOptions

	// OverwriteExisting controls whether existing output files should be overwritten.
	// If false and a file already exists, SplitExport returns an error.
	OverwriteExisting bool

	// Pretty controls whether each output JSON file is indented for readability.
	Pretty bool

	// FileMode is used when creating output files (defaults to 0o644).
	FileMode fs.FileMode

	// Now stamps conversations without a creation time. Defaults to time.Now.
	Now func() time.Time
}

// SplitResult contains basic stats from a split run.
type SplitResult struct {
	ConversationsWritten int
	Skipped              int
	BytesWritten         int64
}

// splitRecord is the on-disk shape of one resolved conversation.
type splitRecord struct {
	ConversationID string    `json:"conversation_id"`
	Title          string    `json:"title"`
	CreatedAt      string    `json:"created_at,omitempty"`
	Messages       []Message `json:"messages"`
}

// SplitExport resolves every conversation in the export at inputPath to its active path and
// writes one JSON file per conversation into outputDir. Conversations with no messages, or with a
// malformed message graph, are skipped.
func SplitExport(ctx context.Context, inputPath, outputDir string, opts SplitOptions) (SplitResult, error) {
	if outputDir == "" {
		return SplitResult{}, errors.New("SplitExport: outputDir is empty")
	}
	if opts.FileMode == 0 {
		opts.FileMode = 0o644
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return SplitResult{}, fmt.Errorf("SplitExport: mkdir outputDir: %w", err)
	}

	seen := make(map[string]int)
	var res SplitResult

	stream, err := StreamExport(ctx, inputPath, opts.Stream, func(index int, raw RawConversation) error {
		conv, err := ResolveConversation(raw, index, opts.Now())
		if err != nil || len(conv.Messages) == 0 {
			res.Skipped++
			return nil
		}

		outPath := filepath.Join(outputDir, uniqueFilename(conv.ID, seen))
		if !opts.OverwriteExisting {
			if _, err := os.Stat(outPath); err == nil {
				return fmt.Errorf("SplitExport: output file already exists: %s", outPath)
			} else if !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("SplitExport: stat output file: %w", err)
			}
		}

		rec := splitRecord{
			ConversationID: conv.ID,
			Title:          conv.Title,
			CreatedAt:      formatISO8601(conv.CreatedAt),
			Messages:       conv.Messages,
		}
		var b []byte
		if opts.Pretty {
			b, err = json.MarshalIndent(rec, "", "  ")
		} else {
			b, err = json.Marshal(rec)
		}
		if err != nil {
			return fmt.Errorf("SplitExport: marshal (id=%q): %w", conv.ID, err)
		}

		n, err := fileutils.WriteFileAtomicSameDir(outPath, b, opts.FileMode)
		if err != nil {
			return fmt.Errorf("SplitExport: write output (id=%q): %w", conv.ID, err)
		}
		res.ConversationsWritten++
		res.BytesWritten += n
		return nil
	})
	res.Skipped += stream.Skipped
	if err != nil {
		return res, err
	}
	return res, nil
}

func uniqueFilename(id string, seen map[string]int) string {
	base := sanitizeFilenameComponent(id)
	if base == "" {
		base = "conversation"
	}
	count := seen[base]
	seen[base] = count + 1
	if count > 0 {
		base = fmt.Sprintf("%s-%d", base, count+1)
	}
	return base + ".json"
}

func sanitizeFilenameComponent(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	out := strings.Trim(b.String(), "._-")
	return strings.TrimSpace(out)
}
