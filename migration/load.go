package migration

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// LoadStats counts what LoadConversations kept and dropped.
type LoadStats struct {
	Elements  int
	Resolved  int
	Empty     int
	Malformed int
	Undecoded int
}

// LoadConversations streams the export at path and returns every conversation whose active path
// has at least one message. Malformed graphs count as empty conversations, not errors. An export
// that yields no usable conversation returns ErrNoConversations.
func LoadConversations(ctx context.Context, path string, opts StreamOptions, now time.Time) ([]Conversation, LoadStats, error) {
	var (
		convs []Conversation
		stats LoadStats
	)
	res, err := StreamExport(ctx, path, opts, func(index int, raw RawConversation) error {
		conv, err := ResolveConversation(raw, index, now)
		switch {
		case errors.Is(err, ErrMalformedGraph):
			stats.Malformed++
			return nil
		case err != nil:
			return err
		case len(conv.Messages) == 0:
			stats.Empty++
			return nil
		}
		stats.Resolved++
		convs = append(convs, conv)
		return nil
	})
	stats.Elements = res.Elements
	stats.Undecoded = res.Skipped
	if err != nil {
		return nil, stats, fmt.Errorf("LoadConversations: %w", err)
	}
	if len(convs) == 0 {
		return nil, stats, fmt.Errorf("LoadConversations: %w", ErrNoConversations)
	}
	return convs, stats, nil
}
