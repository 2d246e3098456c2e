package migration

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// DefaultArrayField is the key holding the conversation array in object-wrapped exports.
const DefaultArrayField = "conversations"

var (
	// ErrNoConversations is returned when neither container shape yields a conversation.
	ErrNoConversations = errors.New("no conversations found in export")

	errNotArray  = errors.New("top-level value is not an array")
	errNotObject = errors.New("top-level value is not an object")
)

// StreamOptions controls how StreamExport locates the conversation array.
type StreamOptions struct {
	// ArrayField is the key of the conversation array when the top-level value is an object.
	// Empty means DefaultArrayField; "*" picks the first array-valued field.
	ArrayField string
}

func (o StreamOptions) arrayField() string {
	if o.ArrayField == "" {
		return DefaultArrayField
	}
	return o.ArrayField
}

// StreamResult reports what a StreamExport pass saw.
type StreamResult struct {
	Elements int
	Skipped  int
}

// StreamExport decodes the export at path one conversation at a time and hands each to fn along
// with its position in the array. Memory use is bounded by the largest single conversation.
//
// Two container shapes are accepted: a bare top-level array, or an object wrapping the array.
// The bare array is probed first; if it yields nothing, the file is reopened and read as the
// wrapped shape. Once an element has been handed to fn the pass cannot be restarted, so later
// errors are returned as-is. Elements that are not objects are counted as Skipped.
func StreamExport(ctx context.Context, path string, opts StreamOptions, fn func(index int, conv RawConversation) error) (StreamResult, error) {
	if ctx == nil {
		return StreamResult{}, errors.New("StreamExport: ctx is nil")
	}
	if path == "" {
		return StreamResult{}, errors.New("StreamExport: path is empty")
	}
	if fn == nil {
		return StreamResult{}, errors.New("StreamExport: fn is nil")
	}

	res, arrErr := streamShape(ctx, path, false, opts, fn)
	if res.Elements > 0 || ctx.Err() != nil {
		return res, arrErr
	}

	res, objErr := streamShape(ctx, path, true, opts, fn)
	if res.Elements > 0 || ctx.Err() != nil {
		return res, objErr
	}

	return StreamResult{}, fmt.Errorf("StreamExport: %w (array: %v; object: %v)", ErrNoConversations, errOrNone(arrErr), errOrNone(objErr))
}

func errOrNone(err error) error {
	if err == nil {
		return errors.New("empty")
	}
	return err
}

func streamShape(ctx context.Context, path string, wrapped bool, opts StreamOptions, fn func(int, RawConversation) error) (StreamResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return StreamResult{}, fmt.Errorf("StreamExport: open input: %w", err)
	}
	defer f.Close()

	// The export is typically one huge line; use a larger buffer than default.
	dec := json.NewDecoder(bufio.NewReaderSize(f, 1<<20))

	tok, err := dec.Token()
	if err != nil {
		return StreamResult{}, fmt.Errorf("StreamExport: read first token: %w", err)
	}
	delim, _ := tok.(json.Delim)

	var res StreamResult
	if !wrapped {
		if delim != '[' {
			return res, errNotArray
		}
		if err := streamArrayFromOpen(ctx, dec, fn, &res); err != nil {
			return res, err
		}
		return res, expectDelim(dec, ']')
	}

	if delim != '{' {
		return res, errNotObject
	}
	field := opts.arrayField()
	found := false
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		keyTok, err := dec.Token()
		if err != nil {
			return res, fmt.Errorf("StreamExport: read object key: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return res, fmt.Errorf("StreamExport: expected string key, got %T", keyTok)
		}

		valTok, err := dec.Token()
		if err != nil {
			return res, fmt.Errorf("StreamExport: read value token for key %q: %w", key, err)
		}

		d, isArray := valTok.(json.Delim)
		isArray = isArray && d == '['
		if !found && isArray && (key == field || field == "*") {
			found = true
			if err := streamArrayFromOpen(ctx, dec, fn, &res); err != nil {
				return res, err
			}
			if err := expectDelim(dec, ']'); err != nil {
				return res, err
			}
			continue
		}

		if err := skipValue(dec, valTok); err != nil {
			return res, fmt.Errorf("StreamExport: skip key %q value: %w", key, err)
		}
	}
	if err := expectDelim(dec, '}'); err != nil {
		return res, err
	}
	if !found {
		return res, fmt.Errorf("StreamExport: no %q array in top-level object", field)
	}
	return res, nil
}

func streamArrayFromOpen(ctx context.Context, dec *json.Decoder, fn func(int, RawConversation) error, res *StreamResult) error {
	for dec.More() {
		if err := ctx.Err(); err != nil {
			return err
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("StreamExport: decode conversation element %d: %w", res.Elements, err)
		}
		index := res.Elements
		res.Elements++

		var conv RawConversation
		if err := json.Unmarshal(raw, &conv); err != nil {
			res.Skipped++
			continue
		}
		if err := fn(index, conv); err != nil {
			return err
		}
	}
	return nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("StreamExport: read closing %q: %w", want, err)
	}
	if d, ok := tok.(json.Delim); !ok || d != want {
		return fmt.Errorf("StreamExport: expected closing %q, got %v", want, tok)
	}
	return nil
}

func skipValue(dec *json.Decoder, first json.Token) error {
	d, ok := first.(json.Delim)
	if !ok {
		// Primitive (string/number/bool/null): already fully consumed.
		return nil
	}

	switch d {
	case '{', '[':
		// Consume tokens until the matching closing delimiter.
	default:
		return fmt.Errorf("skipValue: unexpected delimiter %q", d)
	}

	depth := 1
	for depth > 0 {
		tok, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return io.ErrUnexpectedEOF
			}
			return err
		}
		if dd, ok := tok.(json.Delim); ok {
			switch dd {
			case '{', '[':
				depth++
			case '}', ']':
				depth--
			}
		}
	}
	return nil
}
