package fileutils

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// WriteJSONLinesAtomic streams rows as one JSON object per line into a temp file next to path,
// then renames it into place.
func WriteJSONLinesAtomic[T any](path string, rows []T, mode fs.FileMode) (int, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tmp, err := os.CreateTemp(dir, ".tmp_write_*")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			_ = tmp.Close()
			return i, fmt.Errorf("encode row %d: %w", i, err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return len(rows), err
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return len(rows), err
	}
	if err := tmp.Close(); err != nil {
		return len(rows), err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return len(rows), err
	}
	return len(rows), nil
}
