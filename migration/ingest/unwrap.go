package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

var (
	// ErrMemberNotFound is returned when a zip archive has no member with the target name.
	ErrMemberNotFound = errors.New("target member not found in archive")
	// ErrEmptyPayload is returned when decompression produced no bytes.
	ErrEmptyPayload = errors.New("decompressed payload is empty")
)

const copyBufferSize = 32 << 10

// extractZipMember copies the first member of archivePath whose base name is member to dst.
func extractZipMember(archivePath, member, dst string) (int64, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return 0, fmt.Errorf("open zip: %w", err)
	}
	defer zr.Close()

	for _, f := range zr.File {
		if f.FileInfo().IsDir() || !strings.EqualFold(path.Base(f.Name), member) {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return 0, fmt.Errorf("open zip member %q: %w", f.Name, err)
		}
		n, err := copyToFile(dst, rc)
		_ = rc.Close()
		if err != nil {
			return n, fmt.Errorf("extract zip member %q: %w", f.Name, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrMemberNotFound, member)
}

// gunzipFile decompresses src into dst.
func gunzipFile(src, dst string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("open gzip: %w", err)
	}
	defer f.Close()

	zr, err := gzip.NewReader(f)
	if err != nil {
		return 0, fmt.Errorf("read gzip header: %w", err)
	}
	defer zr.Close()

	n, err := copyToFile(dst, zr)
	if err != nil {
		return n, fmt.Errorf("decompress gzip: %w", err)
	}
	if n == 0 {
		return 0, ErrEmptyPayload
	}
	return n, nil
}

// copyToFile streams r into a new file at dst in fixed-size writes.
func copyToFile(dst string, r io.Reader) (int64, error) {
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, err
	}
	n, err := io.CopyBuffer(out, r, make([]byte, copyBufferSize))
	if err != nil {
		_ = out.Close()
		return n, err
	}
	return n, out.Close()
}
