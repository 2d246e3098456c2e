package ingest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Format is the container framing of a downloaded export.
type Format string

const (
	FormatPlain Format = "plain"
	FormatZip   Format = "zip"
	FormatGzip  Format = "gzip"
)

var (
	zipMagic  = []byte("PK\x03\x04")
	gzipMagic = []byte{0x1f, 0x8b}
)

// DetectFormat sniffs the leading bytes of r. Declared content types are not consulted.
func DetectFormat(r io.Reader) (Format, error) {
	head := make([]byte, len(zipMagic))
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("DetectFormat: %w", err)
	}
	head = head[:n]
	switch {
	case bytes.HasPrefix(head, zipMagic):
		return FormatZip, nil
	case bytes.HasPrefix(head, gzipMagic):
		return FormatGzip, nil
	default:
		return FormatPlain, nil
	}
}

func detectFile(path string) (Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("detect format: %w", err)
	}
	defer f.Close()
	return DetectFormat(f)
}
