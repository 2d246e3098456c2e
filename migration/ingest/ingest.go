// Package ingest turns a storage location into a local, decompressed export file.
package ingest

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/log"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/logger"
)

// DefaultMember is the archive member holding the conversation list.
const DefaultMember = "conversations.json"

// Source names where an export lives.
type Source struct {
	// Location is an http(s) URL or a local path.
	Location string
	// DeclaredType is the caller's claimed content type. It is logged but never trusted.
	DeclaredType string
}

// IsRemote reports whether the source has to be downloaded.
func (s Source) IsRemote() bool {
	l := strings.ToLower(s.Location)
	return strings.HasPrefix(l, "http://") || strings.HasPrefix(l, "https://")
}

// Fetcher streams a remote object into w.
type Fetcher interface {
	Fetch(ctx context.Context, url string, w io.Writer) (int64, error)
}

// Export is a plain JSON export ready for StreamExport.
type Export struct {
	Path   string
	Format Format
	// Bytes is the size of the file at Path.
	Bytes int64

	workspace string
}

// Cleanup removes the run workspace. Local sources read in place are never touched.
func (e *Export) Cleanup() error {
	if e == nil || e.workspace == "" {
		return nil
	}
	err := os.RemoveAll(e.workspace)
	e.workspace = ""
	return err
}

// Ingestor prepares exports for parsing.
type Ingestor struct {
	Fetcher Fetcher
	// Member is the zip member base name to extract. Defaults to DefaultMember.
	Member string
	// TempDir is the parent directory for workspaces. Defaults to os.TempDir().
	TempDir string
	Logger  *log.Logger
}

// Prepare downloads (when remote), sniffs and unwraps src. The returned Export owns a workspace
// that the caller must release with Cleanup; on error nothing is left behind.
func (in *Ingestor) Prepare(ctx context.Context, src Source) (_ *Export, err error) {
	lg := logger.OrNop(in.Logger)
	if strings.TrimSpace(src.Location) == "" {
		return nil, fmt.Errorf("Prepare: empty source location")
	}

	exp := &Export{}
	defer func() {
		if err != nil {
			_ = exp.Cleanup()
		}
	}()

	path := src.Location
	owned := false
	if src.IsRemote() {
		if in.Fetcher == nil {
			return nil, fmt.Errorf("Prepare: no fetcher configured for %s", src.Location)
		}
		ws, err := os.MkdirTemp(in.TempDir, "memory-o-bot-*")
		if err != nil {
			return nil, fmt.Errorf("Prepare: create workspace: %w", err)
		}
		exp.workspace = ws
		path = filepath.Join(ws, "download")
		n, err := in.download(ctx, src.Location, path)
		if err != nil {
			return nil, err
		}
		owned = true
		lg.Debug("downloaded export", "bytes", n, "declared_type", src.DeclaredType)
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("Prepare: %w", err)
	}

	format, err := detectFile(path)
	if err != nil {
		return nil, fmt.Errorf("Prepare: %w", err)
	}
	exp.Format = format
	if src.DeclaredType != "" {
		lg.Debug("detected export format", "format", format, "declared_type", src.DeclaredType)
	}

	switch format {
	case FormatPlain:
		exp.Path = path
	case FormatZip, FormatGzip:
		if exp.workspace == "" {
			ws, err := os.MkdirTemp(in.TempDir, "memory-o-bot-*")
			if err != nil {
				return nil, fmt.Errorf("Prepare: create workspace: %w", err)
			}
			exp.workspace = ws
		}
		out := filepath.Join(exp.workspace, DefaultMember)
		if format == FormatZip {
			_, err = extractZipMember(path, in.member(), out)
		} else {
			_, err = gunzipFile(path, out)
		}
		if err != nil {
			return nil, fmt.Errorf("Prepare: %w", err)
		}
		if owned {
			if err := os.Remove(path); err != nil {
				lg.Warn("failed to remove compressed download", "path", path, "err", err)
			}
		}
		exp.Path = out
	default:
		return nil, fmt.Errorf("Prepare: unsupported format %q", format)
	}

	st, err := os.Stat(exp.Path)
	if err != nil {
		return nil, fmt.Errorf("Prepare: %w", err)
	}
	exp.Bytes = st.Size()
	return exp, nil
}

func (in *Ingestor) member() string {
	if m := strings.TrimSpace(in.Member); m != "" {
		return m
	}
	return DefaultMember
}

func (in *Ingestor) download(ctx context.Context, url, dst string) (int64, error) {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return 0, fmt.Errorf("Prepare: create download file: %w", err)
	}
	n, err := in.Fetcher.Fetch(ctx, url, f)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("Prepare: download: %w", err)
	}
	return n, nil
}
