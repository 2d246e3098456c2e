package migration

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/theimaginaryfoundation/memory-o-bot/migration/fileutils"
)

const frontMatterDelimiter = "---"

// MemoryFileMeta is the YAML front matter written above a generated memory document.
type MemoryFileMeta struct {
	JobID         string    `yaml:"job_id"`
	GeneratedAt   time.Time `yaml:"generated_at"`
	Conversations int       `yaml:"conversations"`
	Chunks        int       `yaml:"chunks"`
	FactCount     int       `yaml:"fact_count"`
	Tokens        int       `yaml:"tokens"`
	Fallback      bool      `yaml:"fallback,omitempty"`
}

// MemoryFile is a memory document plus its metadata.
type MemoryFile struct {
	Meta    MemoryFileMeta
	Content string
}

// MarshalMemoryFile renders m as front matter followed by the markdown body.
func MarshalMemoryFile(m MemoryFile) ([]byte, error) {
	yamlBytes, err := yaml.Marshal(&m.Meta)
	if err != nil {
		return nil, fmt.Errorf("MarshalMemoryFile: %w", err)
	}
	var sb strings.Builder
	sb.WriteString(frontMatterDelimiter + "\n")
	sb.Write(yamlBytes)
	sb.WriteString(frontMatterDelimiter + "\n\n")
	sb.WriteString(m.Content)
	return []byte(sb.String()), nil
}

// ParseMemoryFile reads a file written by MarshalMemoryFile.
func ParseMemoryFile(raw []byte) (MemoryFile, error) {
	s := string(raw)
	if !strings.HasPrefix(s, frontMatterDelimiter) {
		return MemoryFile{}, fmt.Errorf("ParseMemoryFile: missing front-matter delimiter")
	}
	rest := s[len(frontMatterDelimiter):]
	idx := strings.Index(rest, "\n"+frontMatterDelimiter)
	if idx == -1 {
		return MemoryFile{}, fmt.Errorf("ParseMemoryFile: unclosed front-matter block")
	}
	body := strings.TrimPrefix(rest[idx+len("\n"+frontMatterDelimiter):], "\n")
	body = strings.TrimPrefix(body, "\n")

	var meta MemoryFileMeta
	if err := yaml.Unmarshal([]byte(rest[:idx]), &meta); err != nil {
		return MemoryFile{}, fmt.Errorf("ParseMemoryFile: front-matter: %w", err)
	}
	return MemoryFile{Meta: meta, Content: body}, nil
}

// WriteMemoryFile atomically writes m to path.
func WriteMemoryFile(path string, m MemoryFile) error {
	b, err := MarshalMemoryFile(m)
	if err != nil {
		return err
	}
	if _, err := fileutils.WriteFileAtomicSameDir(path, b, 0o644); err != nil {
		return fmt.Errorf("WriteMemoryFile: %w", err)
	}
	return nil
}

// ReadMemoryFile loads a memory file from disk.
func ReadMemoryFile(path string) (MemoryFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return MemoryFile{}, fmt.Errorf("ReadMemoryFile: %w", err)
	}
	return ParseMemoryFile(b)
}
