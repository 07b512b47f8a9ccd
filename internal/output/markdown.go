// Package output writes finished transcripts to disk.
package output

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/spherical/pdf-ocr/internal/domain"
)

// DefaultDir is used when no output directory is configured.
const DefaultDir = ".assets/markdown"

var unsafeRun = regexp.MustCompile(`[^a-z0-9]+`)

// MarkdownFilename derives a filesystem-safe markdown name from a document name.
func MarkdownFilename(name string) string {
	base := filepath.Base(name)
	if strings.EqualFold(filepath.Ext(base), ".pdf") {
		base = base[:len(base)-len(".pdf")]
	}

	stem := strings.Trim(unsafeRun.ReplaceAllString(strings.ToLower(base), "_"), "_")
	if stem == "" {
		stem = "document"
	}
	return stem + ".md"
}

// Save writes content to dir/filename, creating dir if needed, and returns
// the absolute path written. The file is replaced atomically.
func Save(dir, filename, content string) (string, error) {
	if dir == "" {
		dir = DefaultDir
	}
	if filename == "" || filename != filepath.Base(filename) {
		return "", domain.ValidationError(fmt.Sprintf("invalid output filename %q", filename), nil)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", domain.IOError("create output directory", err)
	}

	path, err := filepath.Abs(filepath.Join(dir, filename))
	if err != nil {
		return "", domain.IOError("resolve output path", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filename+".*")
	if err != nil {
		return "", domain.IOError("create temporary file", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return "", domain.IOError("write markdown", err)
	}
	if err := tmp.Close(); err != nil {
		return "", domain.IOError("write markdown", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return "", domain.IOError("set file mode", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", domain.IOError("move markdown into place", err)
	}

	return path, nil
}
