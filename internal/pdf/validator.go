package pdf

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
)

// largeDocumentBytes is the size above which a warning is logged.
const largeDocumentBytes = 100 * 1024 * 1024

// pdfMagic is the header every PDF file starts with.
var pdfMagic = []byte("%PDF-")

// Validator provides input validation for PDF documents
type Validator struct {
	logger *observability.Logger
}

// NewValidator creates a new validator instance
func NewValidator(logger *observability.Logger) *Validator {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Validator{logger: logger}
}

// ValidatePDFPath validates that a file path is valid and points to a PDF
func (v *Validator) ValidatePDFPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return domain.ValidationError("file path cannot be empty", nil)
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return domain.ValidationError(fmt.Sprintf("file does not exist: %s", path), err)
		}
		return domain.ValidationError(fmt.Sprintf("cannot access file: %s", path), err)
	}

	if info.IsDir() {
		return domain.ValidationError(fmt.Sprintf("path is a directory, not a file: %s", path), nil)
	}

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".pdf" {
		return domain.ValidationError(fmt.Sprintf("file is not a PDF (has extension %s)", ext), nil)
	}

	return nil
}

// ValidateBytes rejects empty input and input without a PDF header.
// Large documents are accepted with a warning.
func (v *Validator) ValidateBytes(data []byte) error {
	if len(data) == 0 {
		return domain.DecodeError("document is empty", nil)
	}

	// Some producers emit a BOM or whitespace before the header; MuPDF tolerates up to 1KiB.
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	if !bytes.Contains(head, pdfMagic) {
		return domain.DecodeError("document does not start with a PDF header", nil)
	}

	if len(data) > largeDocumentBytes {
		v.logger.Warn().Int("size_mb", len(data)/(1024*1024)).Msg("PDF is very large, processing may take a while")
	}

	return nil
}

// ValidateZoom validates the render zoom factor
func (v *Validator) ValidateZoom(zoom float64) error {
	if zoom <= 0 {
		return domain.ValidationError(fmt.Sprintf("zoom must be positive, got %v", zoom), nil)
	}
	return nil
}
