package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/spherical/pdf-ocr/internal/domain"
	"github.com/spherical/pdf-ocr/internal/observability"
	"github.com/spherical/pdf-ocr/internal/storage"
)

const defaultDocumentName = "document.pdf"

// Handler handles conversion requests.
type Handler struct {
	logger   *observability.Logger
	svc      Service
	maxBytes int64
}

// NewHandler creates a new handler. maxBytes of zero disables the upload limit.
func NewHandler(logger *observability.Logger, svc Service, maxBytes int64) *Handler {
	return &Handler{
		logger:   logger.WithComponent("api"),
		svc:      svc,
		maxBytes: maxBytes,
	}
}

// ConvertResponseDTO is the JSON form of a finished conversion.
type ConvertResponseDTO struct {
	Name     string `json:"name"`
	Markdown string `json:"markdown"`
	Pages    int    `json:"pages"`
	Chunks   int    `json:"chunks"`
	SHA256   string `json:"sha256"`
	Cached   bool   `json:"cached"`
}

// RunResponseDTO is the JSON form of a ledger entry.
type RunResponseDTO struct {
	*storage.Run
	FinishedAt *string `json:"finished_at,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
}

// Convert handles POST /api/v1/convert. The PDF is either the raw request
// body or the multipart field "file".
func (h *Handler) Convert(w http.ResponseWriter, r *http.Request) {
	if h.maxBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes)
	}

	name, data, err := readDocument(r)
	if err != nil {
		h.writeFailure(w, err)
		return
	}
	if len(data) == 0 {
		h.writeError(w, http.StatusBadRequest, "empty document", "")
		return
	}

	doc, err := h.svc.Convert(r.Context(), name, data, nil)
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	cache := "miss"
	if doc.Cached {
		cache = "hit"
	}
	w.Header().Set("X-Pages", strconv.Itoa(doc.Pages))
	w.Header().Set("X-Chunks", strconv.Itoa(doc.Chunks))
	w.Header().Set("X-Document-SHA256", doc.SHA256)
	w.Header().Set("X-Cache", cache)

	if wantsJSON(r) {
		h.writeJSON(w, http.StatusOK, ConvertResponseDTO{
			Name:     doc.Name,
			Markdown: doc.Markdown,
			Pages:    doc.Pages,
			Chunks:   doc.Chunks,
			SHA256:   doc.SHA256,
			Cached:   doc.Cached,
		})
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, doc.Markdown); err != nil {
		h.logger.Error().Err(err).Msg("Failed to write response")
	}
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.Run(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeFailure(w, err)
		return
	}

	dto := RunResponseDTO{Run: run}
	if run.FinishedAt.Valid {
		finished := run.FinishedAt.Time.UTC().Format("2006-01-02T15:04:05.000Z07:00")
		dto.FinishedAt = &finished
		dto.DurationMs = run.Duration().Milliseconds()
	}
	h.writeJSON(w, http.StatusOK, dto)
}

func readDocument(r *http.Request) (string, []byte, error) {
	name := r.URL.Query().Get("name")

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return "", nil, err
			}
			return "", nil, domain.ValidationError("multipart field \"file\" is required", err)
		}
		defer file.Close()

		if name == "" {
			name = header.Filename
		}
		data, err := io.ReadAll(file)
		if err != nil {
			return "", nil, err
		}
		return documentName(name), data, nil
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		return "", nil, err
	}
	return documentName(name), data, nil
}

func documentName(name string) string {
	if name == "" {
		return defaultDocumentName
	}
	return name
}

func wantsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		r.URL.Query().Get("format") == "json"
}

// statusFor maps pipeline errors to HTTP statuses.
func statusFor(err error) int {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}

	switch domain.TypeOf(err) {
	case domain.ErrorTypeValidation:
		return http.StatusBadRequest
	case domain.ErrorTypeDecode, domain.ErrorTypePageRender, domain.ErrorTypePreprocess:
		return http.StatusUnprocessableEntity
	case domain.ErrorTypeInference:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeFailure(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Int("status", status).Msg("Request failed")
	}

	message := http.StatusText(status)
	if t := domain.TypeOf(err); t != "" {
		message = fmt.Sprintf("%s error", t)
	}
	h.writeError(w, status, message, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, detail string) {
	resp := map[string]string{
		"error":   message,
		"message": message,
	}
	if detail != "" {
		resp["detail"] = detail
	}
	h.writeJSON(w, status, resp)
}
