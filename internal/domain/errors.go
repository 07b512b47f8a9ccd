package domain

import (
	"errors"
	"fmt"
)

// Error types for domain-specific errors
type ErrorType string

const (
	ErrorTypeDecode     ErrorType = "decode"
	ErrorTypePageRender ErrorType = "page_render"
	ErrorTypePreprocess ErrorType = "preprocess"
	ErrorTypeInference  ErrorType = "inference"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeCache      ErrorType = "cache"
	ErrorTypeStorage    ErrorType = "storage"
)

// DomainError represents a domain-specific error with context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
}

func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewError creates a new domain error
func NewError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
	}
}

// DecodeError reports input bytes that are not a readable document.
func DecodeError(message string, err error) *DomainError {
	return NewError(ErrorTypeDecode, message, err)
}

// PageRenderError reports a page that could not be rasterized.
func PageRenderError(message string, err error) *DomainError {
	return NewError(ErrorTypePageRender, message, err)
}

// PreprocessError reports a page image the visual encoder rejected.
func PreprocessError(message string, err error) *DomainError {
	return NewError(ErrorTypePreprocess, message, err)
}

// InferenceError reports an engine failure, including malformed batches.
func InferenceError(message string, err error) *DomainError {
	return NewError(ErrorTypeInference, message, err)
}

func ValidationError(message string, err error) *DomainError {
	return NewError(ErrorTypeValidation, message, err)
}

func ConfigError(message string, err error) *DomainError {
	return NewError(ErrorTypeConfig, message, err)
}

func IOError(message string, err error) *DomainError {
	return NewError(ErrorTypeIO, message, err)
}

func CacheError(message string, err error) *DomainError {
	return NewError(ErrorTypeCache, message, err)
}

func StorageError(message string, err error) *DomainError {
	return NewError(ErrorTypeStorage, message, err)
}

// TypeOf returns the type of the first DomainError in err's chain, or "".
func TypeOf(err error) ErrorType {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Type
	}
	return ""
}

// IsType reports whether err carries a DomainError of the given type.
func IsType(err error, errType ErrorType) bool {
	return err != nil && TypeOf(err) == errType
}
