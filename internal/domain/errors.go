package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidID          = errors.New("invalid id")
	ErrInvalidIdentifier  = errors.New("invalid identifier")
	ErrInvalidAuditAction = errors.New("invalid audit action")
	ErrInvalidPreferences = errors.New("invalid preferences")
	ErrInvalidConfidence  = errors.New("invalid confidence")
	ErrValidation         = errors.New("validation failed")
	ErrItemNotFound       = errors.New("item not found")
	ErrInvalidQuantity    = errors.New("invalid quantity")
	ErrNoActiveSession    = errors.New("no active session")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionClosed      = errors.New("session is no longer active")
	ErrSessionIdentity    = errors.New("session identity cannot change")
	ErrStorage            = errors.New("storage error")
)

// RowIssue describes one offending input row.
type RowIssue struct {
	Row     int    `json:"row"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	Message string `json:"message"`
}

// String renders the issue for direct display.
func (i RowIssue) String() string {
	var b strings.Builder
	if i.Row > 0 {
		fmt.Fprintf(&b, "row %d", i.Row)
	}
	if i.Field != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s %q", i.Field, i.Value)
	}
	if i.Message != "" {
		if b.Len() > 0 {
			b.WriteString(": ")
		}
		b.WriteString(i.Message)
	}
	return b.String()
}

// ValidationError reports an import that cannot be committed.
// It matches ErrValidation under errors.Is.
type ValidationError struct {
	Message string     `json:"message"`
	Issues  []RowIssue `json:"issues,omitempty"`
}

// NewValidationError builds a ValidationError with optional row issues.
func NewValidationError(message string, issues ...RowIssue) *ValidationError {
	return &ValidationError{
		Message: strings.TrimSpace(message),
		Issues:  append([]RowIssue(nil), issues...),
	}
}

// Error implements error.
func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if len(e.Issues) == 0 {
		return e.Message
	}
	parts := make([]string, 0, len(e.Issues))
	for _, issue := range e.Issues {
		parts = append(parts, issue.String())
	}
	return e.Message + ": " + strings.Join(parts, "; ")
}

// Unwrap exposes the ErrValidation sentinel.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// StorageError reports a persistence failure for one record.
type StorageError struct {
	Op     string
	Record string
	Err    error
}

// Error implements error.
func (e *StorageError) Error() string {
	if e == nil {
		return ErrStorage.Error()
	}
	msg := "storage " + e.Op
	if e.Record != "" {
		msg += " " + e.Record
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both ErrStorage and the underlying cause.
func (e *StorageError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStorage}
	}
	return []error{ErrStorage, e.Err}
}
