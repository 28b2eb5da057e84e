package app

import "errors"

// ErrInvalidRetention and related errors describe validation and runtime failures.
var (
	ErrInvalidRetention  = errors.New("invalid retention days")
	ErrAuditUnavailable  = errors.New("audit log is not available")
	ErrUnsupportedFormat = errors.New("unsupported export format")
)
