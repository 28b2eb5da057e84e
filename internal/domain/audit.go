package domain

import (
	"slices"
	"strings"
	"time"
)

// AuditAction names a committed mutation reported to the audit sink.
type AuditAction string

// AuditAction values emitted after each committed mutation.
const (
	AuditActionImport   AuditAction = "import"
	AuditActionCount    AuditAction = "count"
	AuditActionComplete AuditAction = "complete"
	AuditActionCancel   AuditAction = "cancel"
	AuditActionReset    AuditAction = "reset"
	AuditActionCleanup  AuditAction = "cleanup"
)

var validAuditActions = []AuditAction{
	AuditActionImport,
	AuditActionCount,
	AuditActionComplete,
	AuditActionCancel,
	AuditActionReset,
	AuditActionCleanup,
}

// AuditEvent is one fire-and-forget mutation notification.
type AuditEvent struct {
	ID         string            `json:"id"`
	Action     AuditAction       `json:"action"`
	SessionID  string            `json:"sessionId,omitempty"`
	Identifier string            `json:"identifier,omitempty"`
	Quantity   *int              `json:"quantity,omitempty"`
	Source     string            `json:"source,omitempty"`
	Confidence *float64          `json:"confidence,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurredAt"`
}

type AuditEventInput struct {
	ID         string
	Action     AuditAction
	SessionID  string
	Identifier string
	Quantity   *int
	Source     string
	Confidence *float64
	Metadata   map[string]string
}

func NewAuditEvent(in AuditEventInput, now time.Time) (AuditEvent, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return AuditEvent{}, ErrInvalidID
	}
	in.Action = AuditAction(strings.ToLower(strings.TrimSpace(string(in.Action))))
	if !slices.Contains(validAuditActions, in.Action) {
		return AuditEvent{}, ErrInvalidAuditAction
	}
	var metadata map[string]string
	if len(in.Metadata) > 0 {
		metadata = make(map[string]string, len(in.Metadata))
		for k, v := range in.Metadata {
			k = strings.TrimSpace(k)
			if k == "" {
				continue
			}
			metadata[k] = strings.TrimSpace(v)
		}
	}
	return AuditEvent{
		ID:         in.ID,
		Action:     in.Action,
		SessionID:  strings.TrimSpace(in.SessionID),
		Identifier: strings.TrimSpace(in.Identifier),
		Quantity:   in.Quantity,
		Source:     strings.TrimSpace(in.Source),
		Confidence: in.Confidence,
		Metadata:   metadata,
		OccurredAt: now.UTC(),
	}, nil
}
