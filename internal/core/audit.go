package core

// audit.go emits audit entries as structured log records under the "audit"
// group, so they can be routed to a separate sink by the log pipeline.

import (
	"context"
	"log/slog"

	"github.com/JonMunkholm/datamorph/internal/logging"
	"github.com/google/uuid"
)

// AuditAction is the kind of change being audited.
type AuditAction string

const (
	ActionUpload          AuditAction = "upload"
	ActionFileDelete      AuditAction = "file_delete"
	ActionProjectDelete   AuditAction = "project_delete"
	ActionCleanApply      AuditAction = "clean_apply"
	ActionOperationRevert AuditAction = "operation_revert"
	ActionExportRequest   AuditAction = "export_request"
	ActionTrainRequest    AuditAction = "train_request"
)

// AuditSeverity ranks how destructive an action is.
type AuditSeverity string

const (
	SeverityLow      AuditSeverity = "low"
	SeverityMedium   AuditSeverity = "medium"
	SeverityHigh     AuditSeverity = "high"
	SeverityCritical AuditSeverity = "critical"
)

// AuditEvent is one audited change.
type AuditEvent struct {
	Action       AuditAction
	TenantID     uuid.UUID
	UserID       string
	EntityID     uuid.UUID
	RowsAffected int
	Detail       string
}

func determineSeverity(action AuditAction) AuditSeverity {
	switch action {
	case ActionProjectDelete:
		return SeverityCritical
	case ActionFileDelete, ActionOperationRevert:
		return SeverityHigh
	case ActionUpload, ActionCleanApply:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (s *Service) audit(ctx context.Context, ev AuditEvent) {
	meta := RequestMetaFrom(ctx)
	attrs := []any{
		slog.String("action", string(ev.Action)),
		slog.String("severity", string(determineSeverity(ev.Action))),
		slog.String("tenant_id", ev.TenantID.String()),
		slog.String("entity_id", ev.EntityID.String()),
	}
	if ev.UserID != "" {
		attrs = append(attrs, slog.String("user_id", ev.UserID))
	}
	if ev.RowsAffected != 0 {
		attrs = append(attrs, slog.Int("rows_affected", ev.RowsAffected))
	}
	if ev.Detail != "" {
		attrs = append(attrs, slog.String("detail", ev.Detail))
	}
	if meta.IPAddress != "" {
		attrs = append(attrs, slog.String("ip_address", meta.IPAddress))
	}
	if meta.UserAgent != "" {
		attrs = append(attrs, slog.String("user_agent", meta.UserAgent))
	}
	logging.FromContext(ctx).Info("audit", slog.Group("audit", attrs...))
}
