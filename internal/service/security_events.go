package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/EmreUYGUNX/lumi-identity/internal/domain"
	"github.com/EmreUYGUNX/lumi-identity/internal/observability"
	"github.com/EmreUYGUNX/lumi-identity/internal/repository"
)

// SecurityEventRecorder appends to the audit trail. Recording must never
// block or fail the operation being audited. The device context of the
// triggering request is stored on the row; a zero value is fine for
// operations with no request attached.
type SecurityEventRecorder interface {
	Record(ctx context.Context, eventType string, userID *uint, device DeviceContext, payload map[string]any)
}

type NoopSecurityEventRecorder struct{}

func (NoopSecurityEventRecorder) Record(context.Context, string, *uint, DeviceContext, map[string]any) {
}

// AsyncSecurityEventRecorder persists events on a background goroutine per
// call. Dispatch failures are logged and counted, never propagated.
type AsyncSecurityEventRecorder struct {
	events repository.SecurityEventRepository
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewAsyncSecurityEventRecorder(events repository.SecurityEventRepository, logger *slog.Logger) *AsyncSecurityEventRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &AsyncSecurityEventRecorder{events: events, logger: logger}
}

func (r *AsyncSecurityEventRecorder) Record(ctx context.Context, eventType string, userID *uint, device DeviceContext, payload map[string]any) {
	observability.Audit(ctx, eventType, auditAttrs(userID, device, payload)...)

	var encoded string
	if len(payload) > 0 {
		raw, err := json.Marshal(payload)
		if err != nil {
			r.logger.Warn("security event payload not serializable", "event", eventType, "error", err)
		} else {
			encoded = string(raw)
		}
	}
	event := &domain.SecurityEvent{
		Type:      eventType,
		UserID:    userID,
		IPAddress: device.IP,
		UserAgent: device.UserAgent,
		Payload:   encoded,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.events.Append(event); err != nil {
			observability.RecordAuditDispatchFailure(eventType)
			r.logger.Error("security event dispatch failed", "event", eventType, "error", err)
		}
	}()
}

// Flush blocks until every in-flight append has finished. Tests and
// shutdown paths use it to avoid losing trailing events.
func (r *AsyncSecurityEventRecorder) Flush() {
	r.wg.Wait()
}

func (r *AsyncSecurityEventRecorder) Close() {
	r.Flush()
}

func auditAttrs(userID *uint, device DeviceContext, payload map[string]any) []any {
	attrs := make([]any, 0, 2*(len(payload)+3))
	if userID != nil {
		attrs = append(attrs, "user_id", *userID)
	}
	if device.IP != "" {
		attrs = append(attrs, "ip", device.IP)
	}
	if device.UserAgent != "" {
		attrs = append(attrs, "user_agent", device.UserAgent)
	}
	for k, v := range payload {
		attrs = append(attrs, k, v)
	}
	return attrs
}
