package observability

import (
	"context"
	"log/slog"
)

// Audit writes a structured audit line for a security-relevant occurrence.
// This is the log-side mirror of the persisted SecurityEvent row.
func Audit(ctx context.Context, event string, attrs ...any) {
	base := []any{"event", event}
	base = append(base, attrs...)
	slog.InfoContext(ctx, "audit", base...)
}
