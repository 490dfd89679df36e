package api

import (
	"log/slog"
	"net/http"
)

// AuditEvent identifies a state-changing command received over HTTP.
type AuditEvent string

const (
	AuditRefreshRequested   AuditEvent = "refresh_requested"
	AuditRefreshThrottled   AuditEvent = "refresh_throttled"
	AuditDateSelected       AuditEvent = "date_selected"
	AuditDateCleared        AuditEvent = "date_cleared"
	AuditVideoDownloaded    AuditEvent = "video_downloaded"
	AuditDateDownloaded     AuditEvent = "date_downloaded"
	AuditStreamRequested    AuditEvent = "stream_requested"
	AuditStreamStopped      AuditEvent = "stream_stopped"
	AuditEventsSubscribed   AuditEvent = "events_subscribed"
	AuditCommandFailed      AuditEvent = "command_failed"
	AuditPathOutsideLibrary AuditEvent = "path_outside_library"
)

// auditLogger writes one structured entry per command.
type auditLogger struct {
	logger *slog.Logger
}

func newAuditLogger(logger *slog.Logger) *auditLogger {
	return &auditLogger{logger: logger.With("component", "audit")}
}

func (al *auditLogger) log(event AuditEvent, r *http.Request, attrs ...slog.Attr) {
	base := []slog.Attr{
		slog.String("event", string(event)),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("remote_addr", r.RemoteAddr),
	}
	al.logger.LogAttrs(r.Context(), slog.LevelInfo, "audit", append(base, attrs...)...)
}

// logFailure records a command that returned an error.
func (al *auditLogger) logFailure(r *http.Request, err error, attrs ...slog.Attr) {
	al.log(AuditCommandFailed, r, append([]slog.Attr{slog.String("error", err.Error())}, attrs...)...)
}
