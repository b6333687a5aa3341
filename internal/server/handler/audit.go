package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/surplusmarket/internal/domain"
)

// AuditLog is the read side of the audit store.
type AuditLog interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
}

// AuditHandler serves the operator view of the audit log.
type AuditHandler struct {
	audit  AuditLog
	logger *slog.Logger
}

// NewAuditHandler creates an AuditHandler.
func NewAuditHandler(audit AuditLog, logger *slog.Logger) *AuditHandler {
	return &AuditHandler{audit: audit, logger: logger}
}

// List returns audit entries newest first.
// GET /api/audit?since=&until=&limit=&offset=
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	var err error
	if opts.Since, err = parseTime(r, "since"); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if opts.Until, err = parseTime(r, "until"); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	entries, err := h.audit.List(r.Context(), opts)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}
