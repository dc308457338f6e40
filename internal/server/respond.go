package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Bboy9090/PhoenixCore/pkg/hostprov"
	"github.com/Bboy9090/PhoenixCore/pkg/httpx"
	"github.com/Bboy9090/PhoenixCore/pkg/media"
	"github.com/Bboy9090/PhoenixCore/pkg/pack"
	"github.com/Bboy9090/PhoenixCore/pkg/report"
	"github.com/Bboy9090/PhoenixCore/pkg/safety"
	"github.com/Bboy9090/PhoenixCore/pkg/workflow"
)

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps package sentinels onto the stable error taxonomy.
// Denials are 403, absent resources 404, state conflicts 409 and rejected
// documents 422. Anything unmapped falls through as a plain 500.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, safety.ErrForceRequired):
		httpx.WriteTypedError(w, http.StatusForbidden, "safety.force_required", err.Error(), 0)
	case errors.Is(err, safety.ErrSystemDiskProtected):
		httpx.WriteTypedError(w, http.StatusForbidden, "safety.system_disk", err.Error(), 0)
	case errors.Is(err, safety.ErrMissingConfirmationToken):
		httpx.WriteTypedError(w, http.StatusForbidden, "safety.token_required", err.Error(), 0)
	case errors.Is(err, safety.ErrTokenConsumed):
		httpx.WriteTypedError(w, http.StatusForbidden, "safety.token_consumed", err.Error(), 0)
	case errors.Is(err, safety.ErrTokenExpired):
		httpx.WriteTypedError(w, http.StatusForbidden, "safety.token_expired", err.Error(), 0)
	case errors.Is(err, safety.ErrUnknownDisk):
		httpx.WriteTypedError(w, http.StatusNotFound, "safety.unknown_disk", err.Error(), 0)
	case errors.Is(err, safety.ErrDeviceBusy):
		httpx.WriteTypedError(w, http.StatusConflict, "safety.device_busy", err.Error(), 5)
	case errors.Is(err, safety.ErrZeroSizeDisk):
		httpx.WriteTypedError(w, http.StatusUnprocessableEntity, "safety.zero_size_disk", err.Error(), 0)
	case errors.Is(err, report.ErrIntegrityViolation):
		httpx.WriteTypedError(w, http.StatusConflict, "report.integrity_violation", err.Error(), 0)
	case errors.Is(err, pack.ErrIntegrity):
		httpx.WriteTypedError(w, http.StatusConflict, "pack.integrity_violation", err.Error(), 0)
	case errors.Is(err, pack.ErrWorkflowFailed):
		httpx.WriteTypedError(w, http.StatusConflict, "pack.workflow_failed", err.Error(), 0)
	case errors.Is(err, media.ErrVerifyMismatch):
		httpx.WriteTypedError(w, http.StatusConflict, "media.verify_mismatch", err.Error(), 0)
	case errors.Is(err, media.ErrTargetTooSmall):
		httpx.WriteTypedError(w, http.StatusUnprocessableEntity, "media.target_too_small", err.Error(), 0)
	case errors.Is(err, workflow.ErrInvalidWorkflow),
		errors.Is(err, workflow.ErrSchemaVersion),
		errors.Is(err, workflow.ErrUnsupportedAction),
		errors.Is(err, workflow.ErrInvalidParams):
		httpx.WriteTypedError(w, http.StatusUnprocessableEntity, "workflow.invalid", err.Error(), 0)
	case errors.Is(err, pack.ErrInvalidPack), errors.Is(err, pack.ErrSchemaVersion):
		httpx.WriteTypedError(w, http.StatusUnprocessableEntity, "pack.invalid", err.Error(), 0)
	case errors.Is(err, hostprov.ErrEnumeration):
		httpx.WriteTypedError(w, http.StatusInternalServerError, "devices.enumeration_failed", err.Error(), 0)
	case errors.Is(err, context.Canceled):
		httpx.WriteTypedError(w, http.StatusConflict, "run.canceled", err.Error(), 0)
	default:
		httpx.WriteError(w, http.StatusInternalServerError, err.Error())
	}
}

// decodeJSON rejects unknown fields so typos in request bodies surface as
// 400s instead of silently ignored options.
func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeBadRequest(w http.ResponseWriter, msg string) {
	httpx.WriteTypedError(w, http.StatusBadRequest, "invalid.json", msg, 0)
}
