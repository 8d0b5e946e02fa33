package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"aindrocode/internal/fixloop"
	"aindrocode/internal/oracle"
	"aindrocode/internal/runtime"
	"aindrocode/internal/sandbox"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, msg, code string, status int, r *http.Request) {
	writeJSON(w, status, ErrorResponse{
		Error:     msg,
		Code:      code,
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// classify maps an error from the domain packages to an HTTP status and
// error body. Only this boundary inspects error identity.
func classify(err error, r *http.Request) (int, ErrorResponse) {
	resp := ErrorResponse{
		Error:     err.Error(),
		RequestID: RequestIDFromContext(r.Context()),
	}

	switch {
	case errors.Is(err, sandbox.ErrUnsupportedLang):
		resp.Code = "UNSUPPORTED_LANGUAGE"
		resp.Supported = runtime.NewRegistry().Languages()
		return http.StatusBadRequest, resp
	case errors.Is(err, sandbox.ErrUnsupportedPackageManager):
		resp.Code = "UNSUPPORTED_PACKAGE_MANAGER"
		resp.Supported = runtime.PackageManagers()
		return http.StatusBadRequest, resp
	case sandbox.IsValidation(err),
		errors.Is(err, fixloop.ErrMissingInput),
		errors.Is(err, fixloop.ErrInvalidIterations),
		errors.Is(err, oracle.ErrMissingPrompt),
		errors.Is(err, oracle.ErrMissingAPIKey):
		resp.Code = "INVALID_REQUEST"
		return http.StatusBadRequest, resp
	case errors.Is(err, sandbox.ErrPlatformUnavailable):
		resp.Code = "SANDBOX_UNAVAILABLE"
		resp.Error = "sandbox platform unavailable"
	case errors.Is(err, oracle.ErrDisabled):
		resp.Code = "ORACLE_DISABLED"
		resp.Error = "code repair oracle disabled"
	case errors.Is(err, oracle.ErrOracle):
		resp.Code = "ORACLE_FAILED"
		resp.Error = "code repair oracle failed"
	default:
		resp.Code = "EXECUTION_FAILED"
		resp.Error = "execution failed"
	}
	// Downstream failures share one status; Code tells them apart.
	resp.Details = err.Error()
	return http.StatusInternalServerError, resp
}

func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status, resp := classify(err, r)
	if status >= http.StatusInternalServerError {
		log.Error().
			Err(err).
			Str("request_id", resp.RequestID).
			Str("path", r.URL.Path).
			Msg("request failed")
	}
	writeJSON(w, status, resp)
}
