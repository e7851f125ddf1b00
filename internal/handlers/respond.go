package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/betledger/settlement/internal/middleware"
	"github.com/betledger/settlement/internal/services"
	"github.com/betledger/settlement/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1_048_576

// decodeJSON reads exactly one JSON object into dst and validates it. On
// failure the response is already written.
func decodeJSON(w http.ResponseWriter, r *http.Request, validator *services.ValidationHelper, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		services.SendErrorResponse(w, "Invalid request body", http.StatusBadRequest, nil)
		return false
	}

	if err := dec.Decode(&struct{}{}); err != io.EOF {
		services.SendErrorResponse(w, "Request body must only contain a single JSON object", http.StatusBadRequest, nil)
		return false
	}

	if err := validator.ValidateStruct(dst); err != nil {
		services.SendErrorResponse(w, "Validation failed", http.StatusBadRequest, err)
		return false
	}
	return true
}

// identity returns the caller's user and tenant, answering 401 when the
// request carries none.
func identity(w http.ResponseWriter, r *http.Request) (userID, tenantID int64, ok bool) {
	userID, okUser := middleware.UserID(r.Context())
	tenantID, okTenant := middleware.TenantID(r.Context())
	if !okUser || !okTenant {
		services.SendErrorResponse(w, "Unauthorized", http.StatusUnauthorized, nil)
		return 0, 0, false
	}
	return userID, tenantID, true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		services.SendErrorResponse(w, "Invalid "+param, http.StatusBadRequest, nil)
		return 0, false
	}
	return id, true
}

// statusFor maps an engine error code onto its HTTP status.
func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrInvalidAmount:
		return http.StatusBadRequest
	case types.ErrWalletNotFound, types.ErrBetNotFound:
		return http.StatusNotFound
	case types.ErrInsufficientFunds:
		return http.StatusPaymentRequired
	case types.ErrLimitExceeded:
		return http.StatusForbidden
	case types.ErrAlreadySettled:
		return http.StatusConflict
	case types.ErrJackpotInactive:
		return http.StatusGone
	case types.ErrBusy:
		return http.StatusServiceUnavailable
	case types.ErrExternalPaymentFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError answers with the specific rejection reason of err.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var se *types.SettlementError
	if !errors.As(err, &se) {
		se = types.WrapError(types.ErrInternal, "Internal server error", err)
	}

	status := statusFor(se.Code)
	if status >= http.StatusInternalServerError {
		logrus.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"code":   se.Code,
		}).Error("[HTTP] request failed")
	}
	if se.Code == types.ErrBusy {
		w.Header().Set("Retry-After", "1")
	}

	services.WriteJSON(w, status, services.ErrorResponse{
		Error: se.Message,
		Code:  string(se.Code),
		Limit: string(se.Limit),
	})
}
