// Package handlers provides HTTP handlers for the clinic API.
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/medisync/go-cpf/internal/api/middleware"
	"github.com/medisync/go-cpf/internal/domain/appointment"
	"github.com/medisync/go-cpf/internal/domain/pharmacy"
	"github.com/medisync/go-cpf/internal/platform/clock"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, appointment.ErrNotFound),
		errors.Is(err, appointment.ErrDoctorNotFound),
		errors.Is(err, pharmacy.ErrPrescriptionNotFound),
		errors.Is(err, pharmacy.ErrMedicineNotFound):
		return http.StatusNotFound
	case errors.Is(err, appointment.ErrInvalidRequest),
		errors.Is(err, appointment.ErrPastDate),
		errors.Is(err, pharmacy.ErrInvalidLineItem),
		errors.Is(err, pharmacy.ErrEmptyPrescription),
		errors.Is(err, pharmacy.ErrInvalidMedicine):
		return http.StatusBadRequest
	case errors.Is(err, appointment.ErrCapacityExceeded),
		errors.Is(err, appointment.ErrDuplicateBooking),
		errors.Is(err, appointment.ErrInvalidState),
		errors.Is(err, appointment.ErrConcurrencyConflict),
		errors.Is(err, pharmacy.ErrAlreadyDispensed),
		errors.Is(err, pharmacy.ErrInvalidTransition),
		errors.Is(err, pharmacy.ErrDuplicateMedicine),
		errors.Is(err, pharmacy.ErrStockConflict):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, logger *zap.Logger, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
		msg = "internal server error"
	}
	if retryable(err) {
		writeJSON(w, code, map[string]any{
			"error":     msg + "; please try again",
			"retryable": true,
		})
		return
	}
	jsonError(w, msg, code)
}

// retryable reports conflicts a client can resolve by resending the request.
func retryable(err error) bool {
	return errors.Is(err, appointment.ErrConcurrencyConflict) || errors.Is(err, pharmacy.ErrStockConflict)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst and runs its validate tags. An empty body
// is accepted when allowEmpty is set.
func decode(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return fmt.Errorf("invalid request body: %w", err)
		}
	}
	if err := validate.Struct(dst); err != nil {
		return validationMessage(err)
	}
	return nil
}

func validationMessage(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
	}
	return errors.New("validation: " + strings.Join(parts, "; "))
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return id, nil
}

func queryInt(r *http.Request, name string) (int64, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

// queryDate reads a YYYY-MM-DD query parameter, falling back to def.
func queryDate(r *http.Request, name string, def time.Time) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	d, err := clock.ParseDate(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s, expected YYYY-MM-DD", name)
	}
	return d, nil
}
