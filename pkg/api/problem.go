// Package api is the HTTP surface of the fulfillment service. Errors are
// RFC 7807 problem documents carrying the domain error code.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/approval"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/auth"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/fraud"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/inventory"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/notify"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/order"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/payment"
	"github.com/Elboraeyy/LegeCy-Store-sub005/pkg/settings"
)

const problemTypeBase = "https://errors.legecy.store/"

// ProblemDetail is an RFC 7807 problem document. Code is the stable
// machine-readable error code.
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Code     string `json:"code"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	TraceID  string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

type coded interface {
	Code() string
}

var codeStatus = map[string]int{
	"INSUFFICIENT_STOCK":  http.StatusConflict,
	"STATE_CONFLICT":      http.StatusConflict,
	"PRICE_CHANGED":       http.StatusConflict,
	"REVIEW_PENDING":      http.StatusConflict,
	"DUPLICATE_APPROVAL":  http.StatusConflict,
	"FEATURE_DISABLED":    http.StatusServiceUnavailable,
	"UNAUTHORIZED":        http.StatusUnauthorized,
	"FORBIDDEN":           http.StatusForbidden,
	"SELF_APPROVAL":       http.StatusForbidden,
	"NOT_FOUND":           http.StatusNotFound,
	"VALIDATION_FAILED":   http.StatusBadRequest,
	"PAYMENT_INIT_FAILED": http.StatusBadGateway,
	"RATE_LIMITED":        http.StatusTooManyRequests,
}

// codeDetail is the client-facing detail per code. Raw error text carries
// package prefixes and row ids and is only logged.
var codeDetail = map[string]string{
	"INSUFFICIENT_STOCK":  "Not enough stock is available for one or more items.",
	"STATE_CONFLICT":      "The resource is not in a state that allows this action.",
	"PRICE_CHANGED":       "Prices have changed since the cart was loaded. Please review your cart.",
	"REVIEW_PENDING":      "The order is awaiting fraud review.",
	"DUPLICATE_APPROVAL":  "A matching approval request is already pending.",
	"FEATURE_DISABLED":    "This feature is temporarily unavailable.",
	"UNAUTHORIZED":        "Authentication required",
	"FORBIDDEN":           "You are not allowed to perform this action.",
	"SELF_APPROVAL":       "Requesters cannot decide their own approval requests.",
	"NOT_FOUND":           "The requested resource was not found.",
	"VALIDATION_FAILED":   "The request is invalid.",
	"PAYMENT_INIT_FAILED": "The payment could not be started. The order was cancelled.",
	"RATE_LIMITED":        "Rate limit exceeded. Retry after the specified interval.",
	"INTERNAL":            "An unexpected error occurred. Please try again later.",
}

// publicDetail returns the client-facing detail for err. Validation
// failures name the offending field.
func publicDetail(err error, code string) string {
	var ve *order.ValidationError
	if errors.As(err, &ve) {
		return fmt.Sprintf("Invalid %s: %s", ve.Field, ve.Reason)
	}
	return codeDetail[code]
}

// classify resolves err to a status and code. Unknown errors are internal.
func classify(err error) (int, string) {
	var c coded
	if errors.As(err, &c) {
		if status, ok := codeStatus[c.Code()]; ok {
			return status, c.Code()
		}
	}
	switch {
	case errors.Is(err, order.ErrNotFound),
		errors.Is(err, approval.ErrNotFound),
		errors.Is(err, fraud.ErrNotFound),
		errors.Is(err, notify.ErrNotFound),
		errors.Is(err, inventory.ErrNotFound),
		errors.Is(err, payment.ErrNotFound),
		errors.Is(err, settings.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, fraud.ErrNotPending):
		return http.StatusConflict, "STATE_CONFLICT"
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case errors.Is(err, payment.ErrBadSignature):
		return http.StatusUnauthorized, "UNAUTHORIZED"
	}
	return http.StatusInternalServerError, "INTERNAL"
}

// writeProblem renders p with the request's instance and correlation id.
func writeProblem(w http.ResponseWriter, r *http.Request, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = problemTypeBase + p.Code
	}
	if p.Title == "" {
		p.Title = http.StatusText(p.Status)
	}
	p.Instance = r.URL.Path
	p.TraceID = auth.RequestID(r.Context())

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// writeError maps err to a problem document with a stable detail. The raw
// error is logged, never sent.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	status, code := classify(err)
	attrs := []any{"error", err, "code", code, "path", r.URL.Path, "request_id", auth.RequestID(r.Context())}
	if status == http.StatusInternalServerError {
		log.ErrorContext(r.Context(), "internal server error", attrs...)
	} else {
		log.InfoContext(r.Context(), "request rejected", attrs...)
	}
	writeProblem(w, r, &ProblemDetail{Status: status, Code: code, Detail: publicDetail(err, code)})
}

func writeBadRequest(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, &ProblemDetail{Status: http.StatusBadRequest, Code: "VALIDATION_FAILED", Detail: detail})
}

func writeUnauthorized(w http.ResponseWriter, r *http.Request, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	writeProblem(w, r, &ProblemDetail{Status: http.StatusUnauthorized, Code: "UNAUTHORIZED", Detail: detail})
}

func writeForbidden(w http.ResponseWriter, r *http.Request, detail string) {
	writeProblem(w, r, &ProblemDetail{Status: http.StatusForbidden, Code: "FORBIDDEN", Detail: detail})
}

func writeTooManyRequests(w http.ResponseWriter, r *http.Request, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	writeProblem(w, r, &ProblemDetail{
		Status: http.StatusTooManyRequests,
		Code:   "RATE_LIMITED",
		Detail: "Rate limit exceeded. Retry after the specified interval.",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// maxBody bounds every JSON request body.
const maxBody = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
