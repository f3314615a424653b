// Package problems writes RFC 7807 problem details responses.
package problems

import (
	"encoding/json"
	"net/http"
	"strconv"
)

const (
	TypeValidation   = "https://palmyra.pro/problems/validation-error"
	TypeNotFound     = "https://palmyra.pro/problems/not-found"
	TypeConflict     = "https://palmyra.pro/problems/conflict"
	TypeUnauthorized = "https://palmyra.pro/problems/unauthorized"
	TypeForbidden    = "https://palmyra.pro/problems/forbidden"
	TypeLocked       = "https://palmyra.pro/problems/account-locked"
	TypeUnavailable  = "https://palmyra.pro/problems/service-unavailable"
	TypeInternal     = "https://palmyra.pro/problems/internal-error"
)

// ContentType is the media type of every problem response.
const ContentType = "application/problem+json"

// ProblemDetails mirrors the ProblemDetails schema of the API contract.
type ProblemDetails struct {
	Type              string              `json:"type,omitempty"`
	Title             string              `json:"title"`
	Status            int                 `json:"status"`
	Detail            string              `json:"detail,omitempty"`
	Errors            map[string][]string `json:"errors,omitempty"`
	RetryAfterMinutes *int                `json:"retryAfterMinutes,omitempty"`
}

// New builds a problem with the given status.
func New(status int, problemType, title, detail string) ProblemDetails {
	return ProblemDetails{Type: problemType, Title: title, Status: status, Detail: detail}
}

// Validation builds a 400 problem carrying field errors.
func Validation(detail string, errs map[string][]string) ProblemDetails {
	p := New(http.StatusBadRequest, TypeValidation, "Invalid request", detail)
	p.Errors = errs
	return p
}

// Internal builds the opaque 500 problem.
func Internal() ProblemDetails {
	return New(http.StatusInternalServerError, TypeInternal, "Internal error", "internal error")
}

// Write encodes p as the response body. Locked problems also set Retry-After in seconds.
func Write(w http.ResponseWriter, p ProblemDetails) {
	if p.Status == 0 {
		p.Status = http.StatusInternalServerError
	}
	if p.RetryAfterMinutes != nil {
		w.Header().Set("Retry-After", strconv.Itoa(*p.RetryAfterMinutes*60))
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}
