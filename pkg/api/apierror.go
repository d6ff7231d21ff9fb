// Package api is the HTTP surface of the OpenAudit settlement service.
//
// Errors are RFC 7807 problem documents. Coded errors keep their stable code
// in the "code" member so clients can branch on it.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MarcoBrian/OpenAudit/pkg/errcode"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
type ProblemDetail struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	// Code is the stable errcode, when the failure carries one.
	Code    string `json:"code,omitempty"`
	TraceID string `json:"trace_id,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

const problemBase = "https://openaudit.dev/errors/"

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	if p.Type == "" {
		p.Type = fmt.Sprintf("%s%d", problemBase, p.Status)
	}
	if p.TraceID == "" {
		p.TraceID = w.Header().Get(RequestIDHeader)
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{Title: title, Status: status, Detail: detail})
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="openaudit"`)
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but NEVER exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err, "request_id", w.Header().Get(RequestIDHeader))
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// StatusFor maps an error class to its HTTP status.
func StatusFor(class errcode.Class) int {
	switch class {
	case errcode.ClassValidation:
		return http.StatusBadRequest
	case errcode.ClassAuthorization:
		return http.StatusForbidden
	case errcode.ClassStateConflict:
		return http.StatusConflict
	case errcode.ClassNotFound:
		return http.StatusNotFound
	case errcode.ClassTransfer:
		return http.StatusBadGateway
	case errcode.ClassSettlement:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// WriteErrorR writes err as a problem document for r. Coded errors map to
// their class status and expose code and detail; anything else is internal.
func WriteErrorR(w http.ResponseWriter, r *http.Request, err error) {
	ce, ok := errcode.As(err)
	if !ok || ce.Class == errcode.ClassInternal {
		WriteInternal(w, err)
		return
	}
	status := StatusFor(ce.Class)
	detail := ce.Message
	if ce.Detail != "" {
		detail = ce.Message + ": " + ce.Detail
	}
	writeProblem(w, &ProblemDetail{
		Type:     problemBase + ce.Code,
		Title:    http.StatusText(status),
		Status:   status,
		Detail:   detail,
		Instance: r.URL.Path,
		Code:     ce.Code,
	})
}
