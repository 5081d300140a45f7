// Package httputil holds the JSON request/response helpers shared by the
// API and webhook handlers, so every endpoint produces the same envelope
// and error shape.
package httputil

import (
	"encoding/json"
	"log"
	"net/http"
)

// ErrorResponse is the error envelope every non-2xx JSON response uses.
type ErrorResponse struct {
	Error string `json:"error"`
}

// JSON serializes data with the given status. Encoding failures are
// logged; the status line has already gone out by then.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[HTTP] response encode error: %v", err)
	}
}

// OK writes data with status 200.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Created writes data with status 201.
func Created(w http.ResponseWriter, data any) {
	JSON(w, http.StatusCreated, data)
}

// NoContent writes an empty 204 response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes the error envelope with the given status and message.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// BadRequest writes a 400 with the given message.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// NotFound writes a 404 with the given message.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, message)
}

// InternalError logs err and writes a generic 500. The real error never
// reaches the client.
func InternalError(w http.ResponseWriter, err error) {
	log.Printf("[HTTP] internal error: %v", err)
	Error(w, http.StatusInternalServerError, "internal server error")
}

// Decode parses the request body as JSON into dst, writing a 400 and
// returning false on malformed input.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}
