package controller

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/mailqueue-backend/internal/errors"
)

// Problem is an RFC 7807 error body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Field    string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeOK answers with {"result":"ok"} plus the given fields.
func writeOK(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"result": "ok"}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

func writeProblem(w http.ResponseWriter, r *http.Request, log *zap.Logger, err error) {
	p := Problem{Type: "about:blank", Instance: r.URL.Path, Detail: err.Error()}

	var verr *appErrors.ValidationError
	switch {
	case appErrors.IsNotFound(err):
		p.Status = http.StatusNotFound
	case errors.As(err, &verr):
		p.Status = http.StatusBadRequest
		p.Field = verr.Field
	default:
		p.Status = http.StatusInternalServerError
		p.Detail = "internal error"
		log.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	p.Title = http.StatusText(p.Status)

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	json.NewEncoder(w).Encode(p)
}

func badRequest(field, msg string) error {
	return &appErrors.ValidationError{Field: field, Message: msg}
}

// idParam reads a positive integer URL parameter.
func idParam(r *http.Request, name string) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, name))
	if err != nil || id <= 0 {
		return 0, badRequest(name, "must be a positive integer")
	}
	return id, nil
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return badRequest("body", "invalid request body: "+err.Error())
	}
	return nil
}
