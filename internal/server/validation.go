package server

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ValidationError represents a validation error with details
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// respondJSON writes a JSON body, logging encode failures.
func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.WithError(err).Error("Failed to encode JSON response")
	}
}

// respondWithValidationError sends a structured validation error response
func (s *Server) respondWithValidationError(w http.ResponseWriter, r *http.Request, verr *ValidationError) {
	s.logger.WithFields(logrus.Fields{
		"method": r.Method,
		"path":   r.URL.Path,
		"field":  verr.Field,
		"code":   verr.Code,
	}).Warn("Validation failed")

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	s.respondJSON(w, map[string]interface{}{
		"valid":  false,
		"errors": []ValidationError{*verr},
	})
}

// requirePOST enforces the method for body-less command endpoints.
func requirePOST(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != "POST" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// requireGET mirrors requirePOST for the read-only endpoints.
func requireGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != "GET" {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

// queryString returns a trimmed query parameter.
func queryString(values url.Values, name string) string {
	return strings.TrimSpace(values.Get(name))
}

// queryStringList collects a repeatable parameter, also splitting
// comma-separated values.
func queryStringList(values url.Values, name string) []string {
	var out []string
	for _, raw := range values[name] {
		for _, part := range strings.Split(raw, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// queryInt parses an integer parameter, returning def when absent.
func queryInt(values url.Values, name string, def int) (int, *ValidationError) {
	raw := queryString(values, name)
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &ValidationError{Field: name, Message: "must be an integer", Code: "INVALID_INT"}
	}
	return parsed, nil
}

// queryInt64 parses a 64-bit integer parameter, returning def when absent.
func queryInt64(values url.Values, name string, def int64) (int64, *ValidationError) {
	raw := queryString(values, name)
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &ValidationError{Field: name, Message: "must be an integer", Code: "INVALID_INT"}
	}
	return parsed, nil
}

// queryFloat parses a float parameter, returning def when absent.
func queryFloat(values url.Values, name string, def float64) (float64, *ValidationError) {
	raw := queryString(values, name)
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &ValidationError{Field: name, Message: "must be a number", Code: "INVALID_FLOAT"}
	}
	return parsed, nil
}

// queryBool parses a boolean parameter, returning def when absent.
func queryBool(values url.Values, name string, def bool) (bool, *ValidationError) {
	raw := queryString(values, name)
	if raw == "" {
		return def, nil
	}
	parsed, err := strconv.ParseBool(raw)
	if err != nil {
		return false, &ValidationError{Field: name, Message: "must be a boolean", Code: "INVALID_BOOL"}
	}
	return parsed, nil
}

// queryOptionalBool parses a boolean parameter into a pointer, nil when
// absent.
func queryOptionalBool(values url.Values, name string) (*bool, *ValidationError) {
	if queryString(values, name) == "" {
		return nil, nil
	}
	parsed, verr := queryBool(values, name, false)
	if verr != nil {
		return nil, verr
	}
	return &parsed, nil
}

// queryBoolList parses a repeatable boolean parameter.
func queryBoolList(values url.Values, name string) ([]bool, *ValidationError) {
	raws := queryStringList(values, name)
	out := make([]bool, 0, len(raws))
	for _, raw := range raws {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, &ValidationError{Field: name, Message: "must be booleans", Code: "INVALID_BOOL"}
		}
		out = append(out, parsed)
	}
	return out, nil
}

// queryIntList parses a repeatable integer parameter.
func queryIntList(values url.Values, name string) ([]int, *ValidationError) {
	raws := queryStringList(values, name)
	out := make([]int, 0, len(raws))
	for _, raw := range raws {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &ValidationError{Field: name, Message: "must be integers", Code: "INVALID_INT"}
		}
		out = append(out, parsed)
	}
	return out, nil
}

// queryTime parses an RFC 3339 timestamp. The zero time stands in for an
// absent or unparseable value; the coordinator clamps it anyway.
func queryTime(values url.Values, name string) time.Time {
	raw := queryString(values, name)
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return parsed.UTC()
}

// queryUUID parses a required UUID parameter.
func queryUUID(values url.Values, name string) (uuid.UUID, *ValidationError) {
	raw := queryString(values, name)
	if raw == "" {
		return uuid.Nil, &ValidationError{Field: name, Message: "is required", Code: "MISSING_PARAM"}
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, &ValidationError{Field: name, Message: "must be a UUID", Code: "INVALID_UUID"}
	}
	return parsed, nil
}
