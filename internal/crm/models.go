package crm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Update sets fields on one entity.
type Update struct {
	ID     int64
	Fields map[string]interface{}
}

// BatchResult reports per-id outcomes of BatchUpdate. Ids absent from both
// were never dispatched.
type BatchResult struct {
	Updated []int64
	Failed  map[int64]string
}

func (r BatchResult) merge(other BatchResult) BatchResult {
	r.Updated = append(r.Updated, other.Updated...)
	if len(other.Failed) > 0 && r.Failed == nil {
		r.Failed = make(map[int64]string, len(other.Failed))
	}
	for id, msg := range other.Failed {
		r.Failed[id] = msg
	}
	return r
}

type User struct {
	ID       int64
	Name     string
	LastName string
	Email    string
	Active   bool
}

// APIError is an error payload returned by the REST API.
type APIError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *APIError) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

type response struct {
	Result json.RawMessage `json:"result"`
	Next   *int            `json:"next,omitempty"`
	Total  int             `json:"total,omitempty"`
	APIError
}

type batchResponse struct {
	Result      json.RawMessage `json:"result"`
	ResultError json.RawMessage `json:"result_error"`
}

// objectOrEmpty decodes raw into out unless the API sent an empty list for
// an empty object.
func objectOrEmpty(raw json.RawMessage, out interface{}) error {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" || strings.HasPrefix(trimmed, "[") {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func parseActive(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		return strings.EqualFold(val, "Y") || strings.EqualFold(val, "true")
	default:
		return false
	}
}
