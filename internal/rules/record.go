package rules

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Record is one CRM entity as returned by the REST API. Bitrix24 returns
// numeric ids as strings, so every comparison goes through Normalize.
type Record struct {
	fields map[string]interface{}
}

func NewRecord(fields map[string]interface{}) Record {
	if fields == nil {
		fields = map[string]interface{}{}
	}
	return Record{fields: fields}
}

func (r Record) ID() string {
	return r.GetString("ID")
}

// GetString returns the normalized value of field, or "" when absent.
func (r Record) GetString(field string) string {
	return Normalize(r.fields[field])
}

// GetInt parses field as an integer id. ok is false for missing, empty or
// non-numeric values.
func (r Record) GetInt(field string) (int64, bool) {
	s := strings.TrimSpace(r.GetString(field))
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func (r Record) Has(field string) bool {
	_, ok := r.fields[field]
	return ok
}

// Fields exposes the raw field map. Callers must not modify it.
func (r Record) Fields() map[string]interface{} {
	return r.fields
}

// Normalize renders a CRM value as the string form used for comparisons:
// 5, 5.0, "5" and json.Number("5") all become "5"; nil becomes "".
func Normalize(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint:
		return strconv.FormatUint(uint64(val), 10)
	case uint32:
		return strconv.FormatUint(uint64(val), 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float32:
		return normalizeFloat(float64(val))
	case float64:
		return normalizeFloat(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}

func normalizeFloat(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// NormalizeAll normalizes a list of ids into a set.
func NormalizeAll(values []interface{}) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[Normalize(v)] = struct{}{}
	}
	return set
}
