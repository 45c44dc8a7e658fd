package models

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Document is a staged payload: the upstream row as loosely-typed JSON.
// Accessors tolerate the type drift real feeds exhibit (numbers as strings,
// booleans as "yes"/"no") so processors stay thin.
type Document map[string]any

// String returns the value under key as a trimmed string, or "" when absent.
func (d Document) String(key string) string {
	switch v := d[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", v))
	}
}

// Bool reads truthy upstream spellings: true, "true", "yes", "y", "1".
func (d Document) Bool(key string) bool {
	switch v := d[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "yes", "y", "1":
			return true
		}
	case float64:
		return v != 0
	}
	return false
}

// Time parses the value under key in the formats the feeds actually use.
func (d Document) Time(key string) (time.Time, bool) {
	s := d.String(key)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02", "01/02/2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// Has reports whether key is present with a non-empty value.
func (d Document) Has(key string) bool {
	return d.String(key) != ""
}

// ContentHash returns a stable fingerprint of the document. json.Marshal
// emits map keys sorted, so two payloads with the same fields and values
// hash identically regardless of upstream field order.
func (d Document) ContentHash() string {
	raw, err := json.Marshal(d)
	if err != nil {
		// Documents come from json.Unmarshal, so this cannot happen for
		// real payloads; hash the error text rather than panic.
		raw = []byte(err.Error())
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
