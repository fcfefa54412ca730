// Package scd implements the slowly-changing-dimension merge engine:
// change-detection hashing, record classification, and write-set
// construction for Type 1 (overwrite) and Type 2 (full history) tables.
package scd

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/zeebo/xxh3"
)

// Record is a single canonical record: field name to value, as produced
// by flattening and mapping a raw source record.
type Record map[string]any

// RecordHash computes the change-detection digest over a record's
// business-field values. The digest is order-independent (fields are
// visited in sorted order) and type-normalized: numeric 1 and string
// "1" hash identically, so representation drift in a source API never
// registers as a content change.
func RecordHash(rec Record, businessFields []string) string {
	fields := make([]string, len(businessFields))
	copy(fields, businessFields)
	sort.Strings(fields)

	h := xxh3.New()
	for _, f := range fields {
		h.WriteString(f)
		h.WriteString("=")
		h.WriteString(Canonical(rec[f]))
		// Unit separator keeps ("a","bc") distinct from ("ab","c").
		h.WriteString("\x1f")
	}

	sum := h.Sum128()
	return fmt.Sprintf("%016x%016x", sum.Hi, sum.Lo)
}

// Canonical renders a field value in a single canonical text form so
// equivalent values always digest identically. The warehouse uses the
// same rendering when materializing VARCHAR columns, so stored values
// and hashed values never drift apart.
func Canonical(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return canonicalString(val)
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return canonicalFloat(val)
	case float32:
		return canonicalFloat(float64(val))
	case int:
		return strconv.FormatInt(int64(val), 10)
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case json.Number:
		return canonicalString(val.String())
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	default:
		// Nested objects and arrays: encoding/json sorts map keys, so
		// the rendering is deterministic.
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(data)
	}
}

// canonicalString funnels numeric-looking strings through the same
// formatter as native numbers, but only when the substitution is
// lossless. Digit strings wider than float64 precision (long account
// and invoice references) keep their raw form so distinct values never
// canonicalize to one rendering.
func canonicalString(s string) string {
	if s == "" {
		return ""
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return strconv.FormatInt(i, 10)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		if rendered := canonicalFloat(f); sameDecimalValue(s, rendered) {
			return rendered
		}
	}
	return s
}

// sameDecimalValue reports whether two decimal strings denote the exact
// same number, compared without floating-point rounding.
func sameDecimalValue(a, b string) bool {
	ra, okA := new(big.Rat).SetString(a)
	rb, okB := new(big.Rat).SetString(b)
	return okA && okB && ra.Cmp(rb) == 0
}

func canonicalFloat(f float64) string {
	// Integral floats render without a decimal point, matching the
	// int path: 1.0, 1, and "1" all canonicalize to "1".
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}
