package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ValueKind tags the type carried by a Value.
type ValueKind string

const (
	KindString  ValueKind = "string"
	KindNumber  ValueKind = "number"
	KindBoolean ValueKind = "boolean"
	KindDate    ValueKind = "date"
)

// Value is a tagged scalar used in filters and connector records.
// On the wire it is {"type": "<kind>", "value": <payload>}; dates are RFC 3339.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	Date time.Time
}

// StringValue returns a string-tagged value.
func StringValue(s string) Value { return Value{Kind: KindString, Str: s} }

// NumberValue returns a number-tagged value.
func NumberValue(n float64) Value { return Value{Kind: KindNumber, Num: n} }

// BooleanValue returns a boolean-tagged value.
func BooleanValue(b bool) Value { return Value{Kind: KindBoolean, Bool: b} }

// DateValue returns a date-tagged value normalized to UTC.
func DateValue(t time.Time) Value { return Value{Kind: KindDate, Date: t.UTC()} }

// IsZero reports whether the value carries no type.
func (v Value) IsZero() bool { return v.Kind == "" }

type wireValue struct {
	Type  ValueKind       `json:"type"`
	Value json.RawMessage `json:"value"`
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var payload any
	switch v.Kind {
	case KindString:
		payload = v.Str
	case KindNumber:
		payload = v.Num
	case KindBoolean:
		payload = v.Bool
	case KindDate:
		payload = v.Date.UTC().Format(time.RFC3339)
	default:
		return nil, fmt.Errorf("unknown value type %q", v.Kind)
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Type: v.Kind, Value: raw})
}

// UnmarshalJSON implements json.Unmarshaler. The payload must match the
// declared type; mismatches are rejected rather than coerced.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	out := Value{Kind: w.Type}
	switch w.Type {
	case KindString:
		if err := json.Unmarshal(w.Value, &out.Str); err != nil {
			return fmt.Errorf("value is not a string: %w", err)
		}
	case KindNumber:
		if err := json.Unmarshal(w.Value, &out.Num); err != nil {
			return fmt.Errorf("value is not a number: %w", err)
		}
	case KindBoolean:
		if err := json.Unmarshal(w.Value, &out.Bool); err != nil {
			return fmt.Errorf("value is not a boolean: %w", err)
		}
	case KindDate:
		var s string
		if err := json.Unmarshal(w.Value, &s); err != nil {
			return fmt.Errorf("date value must be a string: %w", err)
		}
		t, err := parseDate(s)
		if err != nil {
			return err
		}
		out.Date = t
	default:
		return fmt.Errorf("unknown value type %q", w.Type)
	}
	*v = out
	return nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want RFC 3339 or YYYY-MM-DD", s)
}

// String renders the payload without its type tag.
func (v Value) String() string {
	switch v.Kind {
	case KindString:
		return v.Str
	case KindNumber:
		return strconv.FormatFloat(v.Num, 'f', -1, 64)
	case KindBoolean:
		return strconv.FormatBool(v.Bool)
	case KindDate:
		return v.Date.Format(time.RFC3339)
	}
	return ""
}

// Compare orders two values of the same comparable kind.
// ok is false when the kinds differ or are not ordered.
func (v Value) Compare(o Value) (cmp int, ok bool) {
	if v.Kind != o.Kind {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		switch {
		case v.Num < o.Num:
			return -1, true
		case v.Num > o.Num:
			return 1, true
		}
		return 0, true
	case KindDate:
		return v.Date.Compare(o.Date), true
	}
	return 0, false
}

// Equal reports whether two values have the same kind and payload.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBoolean:
		return v.Bool == o.Bool
	case KindDate:
		return v.Date.Equal(o.Date)
	}
	return true
}

// FilterOp is a comparison operator in a filter condition.
type FilterOp string

const (
	OpEq       FilterOp = "eq"
	OpNe       FilterOp = "ne"
	OpGt       FilterOp = "gt"
	OpGte      FilterOp = "gte"
	OpLt       FilterOp = "lt"
	OpLte      FilterOp = "lte"
	OpContains FilterOp = "contains"
)

// FilterOps lists the supported operators.
var FilterOps = []FilterOp{OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpContains}

// Ordered reports whether the operator needs an ordered value kind.
func (op FilterOp) Ordered() bool {
	return op == OpGt || op == OpGte || op == OpLt || op == OpLte
}

// FilterCondition restricts the records extracted from the source system.
// Conditions in a filter are combined with AND.
type FilterCondition struct {
	Field string   `json:"field"`
	Op    FilterOp `json:"op"`
	Value Value    `json:"value"`
}

// Matches evaluates the condition against a record value. A record that
// lacks the field never matches.
func (c FilterCondition) Matches(v Value, present bool) bool {
	if !present {
		return false
	}
	switch c.Op {
	case OpEq:
		return v.Equal(c.Value)
	case OpNe:
		return !v.Equal(c.Value)
	case OpContains:
		return v.Kind == KindString && c.Value.Kind == KindString && strings.Contains(v.Str, c.Value.Str)
	}
	cmp, ok := v.Compare(c.Value)
	if !ok {
		return false
	}
	switch c.Op {
	case OpGt:
		return cmp > 0
	case OpGte:
		return cmp >= 0
	case OpLt:
		return cmp < 0
	case OpLte:
		return cmp <= 0
	}
	return false
}
