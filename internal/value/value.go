// Package value defines the closed set of values a run may log as a
// parameter: strings, numbers, booleans, and homogeneous lists of those.
// Values are represented as cty values, and the on-disk serialization is the
// cty JSON mapping wrapped in a {"value": ...} record.
package value

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/zclconf/go-cty/cty"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

// Value is a single logged value. It is always a member of the closed set
// accepted by Check; constructors below cannot produce anything else.
type Value = cty.Value

// ErrUnsupportedValue reports a value outside the closed set.
var ErrUnsupportedValue = errors.New("unsupported value type")

// String returns a string value.
func String(s string) Value { return cty.StringVal(s) }

// Number returns a numeric value.
func Number(f float64) Value { return cty.NumberFloatVal(f) }

// Int returns a numeric value from an integer.
func Int(i int64) Value { return cty.NumberIntVal(i) }

// Bool returns a boolean value.
func Bool(b bool) Value { return cty.BoolVal(b) }

// List returns an ordered list of scalar values. All elements must share one
// scalar type; an empty list has no element type and is rejected.
func List(vs ...Value) (Value, error) {
	if len(vs) == 0 {
		return cty.NilVal, fmt.Errorf("%w: empty list has no element type", ErrUnsupportedValue)
	}
	for _, v := range vs {
		if err := checkScalar(v); err != nil {
			return cty.NilVal, err
		}
		if !v.Type().Equals(vs[0].Type()) {
			return cty.NilVal, fmt.Errorf("%w: list elements must share one type, got %s and %s",
				ErrUnsupportedValue, vs[0].Type().FriendlyName(), v.Type().FriendlyName())
		}
	}
	return cty.ListVal(vs), nil
}

// Of converts a plain Go value into a Value. It accepts the Go shapes that
// correspond to the closed set, plus a Value passed through unchanged.
func Of(goValue any) (Value, error) {
	switch v := goValue.(type) {
	case Value:
		return v, Check(v)
	case string:
		return String(v), nil
	case bool:
		return Bool(v), nil
	case int:
		return Int(int64(v)), nil
	case int64:
		return Int(v), nil
	case float64:
		return Number(v), nil
	case float32:
		return Number(float64(v)), nil
	case []string:
		elems := make([]Value, len(v))
		for i, s := range v {
			elems[i] = String(s)
		}
		return List(elems...)
	case []float64:
		elems := make([]Value, len(v))
		for i, f := range v {
			elems[i] = Number(f)
		}
		return List(elems...)
	case []int:
		elems := make([]Value, len(v))
		for i, n := range v {
			elems[i] = Int(int64(n))
		}
		return List(elems...)
	case []bool:
		elems := make([]Value, len(v))
		for i, b := range v {
			elems[i] = Bool(b)
		}
		return List(elems...)
	case []any:
		elems := make([]Value, len(v))
		for i, e := range v {
			ev, err := Of(e)
			if err != nil {
				return cty.NilVal, err
			}
			elems[i] = ev
		}
		return List(elems...)
	default:
		return cty.NilVal, fmt.Errorf("%w: %T", ErrUnsupportedValue, goValue)
	}
}

// Check reports whether v is a member of the closed value set: a non-null
// string, number, or bool, or a single-level homogeneous list of one of
// those.
func Check(v Value) error {
	if v.IsNull() || !v.IsKnown() {
		return fmt.Errorf("%w: null or unknown value", ErrUnsupportedValue)
	}
	ty := v.Type()
	if ty.IsListType() || ty.IsTupleType() {
		var elemType cty.Type
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			if err := checkScalar(ev); err != nil {
				return err
			}
			if elemType == cty.NilType {
				elemType = ev.Type()
			} else if !ev.Type().Equals(elemType) {
				return fmt.Errorf("%w: list elements must share one type", ErrUnsupportedValue)
			}
		}
		if elemType == cty.NilType {
			return fmt.Errorf("%w: empty list has no element type", ErrUnsupportedValue)
		}
		return nil
	}
	return checkScalar(v)
}

func checkScalar(v Value) error {
	if v.IsNull() || !v.IsKnown() {
		return fmt.Errorf("%w: null or unknown value", ErrUnsupportedValue)
	}
	ty := v.Type()
	if ty.Equals(cty.String) || ty.Equals(cty.Number) || ty.Equals(cty.Bool) {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedValue, ty.FriendlyName())
}

// Float extracts a float64 from a numeric value.
func Float(v Value) (float64, bool) {
	if v.IsNull() || !v.IsKnown() || !v.Type().Equals(cty.Number) {
		return 0, false
	}
	f, _ := v.AsBigFloat().Float64()
	return f, true
}

// Render formats a value for human-facing output (CLI tables). Strings are
// printed bare, numbers without exponent noise, lists comma-separated in
// brackets.
func Render(v Value) string {
	if v.IsNull() || !v.IsKnown() {
		return ""
	}
	ty := v.Type()
	switch {
	case ty.Equals(cty.String):
		return v.AsString()
	case ty.Equals(cty.Number):
		return v.AsBigFloat().Text('g', -1)
	case ty.Equals(cty.Bool):
		return strconv.FormatBool(v.True())
	case ty.IsListType() || ty.IsTupleType():
		var parts []string
		for it := v.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			parts = append(parts, Render(ev))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return v.GoString()
	}
}

// Record is the on-disk {"value": ...} wrapper around one logged value. The
// embedded cty JSON codec derives the JSON shape from the value's type, so
// strings, numbers, booleans, and lists all round-trip through plain JSON.
type Record struct {
	Value ctyjson.SimpleJSONValue `json:"value"`
}

// NewRecord wraps v for serialization.
func NewRecord(v Value) Record {
	return Record{Value: ctyjson.SimpleJSONValue{Value: v}}
}

// Val unwraps the stored value.
func (r Record) Val() Value {
	return r.Value.Value
}
