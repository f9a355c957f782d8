package expr

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
)

// The coercion rules below implement JavaScript semantics explicitly
// rather than leaning on Go's native conversions, which differ (Go has no
// NaN-propagating string-to-number coercion and empty collections are not
// a truthiness signal in JS).

// Truthy reports the JS boolean conversion of a value. Falsy values are
// null, false, 0, NaN, and "". Arrays and objects are always truthy,
// even when empty.
func Truthy(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case bool:
		return val
	case float64:
		return val != 0 && !math.IsNaN(val)
	case int:
		return val != 0
	case int64:
		return val != 0
	case string:
		return val != ""
	default:
		return true
	}
}

// ToNumber applies the JS Number() conversion. Non-numeric strings and
// uncoercible values become NaN.
func ToNumber(v any) float64 {
	switch val := v.(type) {
	case nil:
		return 0
	case bool:
		if val {
			return 1
		}
		return 0
	case float64:
		return val
	case int:
		return float64(val)
	case int64:
		return float64(val)
	case string:
		trimmed := strings.TrimSpace(val)
		if trimmed == "" {
			return 0
		}
		n, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return math.NaN()
		}
		return n
	default:
		return math.NaN()
	}
}

// ToString applies the JS String() conversion.
func ToString(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		if val {
			return "true"
		}
		return "false"
	case float64:
		return formatNumber(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case string:
		return val
	case []any:
		parts := make([]string, len(val))
		for i, item := range val {
			if item == nil {
				parts[i] = ""
				continue
			}
			parts[i] = ToString(item)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", val)
	}
}

// formatNumber renders a float the way JS does: integral values without a
// decimal point, Infinity/NaN spelled out.
func formatNumber(f float64) string {
	switch {
	case math.IsInf(f, 1):
		return "Infinity"
	case math.IsInf(f, -1):
		return "-Infinity"
	case math.IsNaN(f):
		return "NaN"
	case f == math.Trunc(f) && math.Abs(f) < 1e21:
		return strconv.FormatFloat(f, 'f', -1, 64)
	default:
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
}

// LooseEquals implements the JS == algorithm for the value shapes the
// engine produces (null, bool, number, string, array, object).
func LooseEquals(a, b any) bool {
	// null == undefined == null; null equals nothing else loosely.
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	aNum, aIsNum := asNumber(a)
	bNum, bIsNum := asNumber(b)
	aStr, aIsStr := a.(string)
	bStr, bIsStr := b.(string)
	aBool, aIsBool := a.(bool)
	bBool, bIsBool := b.(bool)

	switch {
	case aIsNum && bIsNum:
		return numEquals(aNum, bNum)
	case aIsStr && bIsStr:
		return aStr == bStr
	case aIsBool && bIsBool:
		return aBool == bBool
	// Booleans coerce to numbers first.
	case aIsBool:
		return LooseEquals(boolToNum(aBool), b)
	case bIsBool:
		return LooseEquals(a, boolToNum(bBool))
	// Number vs string: coerce the string.
	case aIsNum && bIsStr:
		return numEquals(aNum, ToNumber(bStr))
	case aIsStr && bIsNum:
		return numEquals(ToNumber(aStr), bNum)
	default:
		// Structured values: JS compares references. True structural
		// identity is unavailable here, so matching shapes compare by
		// value, which is what workflow authors expect from templates.
		return reflect.DeepEqual(a, b)
	}
}

func boolToNum(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func numEquals(a, b float64) bool {
	if math.IsNaN(a) || math.IsNaN(b) {
		return false
	}
	return a == b
}

// asNumber reports whether a value is already numeric, normalizing to float64.
func asNumber(v any) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case float32:
		return float64(val), true
	default:
		return 0, false
	}
}

func parseNumber(text string) (float64, error) {
	return strconv.ParseFloat(text, 64)
}
