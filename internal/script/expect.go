package script

import (
	"fmt"
	"math"
	"strings"

	"github.com/d5/tengo/v2"
)

// assertFunc implements assert(cond, msg?).
func assertFunc() *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: "assert",
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) < 1 || len(args) > 2 {
				return nil, tengo.ErrWrongNumArguments
			}
			if !args[0].IsFalsy() {
				return tengo.TrueValue, nil
			}
			return nil, &assertionError{msg: message(args, 1, "assertion failed")}
		},
	}
}

// expectLib is the `expect` map exposed to scripts. Each function aborts the
// script with an assertion error when its check does not hold.
func expectLib() map[string]any {
	return map[string]any{
		"equal": check("equal", 2, func(a []tengo.Object) (bool, string) {
			return equalObjects(a[0], a[1]), fmt.Sprintf("expected %s to equal %s", show(a[0]), show(a[1]))
		}),
		"not_equal": check("not_equal", 2, func(a []tengo.Object) (bool, string) {
			return !equalObjects(a[0], a[1]), fmt.Sprintf("expected %s to not equal %s", show(a[0]), show(a[1]))
		}),
		"contains": check("contains", 2, func(a []tengo.Object) (bool, string) {
			return contains(a[0], a[1]), fmt.Sprintf("expected %s to contain %s", show(a[0]), show(a[1]))
		}),
		"above": check("above", 2, func(a []tengo.Object) (bool, string) {
			x, ok1 := tengo.ToFloat64(a[0])
			y, ok2 := tengo.ToFloat64(a[1])
			return ok1 && ok2 && x > y, fmt.Sprintf("expected %s to be above %s", show(a[0]), show(a[1]))
		}),
		"below": check("below", 2, func(a []tengo.Object) (bool, string) {
			x, ok1 := tengo.ToFloat64(a[0])
			y, ok2 := tengo.ToFloat64(a[1])
			return ok1 && ok2 && x < y, fmt.Sprintf("expected %s to be below %s", show(a[0]), show(a[1]))
		}),
		"is_true": check("is_true", 1, func(a []tengo.Object) (bool, string) {
			return !a[0].IsFalsy(), fmt.Sprintf("expected %s to be truthy", show(a[0]))
		}),
		"is_false": check("is_false", 1, func(a []tengo.Object) (bool, string) {
			return a[0].IsFalsy(), fmt.Sprintf("expected %s to be falsy", show(a[0]))
		}),
		"status": check("status", 2, func(a []tengo.Object) (bool, string) {
			// expect.status(response, 200)
			m, ok := a[0].(*tengo.Map)
			if !ok {
				return false, "expect.status needs the response map"
			}
			got := m.Value["status"]
			if got == nil {
				got = tengo.UndefinedValue
			}
			return equalObjects(got, a[1]), fmt.Sprintf("expected status %s, got %s", show(a[1]), show(got))
		}),
	}
}

// check builds a function taking n required args and an optional message.
func check(name string, n int, fn func([]tengo.Object) (bool, string)) *tengo.UserFunction {
	return &tengo.UserFunction{
		Name: name,
		Value: func(args ...tengo.Object) (tengo.Object, error) {
			if len(args) < n || len(args) > n+1 {
				return nil, tengo.ErrWrongNumArguments
			}
			ok, msg := fn(args[:n])
			if ok {
				return tengo.TrueValue, nil
			}
			return nil, &assertionError{msg: message(args, n, msg)}
		},
	}
}

func message(args []tengo.Object, idx int, fallback string) string {
	if len(args) > idx {
		if s, ok := tengo.ToString(args[idx]); ok && s != "" {
			return s
		}
	}
	return fallback
}

func show(o tengo.Object) string {
	if s, ok := o.(*tengo.String); ok {
		return fmt.Sprintf("%q", s.Value)
	}
	return o.String()
}

// equalObjects treats Int and Float holding the same number as equal.
func equalObjects(a, b tengo.Object) bool {
	if a.Equals(b) {
		return true
	}
	x, ok1 := numeric(a)
	y, ok2 := numeric(b)
	return ok1 && ok2 && x == y
}

func numeric(o tengo.Object) (float64, bool) {
	switch v := o.(type) {
	case *tengo.Int:
		return float64(v.Value), true
	case *tengo.Float:
		return v.Value, true
	}
	return 0, false
}

func contains(haystack, needle tengo.Object) bool {
	switch h := haystack.(type) {
	case *tengo.String:
		n, ok := tengo.ToString(needle)
		return ok && strings.Contains(h.Value, n)
	case *tengo.Array:
		for _, item := range h.Value {
			if equalObjects(item, needle) {
				return true
			}
		}
	case *tengo.Map:
		k, ok := tengo.ToString(needle)
		if ok {
			_, found := h.Value[k]
			return found
		}
	}
	return false
}

// normalizeNumbers turns integral float64 values decoded from JSON into
// int64 so scripts can compare them with integer literals.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 {
			return int64(t)
		}
		return t
	case []any:
		for i := range t {
			t[i] = normalizeNumbers(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = normalizeNumbers(t[k])
		}
		return t
	}
	return v
}
