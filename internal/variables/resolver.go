// Package variables substitutes {{name}} tokens in request definitions.
package variables

import (
	"reflect"
	"regexp"
	"strings"

	"github.com/vedsharma/apicli/internal/model"
)

var tokenPattern = regexp.MustCompile(`\{\{([^{}]+)\}\}`)

// ResolveString replaces every {{name}} in s with env[name]. Unknown names are
// left as they are.
func ResolveString(s string, env model.Environment) string {
	if len(env) == 0 || !strings.Contains(s, "{{") {
		return s
	}
	return tokenPattern.ReplaceAllStringFunc(s, func(tok string) string {
		name := strings.TrimSpace(tok[2 : len(tok)-2])
		if v, ok := env[name]; ok {
			return v
		}
		return tok
	})
}

// Resolve walks a value and returns a deep copy with every string resolved
// against env. Slices, arrays, maps and interfaces of any type are copied;
// pointers, structs and scalars are returned as they are.
func Resolve(value any, env model.Environment) any {
	switch v := value.(type) {
	case string:
		return ResolveString(v, env)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = Resolve(item, env)
		}
		return out
	case []string:
		out := make([]string, len(v))
		for i, item := range v {
			out[i] = ResolveString(item, env)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = Resolve(item, env)
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(v))
		for k, item := range v {
			out[k] = ResolveString(item, env)
		}
		return out
	default:
		if value == nil {
			return nil
		}
		return resolveValue(reflect.ValueOf(value), env).Interface()
	}
}

func resolveValue(v reflect.Value, env model.Environment) reflect.Value {
	switch v.Kind() {
	case reflect.String:
		return reflect.ValueOf(ResolveString(v.String(), env)).Convert(v.Type())
	case reflect.Interface:
		if v.IsNil() {
			return v
		}
		out := reflect.New(v.Type()).Elem()
		out.Set(resolveValue(v.Elem(), env))
		return out
	case reflect.Slice:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
		for i := range v.Len() {
			out.Index(i).Set(resolveValue(v.Index(i), env))
		}
		return out
	case reflect.Array:
		out := reflect.New(v.Type()).Elem()
		for i := range v.Len() {
			out.Index(i).Set(resolveValue(v.Index(i), env))
		}
		return out
	case reflect.Map:
		if v.IsNil() {
			return v
		}
		out := reflect.MakeMapWithSize(v.Type(), v.Len())
		iter := v.MapRange()
		for iter.Next() {
			out.SetMapIndex(iter.Key(), resolveValue(iter.Value(), env))
		}
		return out
	default:
		return v
	}
}

// ResolveRequest returns a resolved deep copy of req. Names, scripts and ids
// are not templated.
func ResolveRequest(req model.Request, env model.Environment) model.Request {
	out := req.Clone()
	out.URL = ResolveString(req.URL, env)
	resolveKV(out.Headers, env)
	resolveKV(out.Params, env)
	resolveKV(out.Body.Form, env)
	out.Body.Raw = ResolveString(req.Body.Raw, env)
	out.Body.ContentType = ResolveString(req.Body.ContentType, env)
	return out
}

func resolveKV(list []model.KeyValue, env model.Environment) {
	for i := range list {
		list[i].Key = ResolveString(list[i].Key, env)
		list[i].Value = ResolveString(list[i].Value, env)
	}
}
