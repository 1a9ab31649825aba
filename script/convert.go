package script

import (
	"time"

	"github.com/risor-io/risor/object"
)

// ToGo converts a Risor object to a plain Go value. The mapping is identity
// for JSON-compatible shapes: strings, bools, numbers, lists, and maps with
// string keys. Anything else falls back to its string representation.
func ToGo(obj object.Object) any {
	switch o := obj.(type) {
	case *object.String:
		return o.Value()
	case *object.Int:
		return o.Value()
	case *object.Float:
		return o.Value()
	case *object.Bool:
		return o.Value()
	case *object.Time:
		return o.Value()
	case *object.NilType:
		return nil
	case *object.List:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Set:
		result := make([]any, 0, len(o.Value()))
		for _, item := range o.Value() {
			result = append(result, ToGo(item))
		}
		return result
	case *object.Map:
		result := make(map[string]any, len(o.Value()))
		for key, value := range o.Value() {
			result[key] = ToGo(value)
		}
		return result
	default:
		return obj.Inspect()
	}
}

// FromGo converts a plain Go value to a Risor object. Nil maps to the Risor
// nil singleton rather than a typed nil.
func FromGo(value any) object.Object {
	switch v := value.(type) {
	case nil:
		return object.Nil
	case object.Object:
		return v
	case bool:
		return object.NewBool(v)
	case string:
		return object.NewString(v)
	case int:
		return object.NewInt(int64(v))
	case int32:
		return object.NewInt(int64(v))
	case int64:
		return object.NewInt(v)
	case float32:
		return object.NewFloat(float64(v))
	case float64:
		return object.NewFloat(v)
	case time.Time:
		return object.NewTime(v)
	case []any:
		items := make([]object.Object, 0, len(v))
		for _, item := range v {
			items = append(items, FromGo(item))
		}
		return object.NewList(items)
	case []string:
		items := make([]object.Object, 0, len(v))
		for _, item := range v {
			items = append(items, object.NewString(item))
		}
		return object.NewList(items)
	case map[string]any:
		entries := make(map[string]object.Object, len(v))
		for key, item := range v {
			entries[key] = FromGo(item)
		}
		return object.NewMap(entries)
	default:
		return object.FromGoType(value)
	}
}
