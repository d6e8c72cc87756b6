// Package structs provides reflection helpers over records mixing structs
// and maps, used for dotted-path field lookup.
package structs

import (
	"reflect"
	"strings"

	"github.com/oleiade/reflections"
)

// GetField returns the value of the provided obj field. obj can whether be a structure or pointer to structure.
func GetField(obj any, name string) (any, bool) {
	v, err := reflections.GetField(obj, name)
	if err != nil {
		return nil, false
	}
	return v, true
}

// GetFieldPath walks a dotted path (e.g. "user.name" or "limits.maxDiscount")
// through nested structs, pointers and string-keyed maps. Struct fields are
// matched by their JSON tag first, then by name.
func GetFieldPath(obj any, path string) (any, bool) {
	current := obj
	for _, segment := range strings.Split(path, ".") {
		if current == nil {
			return nil, false
		}

		value := reflect.ValueOf(current)
		for value.Kind() == reflect.Ptr {
			if value.IsNil() {
				return nil, false
			}
			value = value.Elem()
		}

		switch value.Kind() {
		case reflect.Map:
			if value.Type().Key().Kind() != reflect.String {
				return nil, false
			}
			entry := value.MapIndex(reflect.ValueOf(segment))
			if !entry.IsValid() {
				return nil, false
			}
			current = entry.Interface()
		case reflect.Struct:
			name, ok := fieldByTag(value.Type(), segment)
			if !ok {
				return nil, false
			}
			field, ok := GetField(value.Interface(), name)
			if !ok {
				return nil, false
			}
			current = field
		default:
			return nil, false
		}
	}
	return current, true
}

func fieldByTag(t reflect.Type, segment string) (string, bool) {
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("json"), ",")[0]
		if tag == segment {
			return field.Name, true
		}
	}
	if _, ok := t.FieldByName(segment); ok {
		return segment, true
	}
	return "", false
}
