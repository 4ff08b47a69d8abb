package config

import (
	"reflect"
)

// DeepMerge copies every non-zero value of src into dst. Both must be
// pointers to the same type. Structs recurse field by field, maps merge key
// by key, and a non-empty slice replaces the destination slice. A zero value
// in src never clears dst, so a false bool cannot switch an option off.
func DeepMerge(dst, src any) {
	dstVal := reflect.ValueOf(dst)
	srcVal := reflect.ValueOf(src)

	if dstVal.Kind() != reflect.Ptr || srcVal.Kind() != reflect.Ptr {
		return
	}
	if dstVal.IsNil() || srcVal.IsNil() || dstVal.Type() != srcVal.Type() {
		return
	}

	mergeValues(dstVal.Elem(), srcVal.Elem())
}

func mergeValues(dst, src reflect.Value) {
	if !dst.CanSet() || !src.IsValid() {
		return
	}

	switch dst.Kind() {
	case reflect.Struct:
		for i := 0; i < dst.NumField(); i++ {
			mergeValues(dst.Field(i), src.Field(i))
		}
	case reflect.Map:
		mergeMap(dst, src)
	case reflect.Slice:
		if src.Len() > 0 {
			dst.Set(src)
		}
	default:
		if !isZeroValue(src) {
			dst.Set(src)
		}
	}
}

// mergeMap writes into a fresh map so a dst map shared with another Config
// is never mutated.
func mergeMap(dst, src reflect.Value) {
	if src.IsNil() || src.Len() == 0 {
		return
	}

	merged := reflect.MakeMapWithSize(dst.Type(), dst.Len()+src.Len())
	if !dst.IsNil() {
		iter := dst.MapRange()
		for iter.Next() {
			merged.SetMapIndex(iter.Key(), iter.Value())
		}
	}

	iter := src.MapRange()
	for iter.Next() {
		key, srcVal := iter.Key(), iter.Value()
		existing := merged.MapIndex(key)
		if existing.IsValid() && (srcVal.Kind() == reflect.Map || srcVal.Kind() == reflect.Struct) {
			elem := reflect.New(existing.Type()).Elem()
			elem.Set(existing)
			mergeValues(elem, srcVal)
			merged.SetMapIndex(key, elem)
			continue
		}
		merged.SetMapIndex(key, srcVal)
	}
	dst.Set(merged)
}

func isZeroValue(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.String:
		return v.String() == ""
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	case reflect.Float32, reflect.Float64:
		return v.Float() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Ptr, reflect.Interface:
		return v.IsNil()
	default:
		return v.IsZero()
	}
}
