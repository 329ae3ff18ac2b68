package cache

import (
	"reflect"
	"unicode/utf8"
)

// variant is the closed set of value shapes the size estimator knows about.
type variant int

const (
	variantNone variant = iota
	variantBool
	variantScalar
	variantString
	variantBytes
	variantSequence
	variantMapping
	variantStruct
	variantPointer
)

const (
	boolSize   = 4
	scalarSize = 8
	charSize   = 2
)

func variantOf(v reflect.Value) variant {
	switch v.Kind() {
	case reflect.Bool:
		return variantBool
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128:
		return variantScalar
	case reflect.String:
		return variantString
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return variantBytes
		}
		return variantSequence
	case reflect.Map:
		return variantMapping
	case reflect.Struct:
		return variantStruct
	case reflect.Pointer, reflect.Interface:
		return variantPointer
	default:
		return variantNone
	}
}

// sizer walks a value and sums an approximate byte cost per variant.
type sizer struct {
	seen map[uintptr]bool
}

// EstimateSize returns the approximate in-memory cost of value in bytes.
func EstimateSize(value any) int64 {
	s := &sizer{seen: make(map[uintptr]bool)}
	return s.visit(reflect.ValueOf(value))
}

func (s *sizer) visit(v reflect.Value) int64 {
	if !v.IsValid() {
		return 0
	}
	switch variantOf(v) {
	case variantBool:
		return boolSize
	case variantScalar:
		return scalarSize
	case variantString:
		return stringSize(v.String())
	case variantBytes:
		return int64(v.Len())
	case variantSequence:
		var n int64
		for i := 0; i < v.Len(); i++ {
			n += s.visit(v.Index(i))
		}
		return n
	case variantMapping:
		var n int64
		iter := v.MapRange()
		for iter.Next() {
			n += s.visit(iter.Key()) + s.visit(iter.Value())
		}
		return n
	case variantStruct:
		var n int64
		t := v.Type()
		for i := 0; i < v.NumField(); i++ {
			if !t.Field(i).IsExported() {
				continue
			}
			n += stringSize(t.Field(i).Name) + s.visit(v.Field(i))
		}
		return n
	case variantPointer:
		if v.IsNil() {
			return 0
		}
		if v.Kind() == reflect.Pointer {
			if s.seen[v.Pointer()] {
				return 0
			}
			s.seen[v.Pointer()] = true
		}
		return s.visit(v.Elem())
	default:
		return 0
	}
}

func stringSize(str string) int64 {
	return int64(utf8.RuneCountInString(str)) * charSize
}
