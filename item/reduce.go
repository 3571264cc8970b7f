package item

import (
	"reflect"
)

// Mean averages the numeric values of a batch. When the first item is a
// Message the result is a copy of it carrying the mean, so the source and
// timestamp of the batch's first item are kept. Non-numeric values are skipped;
// a batch without numbers yields its first item unchanged.
func Mean(batch []any) any {
	if len(batch) == 0 {
		return nil
	}

	var sum float64
	var n int
	for _, v := range batch {
		if f, ok := ToFloat(ValueOf(v)); ok {
			sum += f
			n++
		}
	}
	if n == 0 {
		return batch[0]
	}

	mean := sum / float64(n)
	if m, ok := batch[0].(*Message); ok {
		return m.WithValue(mean)
	}
	return mean
}

// ToFloat converts any Go numeric kind to float64.
func ToFloat(v any) (float64, bool) {
	if v == nil {
		return 0, false
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.Bool:
		if rv.Bool() {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}
