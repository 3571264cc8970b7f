package knowledge

import (
	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/mapeflow/errors"
)

// Codec converts collection values to store bytes.
type Codec[T any] interface {
	Encode(v T) (string, error)
	Decode(s string) (T, error)
}

// MsgpackCodec stores values as msgpack.
type MsgpackCodec[T any] struct{}

// Encode implements Codec.
func (MsgpackCodec[T]) Encode(v T) (string, error) {
	b, err := msgpack.Marshal(v)
	if err != nil {
		return "", errors.WrapInvalid(err, "MsgpackCodec", "Encode", "marshal value")
	}
	return string(b), nil
}

// Decode implements Codec.
func (MsgpackCodec[T]) Decode(s string) (T, error) {
	var v T
	if err := msgpack.Unmarshal([]byte(s), &v); err != nil {
		return v, errors.WrapInvalid(err, "MsgpackCodec", "Decode", "unmarshal value")
	}
	return v, nil
}

// StringCodec stores strings verbatim so members stay readable in the store.
type StringCodec struct{}

// Encode implements Codec.
func (StringCodec) Encode(v string) (string, error) { return v, nil }

// Decode implements Codec.
func (StringCodec) Decode(s string) (string, error) { return s, nil }

// DefaultCodec returns StringCodec for strings and MsgpackCodec otherwise.
func DefaultCodec[T any]() Codec[T] {
	var zero T
	if _, ok := any(zero).(string); ok {
		if c, ok := any(StringCodec{}).(Codec[T]); ok {
			return c
		}
	}
	return MsgpackCodec[T]{}
}
