package item

import (
	"encoding/json"
	"fmt"
	"mime"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/pkg/timestamp"
)

// WireVersion is the envelope version written by every codec.
const WireVersion = 1

// Envelope kinds.
const (
	kindMessage    = "message"
	kindMethodCall = "method_call"
	kindValue      = "value"
	kindError      = "error"
	kindCompleted  = "completed"
)

// Codec serializes notifications for the pub/sub and HTTP bridges.
type Codec interface {
	Name() string
	ContentType() string
	Encode(n Notification) ([]byte, error)
	Decode(data []byte) (Notification, error)
}

// Content types understood by CodecFor.
const (
	ContentTypeJSON    = "application/json"
	ContentTypeMsgpack = "application/msgpack"
)

// CodecFor selects a codec by HTTP content type. An empty type means JSON.
func CodecFor(contentType string) (Codec, error) {
	if contentType == "" {
		return JSONCodec{}, nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, errors.WrapInvalid(err, "item", "CodecFor", "parse content type")
	}
	switch mediaType {
	case ContentTypeJSON, "text/json":
		return JSONCodec{}, nil
	case ContentTypeMsgpack, "application/x-msgpack", "application/vnd.msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("unsupported content type %q", mediaType),
		"item", "CodecFor", "select codec")
}

// CodecByName selects a codec by configuration name ("json" or "msgpack").
func CodecByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "msgpack":
		return MsgpackCodec{}, nil
	}
	return nil, errors.WrapInvalid(fmt.Errorf("unknown codec %q", name), "item", "CodecByName", "select codec")
}

type tagged[R any] struct {
	Type  string `json:"type" msgpack:"type"`
	Value R      `json:"value,omitempty" msgpack:"value,omitempty"`
}

type envelope[R any] struct {
	V      int                  `json:"v" msgpack:"v"`
	Kind   string               `json:"kind" msgpack:"kind"`
	Src    string               `json:"src,omitempty" msgpack:"src,omitempty"`
	Dst    string               `json:"dst,omitempty" msgpack:"dst,omitempty"`
	Hops   int                  `json:"hops,omitempty" msgpack:"hops,omitempty"`
	TS     int64                `json:"ts,omitempty" msgpack:"ts,omitempty"`
	Value  *tagged[R]           `json:"value,omitempty" msgpack:"value,omitempty"`
	Name   string               `json:"name,omitempty" msgpack:"name,omitempty"`
	Args   []tagged[R]          `json:"args,omitempty" msgpack:"args,omitempty"`
	Kwargs map[string]tagged[R] `json:"kwargs,omitempty" msgpack:"kwargs,omitempty"`
	Error  string               `json:"error,omitempty" msgpack:"error,omitempty"`
}

func (e *envelope[R]) setMeta(it *Item) {
	e.Src = it.Src
	e.Dst = it.Dst
	e.Hops = it.Hops
	e.TS = timestamp.ToUnixMs(it.Timestamp)
}

func (e *envelope[R]) meta() Item {
	return Item{Src: e.Src, Dst: e.Dst, Hops: e.Hops, Timestamp: timestamp.FromUnixMs(e.TS)}
}

func tag(types *TypeRegistry, v any) tagged[any] {
	return tagged[any]{Type: types.tagOf(v), Value: v}
}

func toEnvelope(types *TypeRegistry, n Notification) (envelope[any], error) {
	env := envelope[any]{V: WireVersion}

	switch n.Kind {
	case KindError:
		env.Kind = kindError
		if n.Err != nil {
			env.Error = n.Err.Error()
		}
		return env, nil
	case KindCompleted:
		env.Kind = kindCompleted
		return env, nil
	case KindNext:
	default:
		return env, errors.WrapInvalid(fmt.Errorf("%w: %d", errors.ErrUnsupportedKind, n.Kind),
			"Codec", "Encode", "build envelope")
	}

	switch v := n.Value.(type) {
	case *Message:
		env.Kind = kindMessage
		env.setMeta(&v.Item)
		t := tag(types, v.Value)
		env.Value = &t
	case *MethodCall:
		env.Kind = kindMethodCall
		env.setMeta(&v.Item)
		env.Name = v.Name
		for _, a := range v.Args {
			env.Args = append(env.Args, tag(types, a))
		}
		if len(v.Kwargs) > 0 {
			env.Kwargs = make(map[string]tagged[any], len(v.Kwargs))
			for k, a := range v.Kwargs {
				env.Kwargs[k] = tag(types, a)
			}
		}
	default:
		env.Kind = kindValue
		t := tag(types, v)
		env.Value = &t
	}
	return env, nil
}

func fromEnvelope[R any](types *TypeRegistry, env envelope[R], unmarshal func(R, any) error) (Notification, error) {
	if env.V != WireVersion {
		return Notification{}, errors.WrapInvalid(fmt.Errorf("%w: wire version %d", errors.ErrInvalidData, env.V),
			"Codec", "Decode", "check version")
	}

	decode := func(t *tagged[R]) (any, error) {
		if t == nil {
			return nil, nil
		}
		target, finish, err := types.target(t.Type)
		if err != nil || target == nil {
			return nil, err
		}
		if err := unmarshal(t.Value, target); err != nil {
			return nil, errors.WrapInvalid(err, "Codec", "Decode", "decode "+t.Type+" value")
		}
		return finish(target), nil
	}

	switch env.Kind {
	case kindError:
		return Error(&RemoteError{Message: env.Error}), nil
	case kindCompleted:
		return Completed(), nil
	case kindValue:
		v, err := decode(env.Value)
		if err != nil {
			return Notification{}, err
		}
		return Next(v), nil
	case kindMessage:
		v, err := decode(env.Value)
		if err != nil {
			return Notification{}, err
		}
		return Next(&Message{Item: env.meta(), Value: v}), nil
	case kindMethodCall:
		call := &MethodCall{Item: env.meta(), Name: env.Name, Kwargs: make(map[string]any, len(env.Kwargs))}
		for i := range env.Args {
			a, err := decode(&env.Args[i])
			if err != nil {
				return Notification{}, err
			}
			call.Args = append(call.Args, a)
		}
		for k, t := range env.Kwargs {
			a, err := decode(&t)
			if err != nil {
				return Notification{}, err
			}
			call.Kwargs[k] = a
		}
		return Next(call), nil
	}

	return Notification{}, errors.WrapInvalid(fmt.Errorf("%w: %q", errors.ErrUnsupportedKind, env.Kind),
		"Codec", "Decode", "dispatch kind")
}

// JSONCodec is the default wire codec. Nested numbers inside list, map and
// unregistered values decode as float64.
type JSONCodec struct {
	Types *TypeRegistry
}

func (c JSONCodec) types() *TypeRegistry {
	if c.Types == nil {
		return DefaultTypes
	}
	return c.Types
}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// ContentType implements Codec.
func (JSONCodec) ContentType() string { return ContentTypeJSON }

// Encode implements Codec.
func (c JSONCodec) Encode(n Notification) ([]byte, error) {
	env, err := toEnvelope(c.types(), n)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSONCodec", "Encode", "marshal envelope")
	}
	return data, nil
}

// Decode implements Codec.
func (c JSONCodec) Decode(data []byte) (Notification, error) {
	var env envelope[json.RawMessage]
	if err := json.Unmarshal(data, &env); err != nil {
		return Notification{}, errors.WrapInvalid(err, "JSONCodec", "Decode", "unmarshal envelope")
	}
	return fromEnvelope(c.types(), env, func(raw json.RawMessage, target any) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, target)
	})
}

// MsgpackCodec is the binary wire codec. It keeps integer and float kinds
// apart inside nested values too.
type MsgpackCodec struct {
	Types *TypeRegistry
}

func (c MsgpackCodec) types() *TypeRegistry {
	if c.Types == nil {
		return DefaultTypes
	}
	return c.Types
}

// Name implements Codec.
func (MsgpackCodec) Name() string { return "msgpack" }

// ContentType implements Codec.
func (MsgpackCodec) ContentType() string { return ContentTypeMsgpack }

// Encode implements Codec.
func (c MsgpackCodec) Encode(n Notification) ([]byte, error) {
	env, err := toEnvelope(c.types(), n)
	if err != nil {
		return nil, err
	}
	data, err := msgpack.Marshal(env)
	if err != nil {
		return nil, errors.WrapInvalid(err, "MsgpackCodec", "Encode", "marshal envelope")
	}
	return data, nil
}

// Decode implements Codec.
func (c MsgpackCodec) Decode(data []byte) (Notification, error) {
	var env envelope[msgpack.RawMessage]
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Notification{}, errors.WrapInvalid(err, "MsgpackCodec", "Decode", "unmarshal envelope")
	}
	return fromEnvelope(c.types(), env, func(raw msgpack.RawMessage, target any) error {
		if len(raw) == 0 {
			return nil
		}
		return msgpack.Unmarshal(raw, target)
	})
}
