package item

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mferrors "github.com/c360/mapeflow/errors"
)

type speedReading struct {
	Car   string  `json:"car" msgpack:"car"`
	Speed float64 `json:"speed" msgpack:"speed"`
}

func testTypes(t *testing.T) *TypeRegistry {
	t.Helper()
	types := NewTypeRegistry()
	require.NoError(t, types.Register("highway.speed_reading", func() any { return &speedReading{} }))
	return types
}

func codecs(t *testing.T) []Codec {
	types := testTypes(t)
	return []Codec{JSONCodec{Types: types}, MsgpackCodec{Types: types}}
}

func TestCodec_MessageMetadataAndNumericKinds(t *testing.T) {
	ts := time.UnixMilli(1700000000123)

	for _, c := range codecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			for _, value := range []any{160, 160.0, true, "siren", nil} {
				in := NewMessage(value, WithSource("ambulance.policy"), WithDestination("ambulance.act"),
					WithHops(2), WithTimestamp(ts))

				data, err := c.Encode(Next(in))
				require.NoError(t, err)
				n, err := c.Decode(data)
				require.NoError(t, err)

				out, ok := n.Value.(*Message)
				require.True(t, ok)
				assert.Equal(t, KindNext, n.Kind)
				assert.Equal(t, value, out.Value, "value %#v must keep its Go type", value)
				assert.Equal(t, in.Src, out.Src)
				assert.Equal(t, in.Dst, out.Dst)
				assert.Equal(t, 2, out.Hops)
				assert.True(t, ts.Equal(out.Timestamp))
			}
		})
	}
}

func TestCodec_RegisteredTypes(t *testing.T) {
	for _, c := range codecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(Next(speedReading{Car: "car_1", Speed: 121.5}))
			require.NoError(t, err)
			n, err := c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, speedReading{Car: "car_1", Speed: 121.5}, n.Value)

			data, err = c.Encode(Next(&speedReading{Car: "car_2"}))
			require.NoError(t, err)
			n, err = c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, &speedReading{Car: "car_2"}, n.Value)
		})
	}
}

func TestCodec_MethodCall(t *testing.T) {
	for _, c := range codecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			in := NewMethodCall("cruise_control", []any{90, "eco"}, map[string]any{"hold": true},
				WithDestination("car_1.execute"))

			data, err := c.Encode(Next(in))
			require.NoError(t, err)
			n, err := c.Decode(data)
			require.NoError(t, err)

			out, ok := n.Value.(*MethodCall)
			require.True(t, ok)
			assert.Equal(t, "cruise_control", out.Name)
			assert.Equal(t, []any{90, "eco"}, out.Args)
			assert.Equal(t, map[string]any{"hold": true}, out.Kwargs)
			assert.Equal(t, "car_1.execute", out.Dst)
		})
	}
}

func TestCodec_TerminalSignals(t *testing.T) {
	for _, c := range codecs(t) {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(Error(errors.New("sensor offline")))
			require.NoError(t, err)
			n, err := c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, KindError, n.Kind)
			assert.EqualError(t, n.Err, "sensor offline")

			data, err = c.Encode(Completed())
			require.NoError(t, err)
			n, err = c.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, KindCompleted, n.Kind)
		})
	}
}

func TestJSONCodec_WireShape(t *testing.T) {
	data, err := JSONCodec{}.Encode(Next(5))
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":1,"kind":"value","value":{"type":"int","value":5}}`, string(data))
}

func TestCodec_Rejects(t *testing.T) {
	c := JSONCodec{}

	_, err := c.Decode([]byte(`{"v":2,"kind":"value"}`))
	assert.ErrorIs(t, err, mferrors.ErrInvalidData)

	_, err = c.Decode([]byte(`{"v":1,"kind":"value","value":{"type":"nope","value":1}}`))
	assert.ErrorIs(t, err, mferrors.ErrUnknownType)

	_, err = c.Decode([]byte(`{"v":1,"kind":"teleport"}`))
	assert.ErrorIs(t, err, mferrors.ErrUnsupportedKind)

	_, err = c.Decode([]byte(`not json`))
	assert.True(t, mferrors.IsInvalid(err))
}

func TestCodecSelection(t *testing.T) {
	c, err := CodecFor("application/msgpack")
	require.NoError(t, err)
	assert.Equal(t, "msgpack", c.Name())

	c, err = CodecFor("application/json; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = CodecFor("text/plain")
	assert.Error(t, err)

	c, err = CodecByName("MSGPACK")
	require.NoError(t, err)
	assert.Equal(t, ContentTypeMsgpack, c.ContentType())
}

func TestTypeRegistry_Validation(t *testing.T) {
	types := NewTypeRegistry()

	assert.Error(t, types.Register("int", func() any { return new(int) }))
	assert.Error(t, types.Register("value", func() any { return speedReading{} }))
	require.NoError(t, types.Register("reading", func() any { return &speedReading{} }))
	assert.Error(t, types.Register("reading", func() any { return &speedReading{} }))
}
