package item

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeElement struct{ path string }

func (f fakeElement) Path() string { return f.path }

func TestNewMessage_ResolvesReferences(t *testing.T) {
	m := NewMessage(42,
		WithSource(fakeElement{"ambulance.detect"}),
		WithDestination("ambulance.policy"))

	assert.Equal(t, "ambulance.detect", m.Src)
	assert.Equal(t, "ambulance.policy", m.Dst)
	assert.Equal(t, 0, m.Hops)
	assert.WithinDuration(t, time.Now(), m.Timestamp, time.Second)
}

func TestMessage_HopCopies(t *testing.T) {
	m := NewMessage("x")
	h1 := m.Hop()
	h2 := h1.Hop()

	assert.Equal(t, 0, m.Hops, "original must not change")
	assert.Equal(t, 1, h1.Hops)
	assert.Equal(t, 2, h2.Hops)
	assert.Equal(t, m.Timestamp, h2.Timestamp)
}

func TestHelpers(t *testing.T) {
	m := NewMessage(3.5, WithSource("a.b"), WithDestination("c.d"))
	call := NewMethodCall("cruise_control", []any{90}, nil, WithDestination("car.execute"))

	assert.Equal(t, 3.5, ValueOf(m))
	assert.Equal(t, 7, ValueOf(7))
	assert.Equal(t, "a.b", SourceOf(m))
	assert.Equal(t, "", SourceOf(7))
	assert.Equal(t, "car.execute", DestinationOf(call))
	assert.True(t, IsMethodCall(call))
	assert.False(t, IsMethodCall(m))
	assert.NotNil(t, call.Kwargs)
}

func TestMean_KeepsFirstMetadata(t *testing.T) {
	first := NewMessage(80, WithSource("car_1.speed"))
	second := NewMessage(100, WithSource("car_1.speed"))

	got := Mean([]any{first, second})

	m, ok := got.(*Message)
	require.True(t, ok)
	assert.Equal(t, 90.0, m.Value)
	assert.Equal(t, "car_1.speed", m.Src)
	assert.Equal(t, first.Timestamp, m.Timestamp)
	assert.Equal(t, 80, first.Value, "batch items must not be modified")
}

func TestMean_RawValues(t *testing.T) {
	assert.Equal(t, 2.0, Mean([]any{1, 2, 3}))
	assert.Equal(t, "a", Mean([]any{"a", "b"}))
	assert.Nil(t, Mean(nil))
}

func TestParseNotificationKind(t *testing.T) {
	k, err := ParseNotificationKind("completed")
	require.NoError(t, err)
	assert.Equal(t, KindCompleted, k)

	k, err = ParseNotificationKind("")
	require.NoError(t, err)
	assert.Equal(t, KindNext, k)

	_, err = ParseNotificationKind("bogus")
	assert.Error(t, err)
}
