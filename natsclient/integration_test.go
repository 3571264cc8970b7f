//go:build integration

package natsclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribe(t *testing.T) {
	tc := NewTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Msg, 1)
	_, err := tc.Client.Subscribe(ctx, "mapeflow.car_*.safety", func(m Msg) { got <- m })
	require.NoError(t, err)

	require.NoError(t, tc.Client.Publish(ctx, "mapeflow.car_1.safety", []byte("brake")))
	select {
	case m := <-got:
		assert.Equal(t, "mapeflow.car_1.safety", m.Subject)
		assert.Equal(t, []byte("brake"), m.Data)
	case <-time.After(5 * time.Second):
		t.Fatal("message not received")
	}

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Greater(t, rtt, time.Duration(0))
	assert.Equal(t, StatusConnected, tc.Client.GetStatus().Status)
}
