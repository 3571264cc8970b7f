package health

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Aggregate("sys", tt.subs)
			assert.Equal(t, tt.want, got.Status)
			assert.Equal(t, tt.want == StateHealthy, got.Healthy)
			assert.Len(t, got.SubStatuses, len(tt.subs))
		})
	}
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"dial redis://user:pw@10.0.0.3:6379/0 refused", "dial [URL] refused"},
		{"connect 192.168.1.10 failed", "connect [IP] failed"},
		{"open /etc/mapeflow/config.yaml", "open [PATH]"},
		{"auth failed token=abc123", "auth failed [REDACTED]"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Sanitize(tt.in))
	}
}

func TestFromError(t *testing.T) {
	assert.True(t, FromError("store", nil).IsHealthy())

	s := FromError("store", errors.New("dial tcp 127.0.0.1:6379: refused"))
	assert.True(t, s.IsUnhealthy())
	assert.NotContains(t, s.Message, "127.0.0.1")
}

func TestMonitor_Check(t *testing.T) {
	m := NewMonitor()
	m.Register("store", func(context.Context) Status { return NewHealthy("", "pong") })
	m.Register("transport", func(context.Context) Status { return NewDegraded("", "reconnecting") })
	m.Update("eventloop", NewHealthy("", "running"))

	s := m.Check(context.Background())
	assert.Equal(t, StateDegraded, s.Status)
	require.Len(t, s.SubStatuses, 3)
	assert.Equal(t, []string{"eventloop", "store", "transport"}, m.Names())

	got, ok := m.Get("store")
	require.True(t, ok)
	assert.Equal(t, "store", got.Component)
	assert.Equal(t, "pong", got.Message)

	m.Remove("transport")
	assert.True(t, m.Check(context.Background()).IsHealthy())
}

func TestMonitor_CheckSeesDeadline(t *testing.T) {
	m := NewMonitor()
	m.Register("slow", func(ctx context.Context) Status {
		<-ctx.Done()
		return NewUnhealthy("", "timed out")
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.True(t, m.Check(ctx).IsUnhealthy())
}
