package http

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/pkg/buffer"
	"github.com/c360/mapeflow/stream"
)

const (
	tapQueueSize    = 256
	tapWriteTimeout = 10 * time.Second
	tapPingPeriod   = 30 * time.Second
	tapPongWait     = 60 * time.Second
)

type tapFrame struct {
	data     []byte
	terminal bool
}

// handleStream upgrades to a websocket and forwards every signal of the
// element's output port as a JSON-encoded frame. Tapping does not start the
// element. A slow client loses its oldest frames.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	e, err := s.element(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "element", e.Path(), "error", err)
		return
	}
	logger := s.logger.With("element", e.Path(), "remote", r.RemoteAddr)

	queue := buffer.New(tapQueueSize,
		buffer.WithPolicy[tapFrame](buffer.DropOldest),
		buffer.WithMetrics[tapFrame](s.metrics, "ws:"+e.Path()))
	codec := item.JSONCodec{}
	push := func(n item.Notification) {
		data, err := codec.Encode(n)
		if err != nil {
			logger.Warn("Cannot encode tapped value", "error", err)
			return
		}
		_ = queue.Push(context.Background(), tapFrame{data: data, terminal: n.Kind != item.KindNext})
	}
	sub := e.Tap(stream.ObserverFuncs[any]{
		Next:      func(v any) { push(item.Next(v)) },
		Error:     func(err error) { push(item.Error(err)) },
		Completed: func() { push(item.Completed()) },
	})

	s.openTaps.Add(1)

	ctx, cancel := context.WithCancel(context.Background())
	s.taps.Add(2)
	go func() {
		defer s.taps.Done()
		s.readTap(ctx, conn)
		cancel()
	}()
	go func() {
		defer s.taps.Done()
		defer s.openTaps.Add(-1)
		defer conn.Close()
		defer sub.Unsubscribe()
		defer queue.Close()
		s.writeTap(ctx, cancel, conn, queue)
	}()
	logger.Info("Websocket tap opened")
}

// readTap consumes client frames so close and pong control messages are
// processed; it returns when the connection fails.
func (s *Server) readTap(ctx context.Context, conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(tapPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(tapPongWait))
	})
	for ctx.Err() == nil {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writeTap(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn,
	queue *buffer.Queue[tapFrame]) {
	defer cancel()

	frames := make(chan tapFrame)
	go func() {
		defer close(frames)
		for {
			f, err := queue.Pop(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- f:
			case <-ctx.Done():
				return
			}
		}
	}()

	ping := time.NewTicker(tapPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown"),
				time.Now().Add(time.Second))
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(tapWriteTimeout)); err != nil {
				return
			}
		case f, ok := <-frames:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(tapWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
				return
			}
			if f.terminal {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"),
					time.Now().Add(time.Second))
				return
			}
		}
	}
}
