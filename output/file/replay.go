package file

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/stream"
)

// maxLine bounds one recorded envelope.
const maxLine = 4 << 20

// ReplayOption configures Replay.
type ReplayOption func(*replayConfig)

type replayConfig struct {
	scheduler stream.Scheduler
	pacing    time.Duration
	terminals bool
	logger    *slog.Logger
}

// WithScheduler delivers signals through s. By default they are delivered on
// the calling goroutine.
func WithScheduler(s stream.Scheduler) ReplayOption {
	return func(c *replayConfig) {
		if s != nil {
			c.scheduler = s
		}
	}
}

// WithPacing waits d between two signals.
func WithPacing(d time.Duration) ReplayOption {
	return func(c *replayConfig) { c.pacing = d }
}

// WithoutTerminalSignals skips recorded errors and completions instead of
// forwarding them.
func WithoutTerminalSignals() ReplayOption {
	return func(c *replayConfig) { c.terminals = false }
}

// WithReplayLogger sets the logger.
func WithReplayLogger(l *slog.Logger) ReplayOption {
	return func(c *replayConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// Replay reads the recording at path and delivers its signals to o in file
// order. Undecodable lines are skipped. It returns the number of signals
// delivered and stops early when ctx ends or after a forwarded terminal signal.
func Replay(ctx context.Context, path string, o stream.Observer[any], opts ...ReplayOption) (int, error) {
	cfg := replayConfig{
		scheduler: stream.ImmediateScheduler,
		terminals: true,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger.With("component", "file_replay", "path", path)

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return 0, errors.WrapInvalid(err, "file", "Replay", "open recording")
	}
	defer f.Close()

	var codec item.JSONCodec
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)

	delivered, line := 0, 0
	for scanner.Scan() {
		line++
		data := scanner.Bytes()
		if len(data) == 0 {
			continue
		}
		n, err := codec.Decode(data)
		if err != nil {
			logger.Warn("Skipping undecodable line", "line", line, "error", err)
			continue
		}
		if n.Kind != item.KindNext && !cfg.terminals {
			continue
		}

		if delivered > 0 && cfg.pacing > 0 {
			timer := time.NewTimer(cfg.pacing)
			select {
			case <-ctx.Done():
				timer.Stop()
				return delivered, ctx.Err()
			case <-timer.C:
			}
		} else if err := ctx.Err(); err != nil {
			return delivered, err
		}

		cfg.scheduler.Schedule(func() {
			switch n.Kind {
			case item.KindError:
				o.OnError(n.Err)
			case item.KindCompleted:
				o.OnCompleted()
			default:
				o.OnNext(n.Value)
			}
		})
		delivered++
		if n.Kind != item.KindNext {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return delivered, errors.WrapInvalid(err, "file", "Replay", "read recording")
	}

	logger.Debug("Replay finished", "delivered", delivered, "lines", line)
	return delivered, nil
}
