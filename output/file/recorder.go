package file

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/mapeflow/errors"
	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/metric"
)

// Defaults.
const (
	DefaultBufferSize    = 100
	DefaultFlushInterval = time.Second
)

// Option configures a Recorder.
type Option func(*Recorder)

// WithBufferSize sets how many lines are buffered before a flush.
func WithBufferSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.bufferSize = n
		}
	}
}

// WithFlushInterval sets the periodic flush.
func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// WithTruncate starts a new recording instead of appending to an existing one.
func WithTruncate() Option {
	return func(r *Recorder) { r.append = false }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Recorder) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics counts recorded lines as bridge "file" messages.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Recorder) { r.metrics = m }
}

// Stats are the recorder counters.
type Stats struct {
	Written int64
	Bytes   int64
	Errors  int64
}

// Recorder appends observed signals to a file.
type Recorder struct {
	path          string
	codec         item.JSONCodec
	bufferSize    int
	flushInterval time.Duration
	append        bool
	logger        *slog.Logger
	metrics       *metric.Metrics
	dropLog       *rate.Limiter

	file   *os.File
	fileMu sync.Mutex

	buffer   [][]byte
	bufferMu sync.Mutex

	lifecycleMu sync.Mutex
	running     atomic.Bool
	shutdown    chan struct{}
	wg          sync.WaitGroup

	written atomic.Int64
	bytes   atomic.Int64
	errors  atomic.Int64
}

// NewRecorder creates a recorder writing to path.
func NewRecorder(path string, opts ...Option) *Recorder {
	r := &Recorder{
		path:          path,
		bufferSize:    DefaultBufferSize,
		flushInterval: DefaultFlushInterval,
		append:        true,
		logger:        slog.Default(),
		dropLog:       rate.NewLimiter(rate.Every(time.Second), 1),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("component", "file_recorder", "path", path)
	r.buffer = make([][]byte, 0, r.bufferSize)
	return r
}

// Path returns the recording file.
func (r *Recorder) Path() string { return r.path }

// Start creates the directory, opens the file and starts the flush loop.
func (r *Recorder) Start(_ context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if r.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Recorder", "Start", "check running state")
	}
	if r.path == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Recorder", "Start", "path is required")
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return errors.WrapFatal(err, "Recorder", "Start", "create output directory")
	}
	flags := os.O_CREATE | os.O_WRONLY
	if r.append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(filepath.Clean(r.path), flags, 0o644)
	if err != nil {
		return errors.WrapFatal(err, "Recorder", "Start", "open output file")
	}

	r.fileMu.Lock()
	r.file = f
	r.fileMu.Unlock()

	r.shutdown = make(chan struct{})
	r.wg.Add(1)
	go r.flushLoop(r.shutdown)
	r.running.Store(true)

	r.logger.Info("File recorder started", "append", r.append, "buffer_size", r.bufferSize)
	return nil
}

// Stop flushes the buffer and closes the file.
func (r *Recorder) Stop(timeout time.Duration) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()

	if !r.running.Load() {
		return nil
	}
	r.running.Store(false)
	close(r.shutdown)

	waitCh := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("shutdown timeout after %v", timeout), "Recorder", "Stop", "shutdown")
	}

	r.flush()

	r.fileMu.Lock()
	defer r.fileMu.Unlock()
	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		if err != nil {
			return errors.WrapTransient(err, "Recorder", "Stop", "close output file")
		}
	}
	return nil
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() Stats {
	return Stats{Written: r.written.Load(), Bytes: r.bytes.Load(), Errors: r.errors.Load()}
}

// OnNext implements stream.Observer.
func (r *Recorder) OnNext(v any) { r.record(item.Next(v)) }

// OnError implements stream.Observer.
func (r *Recorder) OnError(err error) { r.record(item.Error(err)) }

// OnCompleted implements stream.Observer. The recording stays open: several
// streams may share one recorder.
func (r *Recorder) OnCompleted() { r.record(item.Completed()) }

func (r *Recorder) record(n item.Notification) {
	if !r.running.Load() {
		r.errors.Add(1)
		r.metrics.RecordBridge("file", "out", "dropped")
		if r.dropLog.Allow() {
			r.logger.Warn("Recorder not running, signal dropped", "kind", n.Kind.String())
		}
		return
	}
	line, err := r.codec.Encode(n)
	if err != nil {
		r.errors.Add(1)
		r.metrics.RecordBridge("file", "out", "error")
		r.logger.Error("Cannot encode notification", "kind", n.Kind.String(), "error", err)
		return
	}

	r.bufferMu.Lock()
	r.buffer = append(r.buffer, append(line, '\n'))
	full := len(r.buffer) >= r.bufferSize
	r.bufferMu.Unlock()

	if full {
		r.flush()
	}
}

func (r *Recorder) flushLoop(shutdown <-chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			r.flush()
		}
	}
}

// flush writes the buffered lines.
func (r *Recorder) flush() {
	r.bufferMu.Lock()
	if len(r.buffer) == 0 {
		r.bufferMu.Unlock()
		return
	}
	lines := r.buffer
	r.buffer = make([][]byte, 0, r.bufferSize)
	r.bufferMu.Unlock()

	r.fileMu.Lock()
	defer r.fileMu.Unlock()

	if r.file == nil {
		r.errors.Add(int64(len(lines)))
		r.logger.Error("File handle is nil during flush", "lines_lost", len(lines))
		return
	}
	for i, line := range lines {
		n, err := r.file.Write(line)
		if err != nil {
			lost := len(lines) - i
			r.errors.Add(int64(lost))
			r.metrics.RecordBridge("file", "out", "error")
			r.logger.Error("Failed to write recording", "error", err, "lines_lost", lost)
			return
		}
		r.written.Add(1)
		r.bytes.Add(int64(n))
		r.metrics.RecordBridge("file", "out", "ok")
	}
}
