// Package file records streams to disk and plays recordings back.
//
// # Overview
//
// A Recorder is a stream.Observer that writes every signal it observes as one
// line of the JSON wire envelope, the same encoding the bridges use. Lines are
// buffered and flushed when the buffer fills, on a fixed interval and on Stop.
// Replay reads such a file and re-emits its signals into any observer, which
// makes it possible to capture a sensor feed once and run it through a loop
// again later.
//
// # Quick Start
//
// Record the output of an analyzer:
//
//	rec := file.NewRecorder("/var/lib/mapeflow/car_panda.avg.jsonl")
//	if err := rec.Start(ctx); err != nil {
//	    return err
//	}
//	defer rec.Stop(5 * time.Second)
//	avg.Tap(rec)
//
// Feed the recording into a monitor:
//
//	n, err := file.Replay(ctx, "/var/lib/mapeflow/car_panda.avg.jsonl", monitor,
//	    file.WithScheduler(app.Scheduler()),
//	    file.WithPacing(100*time.Millisecond))
//
// # Format
//
// Each line is a self-contained envelope:
//
//	{"v":1,"kind":"message","src":"car_panda.avg","value":{"type":"float","value":120}}
//
// Terminal signals are recorded too ("error" and "completed"). Replay forwards
// them unless WithoutTerminalSignals is given, and stops reading after one.
//
// # Thread Safety
//
// OnNext, OnError and OnCompleted may be called from any goroutine. Writes
// happen under a single file lock, so lines never interleave.
package file
