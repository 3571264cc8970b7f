package mape

import (
	"time"

	"github.com/c360/mapeflow/item"
	"github.com/c360/mapeflow/stream"
)

// GroupBySource runs ops on an independent sub-pipeline per item source path.
func GroupBySource(ops ...stream.Operator[any]) stream.Operator[any] {
	return stream.GroupAndPipe(item.SourceOf, ops...)
}

// DistinctValues drops items whose value equals the previous item's value,
// ignoring metadata.
func DistinctValues() stream.Operator[any] {
	return stream.DistinctUntilChanged(item.ValueOf)
}

// MeanWindow averages every n items into one Message carrying the first
// item's metadata.
func MeanWindow(n int) stream.Operator[any] {
	return stream.WindowCount(n, item.Mean)
}

// Debounce emits the last item after window of silence, with timers on the
// app scheduler.
func (a *App) Debounce(window time.Duration) stream.Operator[any] {
	return stream.Debounce[any](window, a.scheduler)
}

// Sample emits the latest item every period, with timers on the app scheduler.
func (a *App) Sample(period time.Duration) stream.Operator[any] {
	return stream.Sample[any](period, a.scheduler)
}
