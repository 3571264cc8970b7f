package mape

import (
	"sync/atomic"

	"github.com/c360/mapeflow/stream"
)

// Port names.
const (
	PortIn  = "in"
	PortOut = "out"
)

// Port is one side of an element: a writable stream plus the operators applied
// to it. The operator list is fixed at construction.
type Port struct {
	name    string
	stream  *stream.Subject[any]
	ops     []stream.Operator[any]
	output  *stream.Subject[any]
	sub     stream.Subscription // guarded by the owning element's life mutex
	started atomic.Bool
}

func newPort(name string, ops []stream.Operator[any]) *Port {
	p := &Port{
		name:   name,
		stream: stream.NewSubject[any](),
		ops:    append([]stream.Operator[any](nil), ops...),
	}
	if name == PortOut {
		p.output = stream.NewSubject[any]()
	}
	return p
}

// Name returns "in" or "out".
func (p *Port) Name() string {
	return p.name
}

// OnNext pushes a value into the port. The port accepts values while stopped;
// they are simply not processed.
func (p *Port) OnNext(v any) {
	p.stream.OnNext(v)
}

// OnError pushes a terminal error into the port.
func (p *Port) OnError(err error) {
	p.stream.OnError(err)
}

// OnCompleted pushes completion into the port.
func (p *Port) OnCompleted() {
	p.stream.OnCompleted()
}

// Emitter returns the stream subscribers of the port read. For the output
// port that is past the operators, so values sent there reach subscribers
// whether or not the element runs. For the input port it is the port itself.
func (p *Port) Emitter() stream.Observer[any] {
	if p.output != nil {
		return p.output
	}
	return p.stream
}

// Operators returns a copy of the configured operators.
func (p *Port) Operators() []stream.Operator[any] {
	return append([]stream.Operator[any](nil), p.ops...)
}

// Started reports whether the port pipeline holds an active subscription.
func (p *Port) Started() bool {
	return p.started.Load()
}

// pipeline applies the port operators after the given prefix stages.
func (p *Port) pipeline(prefix ...stream.Operator[any]) stream.Observable[any] {
	return stream.Pipe(stream.Pipe[any](p.stream, prefix...), p.ops...)
}

func (p *Port) attach(sub stream.Subscription) {
	p.sub = sub
	p.started.Store(true)
}

func (p *Port) detach() {
	if p.sub != nil {
		p.sub.Unsubscribe()
	}
	p.sub = nil
	p.started.Store(false)
}
