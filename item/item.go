// Package item defines the envelopes that flow between elements: Message
// carries a value, MethodCall asks the receiving element to invoke one of its
// registered methods. Both embed Item, the routing metadata.
package item

import (
	"fmt"
	"time"
)

// Pather is implemented by anything addressable by a dotted path, such as
// elements and loops.
type Pather interface {
	Path() string
}

// Item is the metadata shared by every envelope.
type Item struct {
	// Src is the dotted path of the element that produced the item.
	Src string
	// Dst is the dotted path of the intended receiver, empty when unrouted.
	Dst string
	// Hops counts the started elements the item entered.
	Hops int
	// Timestamp is the creation time.
	Timestamp time.Time
}

// Header gives access to the shared metadata of any envelope.
type Header interface {
	Meta() *Item
}

// Meta returns the receiver so embedding types satisfy Header.
func (i *Item) Meta() *Item {
	return i
}

// Option configures an envelope at creation time.
type Option func(*Item)

// WithSource sets the source path. ref is a path string or a Pather.
func WithSource(ref any) Option {
	return func(i *Item) {
		i.Src = PathOf(ref)
	}
}

// WithDestination sets the destination path. ref is a path string or a Pather.
func WithDestination(ref any) Option {
	return func(i *Item) {
		i.Dst = PathOf(ref)
	}
}

// WithTimestamp overrides the creation time.
func WithTimestamp(t time.Time) Option {
	return func(i *Item) {
		i.Timestamp = t
	}
}

// WithHops sets the initial hop count. Negative values are ignored.
func WithHops(n int) Option {
	return func(i *Item) {
		if n >= 0 {
			i.Hops = n
		}
	}
}

func newItem(opts []Option) Item {
	it := Item{Timestamp: time.Now()}
	for _, opt := range opts {
		opt(&it)
	}
	return it
}

// PathOf resolves a reference to its path string.
func PathOf(ref any) string {
	switch r := ref.(type) {
	case nil:
		return ""
	case string:
		return r
	case Pather:
		return r.Path()
	case fmt.Stringer:
		return r.String()
	default:
		return fmt.Sprint(r)
	}
}

// Message carries a value between elements.
type Message struct {
	Item
	Value any
}

// NewMessage creates a message with zero hops stamped with the current time.
func NewMessage(value any, opts ...Option) *Message {
	return &Message{Item: newItem(opts), Value: value}
}

// Hop returns a copy with the hop count incremented. The receiver is not modified
// so a message fanned out to several elements is counted per path.
func (m *Message) Hop() *Message {
	c := *m
	c.Hops++
	return &c
}

// WithValue returns a copy carrying v and the same metadata.
func (m *Message) WithValue(v any) *Message {
	c := *m
	c.Value = v
	return &c
}

func (m *Message) String() string {
	return fmt.Sprintf("Message(value=%v, src=%q, dst=%q, hops=%d)", m.Value, m.Src, m.Dst, m.Hops)
}

// MethodCall asks the receiving element to invoke a registered method.
type MethodCall struct {
	Item
	Name   string
	Args   []any
	Kwargs map[string]any
}

// NewMethodCall creates a method call envelope.
func NewMethodCall(name string, args []any, kwargs map[string]any, opts ...Option) *MethodCall {
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return &MethodCall{Item: newItem(opts), Name: name, Args: args, Kwargs: kwargs}
}

// Hop returns a copy with the hop count incremented.
func (c *MethodCall) Hop() *MethodCall {
	cp := *c
	cp.Hops++
	return &cp
}

func (c *MethodCall) String() string {
	return fmt.Sprintf("MethodCall(%s, args=%v, kwargs=%v, dst=%q)", c.Name, c.Args, c.Kwargs, c.Dst)
}

// ValueOf unwraps a Message to its value and returns anything else unchanged.
func ValueOf(v any) any {
	if m, ok := v.(*Message); ok {
		return m.Value
	}
	return v
}

// SourceOf returns the source path of an envelope, empty for raw values.
func SourceOf(v any) string {
	if h, ok := v.(Header); ok {
		return h.Meta().Src
	}
	return ""
}

// DestinationOf returns the destination path of an envelope, empty for raw values.
func DestinationOf(v any) string {
	if h, ok := v.(Header); ok {
		return h.Meta().Dst
	}
	return ""
}

// IsMethodCall reports whether v is a MethodCall.
func IsMethodCall(v any) bool {
	_, ok := v.(*MethodCall)
	return ok
}
