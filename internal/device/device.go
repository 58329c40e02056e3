// Package device models the compute device a worker binds to: an ordered,
// asynchronous execution queue plus a record-then-run graph capability.
//
// The harness treats the queue as a black box. Operations enqueued with
// Enqueue run in order on a background goroutine; nothing may be read back
// until Synchronize has drained the queue. The first operation error is
// sticky: later operations are skipped until the error is collected by
// Synchronize, mirroring how real device queues poison a stream.
package device

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"

	"github.com/gomlx/collcheck/types/dtypes"
)

// Error is reported when the execution queue fails, carrying the name of
// the operation that failed (during eager execution, capture or replay).
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("device error in %q: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type op struct {
	name  string
	fn    func() error
	fence bool
}

// Device is one simulated compute device, identified by its local index.
type Device struct {
	index int

	ops    chan op
	closed chan struct{}

	mu        sync.Mutex
	err       *Error
	capturing *Graph
}

const queueDepth = 64

// New creates a device and starts its execution queue.
func New(index int) *Device {
	d := &Device{
		index:  index,
		ops:    make(chan op, queueDepth),
		closed: make(chan struct{}),
	}
	go d.run()
	return d
}

// Index returns the local device index the worker bound to.
func (d *Device) Index() int { return d.index }

func (d *Device) run() {
	defer close(d.closed)
	for o := range d.ops {
		if o.fn == nil {
			continue
		}
		d.mu.Lock()
		poisoned := d.err != nil
		d.mu.Unlock()
		// Fences must run even on a poisoned queue, or Synchronize could
		// never collect the error.
		if poisoned && !o.fence {
			continue
		}
		if err := o.fn(); err != nil {
			d.mu.Lock()
			d.err = &Error{Op: o.name, Err: err}
			d.mu.Unlock()
		}
	}
}

// Enqueue adds a named operation to the execution queue.
//
// While a capture is active the operation is recorded into the graph
// instead of being executed.
func (d *Device) Enqueue(name string, fn func() error) {
	d.mu.Lock()
	g := d.capturing
	d.mu.Unlock()
	if g != nil {
		g.ops = append(g.ops, op{name: name, fn: fn})
		return
	}
	d.ops <- op{name: name, fn: fn}
}

// Synchronize blocks until every previously enqueued operation finished,
// and returns (and clears) the first error the queue recorded, if any.
func (d *Device) Synchronize() error {
	fence := make(chan struct{})
	d.ops <- op{name: "fence", fence: true, fn: func() error {
		close(fence)
		return nil
	}}
	<-fence
	d.mu.Lock()
	err := d.err
	d.err = nil
	d.mu.Unlock()
	if err != nil {
		return err
	}
	return nil
}

// Close shuts the execution queue down. The queue is drained first;
// pending operations still run.
func (d *Device) Close() {
	close(d.ops)
	<-d.closed
}

// Graph is a recorded sequence of device operations together with a
// snapshot of its input buffers taken at capture time.
type Graph struct {
	ops       []op
	inputs    []*Buffer
	snapshots [][]byte
}

// Capture records the operations enqueued by record into a replayable
// graph, without executing them. The inputs are the buffers the recorded
// operations read or mutate; their contents are snapshotted so every
// replay starts from the recorded values.
//
// The queue must be idle (synchronized) when capture starts; captures do
// not nest.
func (d *Device) Capture(record func() error, inputs ...*Buffer) (*Graph, error) {
	g := &Graph{inputs: inputs}
	for _, b := range inputs {
		snap := make([]byte, len(b.data))
		copy(snap, b.data)
		g.snapshots = append(g.snapshots, snap)
	}

	d.mu.Lock()
	if d.capturing != nil {
		d.mu.Unlock()
		return nil, &Error{Op: "capture", Err: errors.New("a capture is already in progress")}
	}
	d.capturing = g
	d.mu.Unlock()

	err := record()

	d.mu.Lock()
	d.capturing = nil
	d.mu.Unlock()

	if err != nil {
		return nil, &Error{Op: "capture", Err: err}
	}
	if len(g.ops) == 0 {
		return nil, &Error{Op: "capture", Err: errors.New("captured graph is empty")}
	}
	return g, nil
}

// Replay restores the graph's input snapshots and enqueues the recorded
// operations in their captured order. Call Synchronize to wait for the
// replay to finish; replaying twice with the same recorded buffers yields
// the same results both times.
func (d *Device) Replay(g *Graph) error {
	d.mu.Lock()
	if d.capturing != nil {
		d.mu.Unlock()
		return &Error{Op: "replay", Err: errors.New("cannot replay while capturing")}
	}
	d.mu.Unlock()
	for i, b := range g.inputs {
		copy(b.data, g.snapshots[i])
	}
	for _, o := range g.ops {
		d.ops <- o
	}
	return nil
}

// Buffer is a flat device buffer of elements of a single dtype.
type Buffer struct {
	dtype dtypes.DType
	data  []byte
}

// NewBuffer allocates a zeroed buffer of n elements of dt.
func NewBuffer(dt dtypes.DType, n int) *Buffer {
	return &Buffer{dtype: dt, data: make([]byte, n*dt.Size())}
}

// DType returns the buffer's element type.
func (b *Buffer) DType() dtypes.DType { return b.dtype }

// Len returns the number of elements.
func (b *Buffer) Len() int { return b.dtype.NumElements(b.data) }

// Bytes returns the underlying storage. Mutating it mutates the buffer.
func (b *Buffer) Bytes() []byte { return b.data }

// Floats decodes the buffer into a freshly allocated []float32.
func (b *Buffer) Floats() []float32 { return b.dtype.Floats(b.data) }

// SetFloats encodes vs into the buffer; len(vs) must equal Len.
func (b *Buffer) SetFloats(vs []float32) {
	if len(vs) != b.Len() {
		panic(fmt.Sprintf("SetFloats: got %d values for a buffer of %d elements", len(vs), b.Len()))
	}
	b.dtype.PutFloats(b.data, vs)
}

// Clone returns an independent copy of the buffer.
func (b *Buffer) Clone() *Buffer {
	data := make([]byte, len(b.data))
	copy(data, b.data)
	return &Buffer{dtype: b.dtype, data: data}
}
