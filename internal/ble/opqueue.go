package ble

import (
	"sync"
	"time"
)

// OperationResult is the outcome reported for a completed GATT op.
type OperationResult int

const (
	OpSuccess OperationResult = iota
	OpFailure
	OpTimeout
	OpDisconnected
)

// GATTOpType names the kind of serialized platform call.
type GATTOpType int

const (
	OpRead GATTOpType = iota
	OpWrite
	OpEnableNotify
	OpRequestMTU
)

const defaultOpTimeout = 5 * time.Second

// GATTOperation is one queued, serialized platform call.
type GATTOperation struct {
	Handle    ConnectionHandle
	Type      GATTOpType
	Payload   []byte
	Timeout   time.Duration
	queuedAt  time.Time
	startedAt time.Time
	running   bool
	Callback  func(OperationResult, []byte)
}

// GATTOperationBuilder is a fluent builder mirroring the original
// firmware's GATTOperationBuilder convenience type.
type GATTOperationBuilder struct {
	op GATTOperation
}

func NewGATTOperation(handle ConnectionHandle, typ GATTOpType) *GATTOperationBuilder {
	return &GATTOperationBuilder{op: GATTOperation{Handle: handle, Type: typ, Timeout: defaultOpTimeout}}
}

func (b *GATTOperationBuilder) WithPayload(p []byte) *GATTOperationBuilder {
	b.op.Payload = p
	return b
}

func (b *GATTOperationBuilder) WithTimeout(d time.Duration) *GATTOperationBuilder {
	b.op.Timeout = d
	return b
}

func (b *GATTOperationBuilder) WithCallback(cb func(OperationResult, []byte)) *GATTOperationBuilder {
	b.op.Callback = cb
	return b
}

func (b *GATTOperationBuilder) Build() *GATTOperation {
	op := b.op
	return &op
}

// Executor performs the actual platform GATT call for a dequeued op.
// It must not block past the op's own bookkeeping; completion is
// reported asynchronously via OperationQueue.Complete.
type Executor func(op *GATTOperation)

// OperationQueue serializes GATT calls per connection handle, since
// most BLE stacks are not reentrant across concurrent GATT operations.
type OperationQueue struct {
	mu      sync.Mutex
	queues  map[ConnectionHandle][]*GATTOperation
	running map[ConnectionHandle]*GATTOperation

	Execute Executor
}

func NewOperationQueue(execute Executor) *OperationQueue {
	return &OperationQueue{
		queues:  make(map[ConnectionHandle][]*GATTOperation),
		running: make(map[ConnectionHandle]*GATTOperation),
		Execute: execute,
	}
}

// Enqueue records the queue time and appends the op to its handle's
// queue, then kicks processing.
func (q *OperationQueue) Enqueue(op *GATTOperation, now time.Time) {
	op.queuedAt = now
	q.mu.Lock()
	q.queues[op.Handle] = append(q.queues[op.Handle], op)
	q.mu.Unlock()
	q.Process(op.Handle, now)
}

// Process dequeues the next op for handle if none is currently in
// flight, and invokes Execute on it.
func (q *OperationQueue) Process(handle ConnectionHandle, now time.Time) {
	q.mu.Lock()
	if q.running[handle] != nil {
		q.mu.Unlock()
		return
	}
	pending := q.queues[handle]
	if len(pending) == 0 {
		q.mu.Unlock()
		return
	}
	op := pending[0]
	q.queues[handle] = pending[1:]
	op.running = true
	op.startedAt = now
	q.running[handle] = op
	q.mu.Unlock()

	if q.Execute != nil {
		q.Execute(op)
	}
}

// Complete is invoked from the platform callback when an operation
// finishes. It releases the handle's in-flight slot and advances the
// queue.
func (q *OperationQueue) Complete(handle ConnectionHandle, result OperationResult, response []byte, now time.Time) {
	q.mu.Lock()
	op := q.running[handle]
	delete(q.running, handle)
	q.mu.Unlock()

	if op != nil && op.Callback != nil {
		op.Callback(result, response)
	}
	q.Process(handle, now)
}

// CheckTimeout completes the currently running op for handle with
// OpTimeout if it has exceeded its own timeout.
func (q *OperationQueue) CheckTimeout(handle ConnectionHandle, now time.Time) {
	q.mu.Lock()
	op := q.running[handle]
	if op == nil || now.Sub(op.startedAt) <= op.Timeout {
		q.mu.Unlock()
		return
	}
	q.mu.Unlock()
	q.Complete(handle, OpTimeout, nil, now)
}

// ClearForConnection fires DISCONNECTED on every queued and running op
// for handle, then drops them.
func (q *OperationQueue) ClearForConnection(handle ConnectionHandle) {
	q.mu.Lock()
	pending := q.queues[handle]
	delete(q.queues, handle)
	running := q.running[handle]
	delete(q.running, handle)
	q.mu.Unlock()

	for _, op := range pending {
		if op.Callback != nil {
			op.Callback(OpDisconnected, nil)
		}
	}
	if running != nil && running.Callback != nil {
		running.Callback(OpDisconnected, nil)
	}
}

// Clear drops every queued and running operation across all handles.
func (q *OperationQueue) Clear() {
	q.mu.Lock()
	handles := make([]ConnectionHandle, 0, len(q.queues)+len(q.running))
	for h := range q.queues {
		handles = append(handles, h)
	}
	for h := range q.running {
		handles = append(handles, h)
	}
	q.mu.Unlock()

	seen := make(map[ConnectionHandle]bool)
	for _, h := range handles {
		if !seen[h] {
			seen[h] = true
			q.ClearForConnection(h)
		}
	}
}
