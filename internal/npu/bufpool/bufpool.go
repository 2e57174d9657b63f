// Package bufpool implements the NPU's fixed-count buffer pool and the
// singly-linked FIFO queues built on top of it. The pool is the
// canonical owner of every Buffer in the process; a Buffer circulates
// between the pool, queues, in-flight transfers, and local scope, but is
// never shared or duplicated ( invariant (c)).
package bufpool

import (
	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
)

// BlockSize is the fixed capacity of every pooled buffer.
const BlockSize = 4096

// DefaultPoolSize is the default pre-allocated buffer count, matching
// "N defaults to 1000".
const DefaultPoolSize = 1000

// Buffer is a fixed-capacity block, allocated only from a Pool. The xid
// correlates a buffer's journey across BIP/SVM/TIP boundaries in logs; the
// teacher's go.mod declares github.com/rs/xid but never calls it, so this
// is its first real use in the lineage.
type Buffer struct {
	Data   [BlockSize]byte
	Count  int // current byte count
	Offset int // read offset
	BSN    uint8
	ID     xid.ID

	next *Buffer // reused both by the free list and by Queue
}

// Bytes returns the unread portion of the buffer's payload.
func (b *Buffer) Bytes() []byte {
	return b.Data[b.Offset:b.Count]
}

// reset clears count/offset/BSN and the free-list link.
func (b *Buffer) reset() {
	b.Count = 0
	b.Offset = 0
	b.BSN = 0
	b.next = nil
}

// Pool is a singly-linked free list of pre-allocated, fixed-size Buffers.
// Exhaustion is treated as an unrecoverable condition for the emulated NPU
// (.1, §7 error kind 1): the process is considered dead without
// buffers to move blocks through, so Get logs and terminates rather than
// returning an error a caller might paper over.
type Pool struct {
	free *Buffer
	n    int
}

// NewPool pre-allocates n buffers (DefaultPoolSize if n <= 0) and links
// them into the free list.
func NewPool(n int) *Pool {
	if n <= 0 {
		n = DefaultPoolSize
	}
	p := &Pool{}
	for i := 0; i < n; i++ {
		buf := &Buffer{next: p.free}
		p.free = buf
		p.n++
	}
	return p
}

// Size returns the number of buffers currently on the free list.
func (p *Pool) Size() int { return p.n }

var exitFunc = logrus.Exit

// Get unlinks and returns the head of the free list. On an empty pool this
// is a fatal condition: NPU emulation cannot make forward progress without
// a buffer, so it logs and aborts the process.
func (p *Pool) Get() *Buffer {
	if p.free == nil {
		logrus.Error("bufpool: pool exhausted, buffer-pool exhaustion is unrecoverable")
		exitFunc(1)
		return nil
	}
	buf := p.free
	p.free = buf.next
	p.n--
	buf.next = nil
	buf.ID = xid.New()
	return buf
}

// Release zeroes the buffer and relinks it onto the free list.
func (p *Pool) Release(buf *Buffer) {
	if buf == nil {
		return
	}
	buf.reset()
	buf.next = p.free
	p.free = buf
	p.n++
}

// Queue is a singly-linked FIFO of buffers with prepend support. It is not
// safe for concurrent use: keeps all protocol state, including
// queues, on the single main thread.
type Queue struct {
	head, tail *Buffer
	count      int
}

// Len returns the number of buffers currently queued.
func (q *Queue) Len() int { return q.count }

// NotEmpty reports whether the queue holds at least one buffer, in O(1).
func (q *Queue) NotEmpty() bool { return q.head != nil }

// Append adds buf to the tail of the queue.
func (q *Queue) Append(buf *Buffer) {
	buf.next = nil
	if q.tail == nil {
		q.head, q.tail = buf, buf
	} else {
		q.tail.next = buf
		q.tail = buf
	}
	q.count++
}

// Prepend adds buf to the head of the queue, used to re-queue a partially
// sent buffer's residual ahead of everything else.
func (q *Queue) Prepend(buf *Buffer) {
	buf.next = q.head
	q.head = buf
	if q.tail == nil {
		q.tail = buf
	}
	q.count++
}

// Extract removes and returns the buffer at the head of the queue, or nil
// if the queue is empty.
func (q *Queue) Extract() *Buffer {
	if q.head == nil {
		return nil
	}
	buf := q.head
	q.head = buf.next
	if q.head == nil {
		q.tail = nil
	}
	buf.next = nil
	q.count--
	return buf
}

// GetLast returns the buffer at the tail of the queue without removing it,
// or nil if the queue is empty.
func (q *Queue) GetLast() *Buffer {
	return q.tail
}
