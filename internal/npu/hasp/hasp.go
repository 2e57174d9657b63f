// Package hasp implements the HASP TIP: a BSC-over-TCP multi-stream
// spooler emulator for NOS's Remote Batch Facility. Its preset/receive/
// send/try-output shape generalizes a per-connType function-pointer
// dispatch table into a Go interface implementation.
package hasp

import (
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/internal/npu/tip"
)

// BSC control characters shared with the DSA-311 mux (DLE/STX/ETX/ETB),
// generalized to HASP's own framing needs.
const (
	ctlDLE = 0x10
	ctlSTX = 0x02
	ctlETX = 0x03
	ctlETB = 0x26
	ctlENQ = 0x05
	ctlEOT = 0x04
)

// RecvState is the per-connection BSC receiver state machine.
type RecvState int

const (
	RecvSync RecvState = iota
	RecvDLE
	RecvHeader
	RecvData
	RecvDLEInData
)

// SendState is the per-connection BSC sender state machine.
type SendState int

const (
	SendIdle SendState = iota
	SendHeader
	SendData
	SendWaitAck
)

// StreamKind identifies a HASP sub-stream's device role.
type StreamKind int

const (
	StreamConsole StreamKind = iota
	StreamReader
	StreamPrinter
	StreamPunch
)

// Stream is a HASP sub-TCB: one console/reader/printer/punch stream
// multiplexed over the connection's single BSC link.
type Stream struct {
	Kind StreamKind
	CN   uint8 // the sub-TCB's own connection number
	BSN  uint8
	Held bool // output held by flow-control suppression
}

// Conn is the per-connection HASP state: the BSC framer plus its streams.
// It implements npu.ProtoState.
type Conn struct {
	Recv RecvState
	Send SendState

	Streams []*Stream

	outQueue  bufpool.Queue
	escapeBuf []byte // transparent-mode escape accumulator
}

var _ npu.ProtoState = (*Conn)(nil)

// Reset clears the connection back to its disconnected shape.
func (c *Conn) Reset() {
	c.Recv = RecvSync
	c.Send = SendIdle
	c.Streams = nil
	c.outQueue = bufpool.Queue{}
	c.escapeBuf = nil
}

// StreamByCN finds the sub-stream owning cn, or nil.
func (c *Conn) StreamByCN(cn uint8) *Stream {
	for _, s := range c.Streams {
		if s.CN == cn {
			return s
		}
	}
	return nil
}

// Hasp is the TIP module for Hasp/ReverseHasp connection types
// dispatch table rows "HASP"/"Reverse HASP".
type Hasp struct {
	tip *tip.TIP
}

// New constructs a Hasp module bound to tip for upline block emission.
func New(t *tip.TIP) *Hasp {
	return &Hasp{tip: t}
}

// NotifyConnect starts a fresh console stream on the owning TCB.
func (h *Hasp) NotifyConnect(tcb *npu.TCB) {
	tcb.Device = npu.DeviceConsole
}

// NotifyDisconnect is a no-op; per-stream teardown rides on TCB release.
func (h *Hasp) NotifyDisconnect(tcb *npu.TCB) {}

// NotifyBlockAck does nothing: a block acknowledgement changes neither the
// stream's queued output nor any flow-control state.
func (h *Hasp) NotifyBlockAck(tcb *npu.TCB) {}

// ProcessUplineData hands a downline BSC frame to TIP's upline queue once
// reframed; the BSC unwrap/rewrap itself happens in FeedBSC below, called
// from the NET layer as raw bytes arrive.
func (h *Hasp) ProcessUplineData(tcb *npu.TCB, buf *bufpool.Buffer) {
	h.tip.ProcessBlock(buf)
}

var _ tip.Module = (*Hasp)(nil)

// FeedBSC runs one inbound byte through the BSC receiver state machine,
// returning a complete unescaped frame once ETB/ETX closes it.
func FeedBSC(c *Conn, b byte) (frame []byte, complete bool) {
	switch c.Recv {
	case RecvSync:
		if b == ctlDLE {
			c.Recv = RecvDLE
		}
		return nil, false
	case RecvDLE:
		if b == ctlSTX {
			c.Recv = RecvData
			c.escapeBuf = c.escapeBuf[:0]
		} else {
			c.Recv = RecvSync
		}
		return nil, false
	case RecvData:
		if b == ctlDLE {
			c.Recv = RecvDLEInData
			return nil, false
		}
		c.escapeBuf = append(c.escapeBuf, b)
		return nil, false
	case RecvDLEInData:
		switch b {
		case ctlDLE:
			c.escapeBuf = append(c.escapeBuf, ctlDLE)
			c.Recv = RecvData
			return nil, false
		case ctlETB, ctlETX:
			out := make([]byte, len(c.escapeBuf))
			copy(out, c.escapeBuf)
			c.Recv = RecvSync
			return out, true
		default:
			c.Recv = RecvSync
			return nil, false
		}
	}
	return nil, false
}

// FrameBSC wraps payload in a DLE-STX ... DLE-ETB BSC frame with
// transparent-mode DLE doubling.
func FrameBSC(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+6)
	out = append(out, ctlDLE, ctlSTX)
	for _, b := range payload {
		if b == ctlDLE {
			out = append(out, ctlDLE)
		}
		out = append(out, b)
	}
	out = append(out, ctlDLE, ctlETB)
	return out
}

// QueueOutput appends a frame to the connection's held-output FIFO. Held
// streams accumulate output without transmitting until flow control lifts,
// "under flow-control suppression, blocks are held".
func (c *Conn) QueueOutput(pool *bufpool.Pool, payload []byte) {
	buf := pool.Get()
	n := copy(buf.Data[:], payload)
	buf.Count = n
	c.outQueue.Append(buf)
}

// PendingOutput reports how many frames are queued awaiting transmission.
func (c *Conn) PendingOutput() int { return c.outQueue.Len() }
