// Package bip implements the Block Interface Protocol: the order-word state
// machine that arbitrates downline staging and serializes upline transfer
// with the channel peer.
package bip

import (
	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
)

// State is BIP's downline order-word state machine.
type State int

const (
	Idle State = iota
	DownSvm
	DownDataLow
	DownDataHigh
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case DownSvm:
		return "downSvm"
	case DownDataLow:
		return "downDataLow"
	case DownDataHigh:
		return "downDataHigh"
	default:
		return "unknown"
	}
}

// Dispatcher routes a completed downline buffer to the component owning
// its destination node NotifyDownlineReceived handling. It is
// implemented by the top-level wiring that knows about SVM/TIP/CDCNet/LIP;
// BIP itself only knows the routing rule, not the destination components.
type Dispatcher interface {
	// ProcessSVMBuffer handles a buffer addressed to the coupler node
	// while BIP is in DownSvm state.
	ProcessSVMBuffer(buf *bufpool.Buffer)
	// ProcessTIPBuffer handles a buffer addressed to the coupler node
	// while BIP is in a data state, at the given priority (0 or 1).
	ProcessTIPBuffer(buf *bufpool.Buffer, priority int)
	// ProcessCDCNetBuffer handles a buffer addressed to the CDCNet
	// pseudo-node.
	ProcessCDCNetBuffer(buf *bufpool.Buffer)
	// ProcessLIPBuffer handles a buffer addressed to any other node (a
	// LIP trunk peer).
	ProcessLIPBuffer(buf *bufpool.Buffer)
}

// CouplerNode and CDCNetNode identify the well-known destination-node
// values used to route downline traffic.
type Nodes struct {
	CouplerNode uint8
	CDCNetNode  uint8
}

// BIP holds the order-word state machine and the upline serialization
// queue.
type BIP struct {
	core  *npu.Core
	peer  npu.ChannelPeer
	nodes Nodes
	disp  Dispatcher

	state    State
	priority int // priority staged for the current DownData* transfer

	uplineInFlight *bufpool.Buffer
	uplineQueue    bufpool.Queue
}

// New constructs a BIP instance bound to core's buffer pool and peer.
func New(core *npu.Core, peer npu.ChannelPeer, nodes Nodes, disp Dispatcher) *BIP {
	return &BIP{core: core, peer: peer, nodes: nodes, disp: disp, state: Idle}
}

// State returns BIP's current downline order-word state.
func (b *BIP) State() State { return b.state }

// NotifyServiceMessage handles the NotifyServiceMessage order word: request
// a downline block from the peer and stage it as SVM traffic.
func (b *BIP) NotifyServiceMessage() {
	b.state = DownSvm
	b.pullAndDispatch()
}

// NotifyData handles the NotifyData order word for the given priority (0
// or 1), staging the next downline block as data.
func (b *BIP) NotifyData(priority int) {
	b.state = DownDataLow
	if priority != 0 {
		b.state = DownDataHigh
	}
	b.priority = priority
	b.pullAndDispatch()
}

func (b *BIP) pullAndDispatch() {
	buf := b.peer.RequestDownlineBlock()
	if buf == nil {
		return
	}
	b.NotifyDownlineReceived(buf)
}

// NotifyDownlineReceived dispatches a completed downline buffer by
// destination node, then returns BIP to Idle.
func (b *BIP) NotifyDownlineReceived(buf *bufpool.Buffer) {
	defer func() { b.state = Idle }()

	if len(buf.Bytes()) == 0 {
		b.core.Pool.Release(buf)
		return
	}
	dn := buf.Bytes()[0]

	switch {
	case dn == b.nodes.CouplerNode:
		switch b.state {
		case DownSvm:
			b.disp.ProcessSVMBuffer(buf)
		case DownDataLow, DownDataHigh:
			b.disp.ProcessTIPBuffer(buf, b.priority)
		default:
			logrus.Warnf("bip: downline buffer for coupler node received while idle, releasing")
			b.core.Pool.Release(buf)
		}
	case dn == b.nodes.CDCNetNode:
		b.disp.ProcessCDCNetBuffer(buf)
	default:
		b.disp.ProcessLIPBuffer(buf)
	}
}

// AbortDownlineReceived releases the in-progress downline buffer and
// returns BIP to Idle.
func (b *BIP) AbortDownlineReceived(buf *bufpool.Buffer) {
	if buf != nil {
		b.core.Pool.Release(buf)
	}
	b.state = Idle
}

// RequestUplineTransfer hands buf to the peer if no upline transfer is in
// flight, else queues it. Exactly one buffer is in flight at a time.
func (b *BIP) RequestUplineTransfer(buf *bufpool.Buffer) {
	if b.uplineInFlight == nil {
		b.uplineInFlight = buf
		b.peer.DeliverUplineBlock(buf)
		return
	}
	b.uplineQueue.Append(buf)
}

// NotifyUplineSent releases the in-flight upline buffer and, if more are
// queued, hands the next one to the peer.
func (b *BIP) NotifyUplineSent() {
	if b.uplineInFlight != nil {
		b.core.Pool.Release(b.uplineInFlight)
		b.uplineInFlight = nil
	}
	if next := b.uplineQueue.Extract(); next != nil {
		b.uplineInFlight = next
		b.peer.DeliverUplineBlock(next)
	}
}

// RetryInput re-presents the current in-flight upline buffer to the peer,
// e.g. after a transient channel error.
func (b *BIP) RetryInput() {
	if b.uplineInFlight != nil {
		b.peer.DeliverUplineBlock(b.uplineInFlight)
	}
}
