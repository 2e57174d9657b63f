// Package npu packages the NPU's process-wide state — the buffer pool, TCB
// table, and the high-water CN — into a single owning context value, passed
// through every entry point rather than kept as mutable statics. Every
// protocol package takes a *Core rather than touching global state. The
// NCB list is not part of Core; it is held by netmux.Mux.
package npu

import (
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
)

// MaxTcbs bounds the TCB table; CN 0 is never assigned to a connection.
const MaxTcbs = 256

// ChannelPeer is the upward API the core exposes to the channel transport.
// It is implemented by the PP-emulator collaborator, which is out of scope
// for this module; the core only depends on this interface.
type ChannelPeer interface {
	// RequestDownlineBlock asks the peer for the next downline block, if
	// any is staged. Returns nil if none is available yet.
	RequestDownlineBlock() *bufpool.Buffer

	// DeliverUplineBlock hands buf to the peer for upline transfer. The
	// peer takes ownership of buf until it calls bip.BIP.NotifyUplineSent.
	DeliverUplineBlock(buf *bufpool.Buffer)
}

// Core owns every process-wide NPU resource.
type Core struct {
	Pool *bufpool.Pool
	Peer ChannelPeer

	TCBs       [MaxTcbs]*TCB
	MaxCN      int // npuNetMaxCN: highest CN with a non-idle TCB, or 0
}

// NewCore allocates a Core with a freshly initialized buffer pool of the
// given size (bufpool.DefaultPoolSize if poolSize <= 0).
func NewCore(poolSize int, peer ChannelPeer) *Core {
	return &Core{
		Pool: bufpool.NewPool(poolSize),
		Peer: peer,
	}
}

// AllocTCB finds a free TCB slot and returns it bound to cn, or nil if no
// slot in [1, MaxTcbs) is free. Slot 0 is never used; CN ranges over
// 1..MaxTcbs-1.
func (c *Core) AllocTCB() *TCB {
	for cn := 1; cn < MaxTcbs; cn++ {
		if c.TCBs[cn] == nil {
			t := &TCB{CN: uint8(cn), State: TCBIdle}
			c.TCBs[cn] = t
			c.recomputeMaxCN()
			return t
		}
	}
	return nil
}

// FreeTCB releases the TCB at cn, if any, and recomputes MaxCN.
func (c *Core) FreeTCB(cn uint8) {
	if int(cn) >= MaxTcbs {
		return
	}
	c.TCBs[cn] = nil
	c.recomputeMaxCN()
}

// LookupTCB returns the TCB at cn, or nil if cn is out of range or unused.
func (c *Core) LookupTCB(cn uint8) *TCB {
	if int(cn) >= MaxTcbs {
		return nil
	}
	return c.TCBs[cn]
}

// TCBForPCB resolves a PCB's weak TCB back-reference through the TCB
// table, returning nil if the PCB has no associated TCB.
func (c *Core) TCBForPCB(p *PCB) *TCB {
	if p == nil || p.TCBCN == 0 {
		return nil
	}
	return c.LookupTCB(p.TCBCN)
}

func (c *Core) recomputeMaxCN() {
	max := 0
	for cn := len(c.TCBs) - 1; cn > 0; cn-- {
		if t := c.TCBs[cn]; t != nil && t.State != TCBIdle {
			max = cn
			break
		}
	}
	c.MaxCN = max
}
