// Package dispatch implements the NET layer's per-connType function
// table: for every CLA port, recv translates socket bytes into
// terminal input fed to TIP's assembly buffer, and send
// renders an effector/framing layer over a downline payload before it
// goes to the wire. Grounded on npu_net.c's connType-keyed dispatch
// (npuNetXxxOutput/npuNetXxxInput function families) and on the framing
// packages (async/hasp/nje/dsa311/lip) each connType delegates to.
package dispatch

import (
	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/async"
	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/dsa311"
	"github.com/dtcyber-emu/nhp/internal/npu/hasp"
	"github.com/dtcyber-emu/nhp/internal/npu/lip"
	"github.com/dtcyber-emu/nhp/internal/npu/nje"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/internal/npu/tip"
)

// Entry is one connType's function-table row: preset/reset the PCB's
// protocol sub-state, recv raw bytes from the socket, send a downline
// payload, and report whether output is pending.
type Entry struct {
	// Preset installs a fresh per-connType ProtoState on pcb.
	Preset func(pcb *npu.PCB)

	// Recv consumes raw bytes received on pcb's socket, feeding decoded
	// terminal input into t via FeedInput and returning any
	// protocol-layer reply that must be written back to the socket
	// immediately (e.g. a telnet option negotiation response).
	Recv func(t *tip.TIP, pcb *npu.PCB, tcb *npu.TCB, data []byte) (reply []byte)

	// Send renders payload (a downline block's data) into bytes ready
	// to write to pcb's socket, applying the connType's framing/effector
	// layer.
	Send func(pcb *npu.PCB, payload []byte) []byte

	// TryOutput reports whether protocol-layer output (e.g. a queued
	// HASP stream record) is waiting to be drained to the socket.
	TryOutput func(pcb *npu.PCB) bool

	// Connect runs once, the moment pcb's socket becomes usable (either
	// just accepted, or an outbound dial just completed), returning any
	// bytes that must be written to the wire to start the session (e.g.
	// LIP's active-side CONNECT line). Most connTypes need nothing here.
	Connect func(pcb *npu.PCB) []byte
}

// Table routes PCB traffic to the Entry registered for its NCB's ConnType.
type Table struct {
	entries map[npu.ConnType]Entry
}

// NewTable builds the standard connType dispatch table, wiring async,
// HASP, NJE, LIP and DSA-311 framing against t. lipName/lipNode identify
// this NPU's own trunk endpoint, and trunks is the node table LIP trunk
// PCBs register themselves into once their CONNECT handshake completes.
func NewTable(t *tip.TIP, lipName string, lipNode uint8, trunks *lip.NodeTable) *Table {
	tb := &Table{entries: make(map[npu.ConnType]Entry)}
	tb.entries[npu.ConnTelnet] = telnetEntry()
	tb.entries[npu.ConnPterm] = telnetEntry()
	tb.entries[npu.ConnRS232] = rawEntry()
	tb.entries[npu.ConnHasp] = haspEntry()
	tb.entries[npu.ConnReverseHasp] = haspEntry()
	tb.entries[npu.ConnNje] = njeEntry()
	tb.entries[npu.ConnTrunk] = trunkEntry(lipName, lipNode, trunks)
	tb.entries[npu.ConnDSA311] = dsa311Entry()
	return tb
}

// Preset installs pcb's per-connType ProtoState, if its ConnType is
// registered.
func (tb *Table) Preset(pcb *npu.PCB) {
	if e, ok := tb.entries[pcb.NCB.ConnType]; ok && e.Preset != nil {
		e.Preset(pcb)
	}
}

// Recv dispatches inbound socket bytes for pcb to its ConnType's handler.
func (tb *Table) Recv(t *tip.TIP, pcb *npu.PCB, tcb *npu.TCB, data []byte) []byte {
	e, ok := tb.entries[pcb.NCB.ConnType]
	if !ok || e.Recv == nil {
		logrus.Debugf("dispatch: no recv handler for connType %v", pcb.NCB.ConnType)
		return nil
	}
	return e.Recv(t, pcb, tcb, data)
}

// Send renders payload for pcb's ConnType, or returns it unchanged if no
// handler is registered (the raw passthrough case).
func (tb *Table) Send(pcb *npu.PCB, payload []byte) []byte {
	e, ok := tb.entries[pcb.NCB.ConnType]
	if !ok || e.Send == nil {
		return payload
	}
	return e.Send(pcb, payload)
}

// TryOutput reports whether pcb's connType has protocol-layer output
// pending, false if the connType has no such queue (or none registered).
func (tb *Table) TryOutput(pcb *npu.PCB) bool {
	e, ok := tb.entries[pcb.NCB.ConnType]
	if !ok || e.TryOutput == nil {
		return false
	}
	return e.TryOutput(pcb)
}

// Connect runs pcb's connType's notify-connect hook, if any, returning
// bytes to write to the socket immediately.
func (tb *Table) Connect(pcb *npu.PCB) []byte {
	e, ok := tb.entries[pcb.NCB.ConnType]
	if !ok || e.Connect == nil {
		return nil
	}
	return e.Connect(pcb)
}

func rawEntry() Entry {
	return Entry{
		Preset: func(pcb *npu.PCB) {},
		Recv: func(t *tip.TIP, pcb *npu.PCB, tcb *npu.TCB, data []byte) []byte {
			if tcb == nil {
				return nil
			}
			for _, b := range data {
				t.FeedInput(tcb, b, false)
			}
			return nil
		},
		Send: func(pcb *npu.PCB, payload []byte) []byte { return payload },
	}
}

func telnetEntry() Entry {
	return Entry{
		Preset: func(pcb *npu.PCB) { pcb.Proto = &async.Conn{} },
		Recv: func(t *tip.TIP, pcb *npu.PCB, tcb *npu.TCB, data []byte) []byte {
			conn, ok := pcb.Proto.(*async.Conn)
			if !ok {
				return nil
			}
			var reply []byte
			for _, raw := range data {
				b, hasData, r := async.FeedTelnet(conn, raw)
				if r != nil {
					reply = append(reply, r...)
				}
				if hasData && tcb != nil {
					isEOL := b == '\r' || b == '\n'
					t.FeedInput(tcb, b, isEOL)
				}
			}
			return reply
		},
		Send: func(pcb *npu.PCB, payload []byte) []byte {
			out := make([]byte, 0, len(payload)+4)
			if len(payload) > 0 {
				if prefix, ok := async.RenderDownlineEffector(payload[0]); ok {
					out = append(out, prefix...)
					payload = payload[1:]
				}
			}
			for _, b := range payload {
				if b == async.IAC {
					out = append(out, async.IAC, async.IAC)
					continue
				}
				out = append(out, b)
			}
			return out
		},
		Connect: func(pcb *npu.PCB) []byte { return async.OptionOffer() },
	}
}

func haspEntry() Entry {
	return Entry{
		Preset: func(pcb *npu.PCB) { pcb.Proto = &hasp.Conn{} },
		Recv: func(t *tip.TIP, pcb *npu.PCB, tcb *npu.TCB, data []byte) []byte {
			conn, ok := pcb.Proto.(*hasp.Conn)
			if !ok {
				return nil
			}
			for _, b := range data {
				frame, complete := hasp.FeedBSC(conn, b)
				if complete && tcb != nil {
					t.SendUpline(tcb, block.TypeMsg, frame)
				}
			}
			return nil
		},
		Send: func(pcb *npu.PCB, payload []byte) []byte {
			return hasp.FrameBSC(payload)
		},
		TryOutput: func(pcb *npu.PCB) bool {
			conn, ok := pcb.Proto.(*hasp.Conn)
			return ok && conn.PendingOutput() > 0
		},
	}
}

func njeEntry() Entry {
	return Entry{
		Preset: func(pcb *npu.PCB) { pcb.Proto = &nje.Conn{} },
		Recv: func(t *tip.TIP, pcb *npu.PCB, tcb *npu.TCB, data []byte) []byte {
			conn, ok := pcb.Proto.(*nje.Conn)
			if !ok {
				return nil
			}
			rest, hadLeader := nje.SkipLeader(data)
			if !hadLeader {
				rest = data
			}
			if reply := nje.HandleControl(conn, rest); reply != nil {
				return reply
			}
			if tcb != nil && len(rest) > 0 {
				t.SendUpline(tcb, block.TypeMsg, rest)
			}
			return nil
		},
		Send: func(pcb *npu.PCB, payload []byte) []byte {
			out := append(nje.EncodeLeader(), payload...)
			return out
		},
	}
}

// trunkEntry covers Trunk connType PCBs: LIP's own 2-byte-length block
// protocol (§4.9), handshake and relay both. A PCB whose NCB carries a
// configured HostName is the active side (it dials out and sends the
// CONNECT line first); an accepted PCB is passive and waits for one.
func trunkEntry(lipName string, lipNode uint8, trunks *lip.NodeTable) Entry {
	return Entry{
		Preset: func(pcb *npu.PCB) {
			conn := &lip.Conn{LocalNode: lipNode}
			if pcb.NCB != nil && pcb.NCB.HostName != "" {
				conn.Active = true
				conn.PeerNode = pcb.NCB.PeerNode
			}
			pcb.Proto = conn
		},
		Connect: func(pcb *npu.PCB) []byte {
			conn, ok := pcb.Proto.(*lip.Conn)
			if !ok || !conn.Active {
				return nil
			}
			conn.State = lip.StateConnectSent
			return lip.EncodeConnect(lipName, lipNode, conn.PeerNode)
		},
		Recv: func(t *tip.TIP, pcb *npu.PCB, tcb *npu.TCB, data []byte) []byte {
			conn, ok := pcb.Proto.(*lip.Conn)
			if !ok {
				return nil
			}
			var out []byte
			for _, b := range data {
				wasConnected := conn.State == lip.StateConnected
				reply, frame, hasFrame, malformed := conn.FeedTrunk(lipName, lipNode, b)
				if malformed {
					return out
				}
				if !wasConnected && conn.State == lip.StateConnected && trunks != nil {
					trunks.Register(conn.PeerNode, pcb)
				}
				if reply != nil {
					out = append(out, reply...)
				}
				if hasFrame && tcb != nil {
					t.SendUpline(tcb, block.TypeBlk, frame)
				}
			}
			return out
		},
		Send: func(pcb *npu.PCB, payload []byte) []byte {
			return lip.FrameBlock(payload)
		},
	}
}

// dsa311Entry covers DSA-311 connType PCBs: the CRC/BSC mux framing
// between a byte-stream TCP peer and the 12-bit PP-word BSC framing NOS
// TIELINE expects (§4.11), distinct from LIP's own transport.
func dsa311Entry() Entry {
	return Entry{
		Preset: func(pcb *npu.PCB) { pcb.Proto = &dsa311.Conn{} },
		Recv: func(t *tip.TIP, pcb *npu.PCB, tcb *npu.TCB, data []byte) []byte {
			conn, ok := pcb.Proto.(*dsa311.Conn)
			if !ok {
				return nil
			}
			for _, b := range data {
				frame, complete, crcOK := conn.FeedInput(b)
				if !complete {
					continue
				}
				if !crcOK {
					return conn.Resync()
				}
				if n, hadLen := lip.ParseBlockLength(frame), len(frame) >= 2; hadLen && tcb != nil {
					payload := frame[2:]
					if n == len(payload) {
						t.SendUpline(tcb, block.TypeBlk, payload)
					}
				}
			}
			return nil
		},
		Send: func(pcb *npu.PCB, payload []byte) []byte {
			conn, ok := pcb.Proto.(*dsa311.Conn)
			if !ok {
				return payload
			}
			return conn.FrameOutput(lip.FrameBlock(payload))
		},
	}
}
