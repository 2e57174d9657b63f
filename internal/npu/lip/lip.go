// Package lip implements the LIP trunk protocol: a text CONNECT handshake
// followed by length-prefixed block relay between coupler nodes.
package lip

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dtcyber-emu/nhp/internal/npu/npu"
)

// MaxIdleTime is the keep-alive ping interval in seconds.
const MaxIdleTime = 15

// MaxTrunks bounds the number of simultaneous trunk peers.
const MaxTrunks = 16

// StatusOK is the status code a successful CONNECT handshake replies with.
const StatusOK = 200

// State is a trunk connection's handshake state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnectSent
	StateConnected
)

// ConnectRequest is a parsed "CONNECT <name> <localNode> <peerNode>" line.
type ConnectRequest struct {
	Name      string
	LocalNode uint8
	PeerNode  uint8
}

// EncodeConnect renders a CONNECT request line.
func EncodeConnect(localName string, localNode, peerNode uint8) []byte {
	return []byte(fmt.Sprintf("CONNECT %s %d %d\n", localName, localNode, peerNode))
}

// ParseConnect parses a CONNECT request line. ok is false if the line is
// malformed.
func ParseConnect(line string) (req ConnectRequest, ok bool) {
	fields := strings.Fields(line)
	if len(fields) != 4 || !strings.EqualFold(fields[0], "CONNECT") {
		return ConnectRequest{}, false
	}
	localNode, err1 := strconv.Atoi(fields[2])
	peerNode, err2 := strconv.Atoi(fields[3])
	if err1 != nil || err2 != nil || localNode < 0 || localNode > 255 || peerNode < 0 || peerNode > 255 {
		return ConnectRequest{}, false
	}
	return ConnectRequest{Name: fields[1], LocalNode: uint8(localNode), PeerNode: uint8(peerNode)}, true
}

// StatusReply is a parsed "<code> <name> <localNode> <peerNode> <msg>" line,
// the textual reply to a CONNECT request. LocalNode/PeerNode are from the
// replying side's own point of view, same as ConnectRequest.
type StatusReply struct {
	Code      int
	Name      string
	LocalNode uint8
	PeerNode  uint8
	Msg       string
}

// EncodeStatusReply renders a CONNECT status reply line.
func EncodeStatusReply(code int, name string, localNode, peerNode uint8, msg string) []byte {
	return []byte(fmt.Sprintf("%d %s %d %d %s\n", code, name, localNode, peerNode, msg))
}

// ParseStatusReply parses a status reply line. ok is false if the line is
// malformed.
func ParseStatusReply(line string) (reply StatusReply, ok bool) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return StatusReply{}, false
	}
	code, err0 := strconv.Atoi(fields[0])
	localNode, err1 := strconv.Atoi(fields[2])
	peerNode, err2 := strconv.Atoi(fields[3])
	if err0 != nil || err1 != nil || err2 != nil || localNode < 0 || localNode > 255 || peerNode < 0 || peerNode > 255 {
		return StatusReply{}, false
	}
	return StatusReply{
		Code: code, Name: fields[1],
		LocalNode: uint8(localNode), PeerNode: uint8(peerNode),
		Msg: strings.Join(fields[4:], " "),
	}, true
}

// Conn is a trunk peer's per-connection state. It implements
// npu.ProtoState, and also holds the handshake/framing scratch buffers
// consumed byte-at-a-time by FeedTrunk, the same shape as the other
// protocol modules' Feed* functions.
type Conn struct {
	State      State
	PeerName   string
	PeerNode   uint8
	LocalNode  uint8
	lastActive int64 // unix seconds of last traffic, for the idle-ping timer

	Active bool // true for the side that sends the CONNECT request; set at preset, before anything is sent

	lineBuf []byte

	haveLen  bool
	lenBuf   []byte
	wantLen  int
	frameBuf []byte
}

var _ npu.ProtoState = (*Conn)(nil)

// Reset clears the connection back to disconnected.
func (c *Conn) Reset() { *c = Conn{} }

// Touch records traffic at nowUnix, resetting the idle-ping timer.
func (c *Conn) Touch(nowUnix int64) { c.lastActive = nowUnix }

// NeedsPing reports whether MaxIdleTime seconds have elapsed since the last
// traffic on this connection, meaning a keep-alive ping is due.
func (c *Conn) NeedsPing(nowUnix int64) bool {
	return nowUnix-c.lastActive >= MaxIdleTime
}

// NodeTable tracks trunk peers by node number, since a coupler can have
// several trunks configured at once, each addressed by its own node
// number. Peers are tracked by their owning PCB, so the relay path can
// reach the live socket once a trunk's node binding is known.
type NodeTable struct {
	byNode map[uint8]*npu.PCB
}

// NewNodeTable constructs an empty trunk peer table.
func NewNodeTable() *NodeTable {
	return &NodeTable{byNode: make(map[uint8]*npu.PCB)}
}

// Register binds pcb to the node it has negotiated with, once CONNECT
// completes.
func (t *NodeTable) Register(node uint8, pcb *npu.PCB) {
	if len(t.byNode) >= MaxTrunks {
		return
	}
	t.byNode[node] = pcb
}

// Lookup finds the trunk PCB for node, or nil.
func (t *NodeTable) Lookup(node uint8) *npu.PCB {
	return t.byNode[node]
}

// Unregister removes node's trunk entry.
func (t *NodeTable) Unregister(node uint8) {
	delete(t.byNode, node)
}

// HandleConnectRequest processes an inbound CONNECT line against conn,
// advancing its state and returning a status reply line, or nil if the
// request was malformed (the peer should be disconnected in that case).
func HandleConnectRequest(conn *Conn, localName string, localNode uint8, line string) []byte {
	req, ok := ParseConnect(line)
	if !ok {
		return nil
	}
	conn.PeerName = req.Name
	conn.PeerNode = req.LocalNode
	conn.LocalNode = localNode
	conn.State = StateConnected
	return EncodeStatusReply(StatusOK, localName, localNode, req.LocalNode, "connected")
}

// HandleConnectResponse processes a status reply to our own CONNECT
// request, completing the handshake.
func HandleConnectResponse(conn *Conn, line string) bool {
	reply, ok := ParseStatusReply(line)
	if !ok || reply.Code != StatusOK {
		return false
	}
	conn.PeerName = reply.Name
	conn.PeerNode = reply.LocalNode
	conn.State = StateConnected
	return true
}

// FrameBlock length-prefixes a relayed block for trunk transmission: a
// 2-byte big-endian length followed by the raw block bytes.
func FrameBlock(block []byte) []byte {
	out := make([]byte, 2+len(block))
	out[0] = byte(len(block) >> 8)
	out[1] = byte(len(block))
	copy(out[2:], block)
	return out
}

// ParseBlockLength reads the 2-byte length prefix, returning 0 if buf is
// too short to hold one.
func ParseBlockLength(buf []byte) int {
	if len(buf) < 2 {
		return 0
	}
	return int(buf[0])<<8 | int(buf[1])
}

// FeedTrunk runs one inbound byte through the trunk's handshake-then-relay
// state machine. Before the handshake completes it buffers a text line and
// runs it through HandleConnectRequest (passive side) or
// HandleConnectResponse (active side, conn.Active already set by the
// caller before the first byte arrives); handshakeReply carries a line to
// write back to the peer. Once conn.State is StateConnected, bytes feed a
// 2-byte-length-prefixed frame decoder and frame/hasFrame report a
// complete relayed block. malformed reports a handshake line that failed
// to parse, meaning the caller should disconnect the peer.
func (c *Conn) FeedTrunk(localName string, localNode uint8, b byte) (handshakeReply []byte, frame []byte, hasFrame bool, malformed bool) {
	if c.State != StateConnected {
		if b != '\n' {
			c.lineBuf = append(c.lineBuf, b)
			return nil, nil, false, false
		}
		line := string(c.lineBuf)
		c.lineBuf = c.lineBuf[:0]
		if c.Active {
			if !HandleConnectResponse(c, line) {
				return nil, nil, false, true
			}
			return nil, nil, false, false
		}
		reply := HandleConnectRequest(c, localName, localNode, line)
		if reply == nil {
			return nil, nil, false, true
		}
		return reply, nil, false, false
	}

	if !c.haveLen {
		c.lenBuf = append(c.lenBuf, b)
		if len(c.lenBuf) < 2 {
			return nil, nil, false, false
		}
		c.wantLen = ParseBlockLength(c.lenBuf)
		c.lenBuf = c.lenBuf[:0]
		c.haveLen = true
		if c.wantLen == 0 {
			c.haveLen = false
			return nil, []byte{}, true, false // zero-length block is a ping
		}
		return nil, nil, false, false
	}

	c.frameBuf = append(c.frameBuf, b)
	if len(c.frameBuf) < c.wantLen {
		return nil, nil, false, false
	}
	out := c.frameBuf
	c.frameBuf = nil
	c.haveLen = false
	return nil, out, true, false
}
