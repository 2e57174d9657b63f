// Package async implements the Async TIP: a Telnet option-negotiation state
// machine driving upline/downline conversion for character-mode terminals.
package async

import (
	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/internal/npu/tip"
)

// Telnet protocol elements.
const (
	iac       = 255
	telDont   = 254
	telDo     = 253
	telWont   = 252
	telWill   = 251
	telSB     = 250
	telGA     = 249
	eraseLine = 248
	eraseChar = 247
	ayt       = 246
	abtOutput = 245
	interrupt = 244
	brk       = 243
	dataMark  = 242
	noOp      = 241
	telSE     = 240

	optBinary   = 0
	optEcho     = 1
	optSGA      = 3
	optMsgSize  = 4
	optStatus   = 5
	optLineMode = 34
)

// negState is the seven-state Telnet input machine of.
type negState int

const (
	stData negState = iota
	stIAC
	stWill
	stWont
	stDo
	stDont
	stSB
)

// Conn holds one connection's Telnet/async per-TCB state. It implements
// npu.ProtoState so it can be parked on a PCB without an import cycle.
type Conn struct {
	state    negState
	peerEcho bool // true once the client has accepted WILL ECHO

	// transparent-mode timing/escape state.
	transparentArmed bool
}

// Reset clears negotiation state back to data mode. It satisfies
// npu.ProtoState.
func (c *Conn) Reset() {
	*c = Conn{}
}

var _ npu.ProtoState = (*Conn)(nil)

// Async is the TIP module for Raw/Pterm/RS232/Telnet connection types,
// dispatch table row "async".
type Async struct {
	tip *tip.TIP
}

// New constructs an Async module bound to tip for upline block emission.
func New(t *tip.TIP) *Async {
	return &Async{tip: t}
}

// NotifyConnect is a no-op for async. The WILL ECHO + WILL SGA offer
// (OptionOffer) is written by the telnet entry's Connect hook in the
// dispatch table, once the socket becomes usable.
func (a *Async) NotifyConnect(tcb *npu.TCB) {}

// NotifyDisconnect is a no-op for async; TCB teardown is handled by TIP.
func (a *Async) NotifyDisconnect(tcb *npu.TCB) {}

// NotifyBlockAck advances flow control on an acknowledged upline block. No
// credit scheme is modeled for async beyond XOFF, so this is a no-op.
func (a *Async) NotifyBlockAck(tcb *npu.TCB) {}

// ProcessUplineData is unused for Async; downline-to-host traffic is staged
// through SendUpline/FeedInput as bytes are typed, not as whole blocks
// received from the host. It satisfies tip.Module for registration.
func (a *Async) ProcessUplineData(tcb *npu.TCB, buf *bufpool.Buffer) {
	a.tip.ProcessBlock(buf)
}

var _ tip.Module = (*Async)(nil)

// OptionOffer renders the WILL ECHO, WILL SGA bytes sent once on
// terminal-connect for Telnet connection types.
func OptionOffer() []byte {
	return []byte{iac, telWill, optEcho, iac, telWill, optSGA}
}

// IAC is the Telnet command-introducer byte, exported so callers framing
// downline data know which byte needs doubling.
const IAC = iac

// FeedTelnet runs one inbound byte through the seven-state Telnet machine.
// It returns the plain data byte and true if one was produced (option
// negotiation bytes are consumed, not surfaced), plus any reply bytes that
// must be written back to the peer.
func FeedTelnet(c *Conn, b byte) (data byte, hasData bool, reply []byte) {
	switch c.state {
	case stData:
		if b == iac {
			c.state = stIAC
			return 0, false, nil
		}
		return b, true, nil

	case stIAC:
		switch b {
		case iac:
			c.state = stData
			return iac, true, nil
		case telWill:
			c.state = stWill
		case telWont:
			c.state = stWont
		case telDo:
			c.state = stDo
		case telDont:
			c.state = stDont
		case telSB:
			c.state = stSB
		case ayt, eraseLine, eraseChar, abtOutput, interrupt, brk, dataMark, noOp, telGA, telSE:
			c.state = stData
		default:
			c.state = stData
		}
		return 0, false, nil

	case stWill:
		c.state = stData
		if b == optEcho {
			c.peerEcho = true
		}
		return 0, false, []byte{iac, telDo, b}

	case stWont:
		c.state = stData
		return 0, false, []byte{iac, telDont, b}

	case stDo:
		c.state = stData
		if b == optEcho || b == optSGA {
			return 0, false, []byte{iac, telWill, b}
		}
		return 0, false, []byte{iac, telWont, b}

	case stDont:
		c.state = stData
		return 0, false, []byte{iac, telWont, b}

	case stSB:
		if b == telSE {
			c.state = stData
		}
		return 0, false, nil
	}

	logrus.Warnf("async: telnet machine fell through in state %d", c.state)
	c.state = stData
	return 0, false, nil
}

// RenderDownlineEffector maps a leading format-effector byte to the cursor
// motion it requests downline table. ok is false for a byte
// that is not a recognized effector (the whole payload is then data, not a
// prefixed effector).
func RenderDownlineEffector(b byte) (prefix []byte, ok bool) {
	switch b {
	case ' ':
		return []byte{'\r', '\n'}, true // single space: CRLF then record
	case '0':
		return []byte{'\r', '\n', '\n'}, true // double space
	case '-':
		return []byte{'\r', '\n', '\n', '\n'}, true // triple space
	case '+':
		return nil, true // beginning of line, no line feed
	case '*':
		return []byte{'\f'}, true // form feed / ANSI cursor-home
	case '1':
		return []byte{'\f'}, true // clear-home, aliased to form feed
	case ',':
		return nil, true // no-move
	default:
		return nil, false
	}
}

// TrailingEffector maps a trailing format-effector byte to bytes appended
// after the record.
func TrailingEffector(b byte) (suffix []byte, ok bool) {
	switch b {
	case '.':
		return []byte{'\r'}, true
	case '/':
		return []byte{'\r', '\n'}, true
	default:
		return nil, false
	}
}

// ApplyEOLCursorPos appends the configured cursor-positioning bytes after a
// normal-mode EOL.
func ApplyEOLCursorPos(pos npu.EOLCursorPos, out []byte) []byte {
	switch pos {
	case npu.EOLCR:
		return append(out, '\r')
	case npu.EOLLF:
		return append(out, '\n')
	case npu.EOLCRLF:
		return append(out, '\r', '\n')
	default:
		return out
	}
}

// Backspace renders a backspace/erase, with a bell when the cursor is
// already at start-of-line.
func Backspace(atLineStart bool) []byte {
	if atLineStart {
		return []byte{'\a'}
	}
	return []byte{'\b', ' ', '\b'}
}

// block type reexported for callers that need BlkHTBLK/BlkHTMSG without
// importing block directly.
var (
	BlkData    = block.TypeBlk
	BlkMessage = block.TypeMsg
)
