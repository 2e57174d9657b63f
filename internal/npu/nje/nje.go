// Package nje implements the NJE TIP: TCP-framed record transmission
// between NJE nodes (BSC leaders, TTB/TTR framing, RCB/SRCB control
// records, passive/active connection state machines).
package nje

import (
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/internal/npu/tip"
)

// BSC leader bytes.
const (
	soh   = 0x01
	stx   = 0x02
	dle   = 0x10
	enq   = 0x2d
	syn   = 0x32
	nak   = 0x3d
	ack0  = 0x70
	blank = 0x40
)

// RCB identifies an NJE Record Control Block code.
type RCB uint8

const (
	RCBRTI           RCB = 0x90
	RCBPTI           RCB = 0xa0
	RCBDeny          RCB = 0xb0
	RCBTransComplete RCB = 0xc0
	RCBRTR           RCB = 0xd0
	RCBSeqErr        RCB = 0xe0
	RCBGCR           RCB = 0xf0
	RCBNJFTIPCommand RCB = 0xff
)

// SRCB identifies an NJE Secondary Record Control Block code.
type SRCB uint8

const (
	SRCBSignoff          SRCB = 0xc2
	SRCBInitialSignon    SRCB = 0xc9
	SRCBRespSignon       SRCB = 0xd1
	SRCBResetSignon      SRCB = 0xd2
	SRCBAcceptSignon     SRCB = 0xd3
	SRCBAddConnection    SRCB = 0xd4
	SRCBDeleteConnection SRCB = 0xd5
)

// TTB/TTR layout.
const (
	TtbLength   = 8
	TtbOffFlags = 0
	TtbOffLen   = 2

	TtrLength   = 4
	TtrOffFlags = 0
	TtrOffLen   = 2
)

// MaxUplineBlockSize bounds a single upline transfer block.
const MaxUplineBlockSize = 640

// leaderSYNCount is the number of SYN bytes prefixed onto every BSC leader
// before DLE-STX.
const leaderSYNCount = 2

// EncodeLeader builds the BSC leader (SYN SYN DLE STX) that precedes every
// NJE transmission block on the wire.
func EncodeLeader() []byte {
	leader := make([]byte, 0, leaderSYNCount+2)
	for i := 0; i < leaderSYNCount; i++ {
		leader = append(leader, syn)
	}
	return append(leader, dle, stx)
}

// SkipLeader advances past a BSC leader (SYN bytes, then DLE STX) at the
// front of buf, returning the remaining bytes. ok is false if buf does not
// begin with a valid leader.
func SkipLeader(buf []byte) (rest []byte, ok bool) {
	i := 0
	for i < len(buf) && buf[i] == syn {
		i++
	}
	if i+1 >= len(buf) || buf[i] != dle || buf[i+1] != stx {
		return nil, false
	}
	return buf[i+2:], true
}

// PollSequence builds the SOH-ENQ idle poll sent when a connection has
// nothing queued to transmit.
func PollSequence() []byte {
	return []byte{soh, enq}
}

// AckSequence builds the DLE-ACK0 positive acknowledgement sent after a
// successfully received block.
func AckSequence() []byte {
	return []byte{dle, ack0}
}

// NakSequence builds the SYN-NAK negative acknowledgement sent on a
// framing or checksum error.
func NakSequence() []byte {
	return []byte{syn, nak}
}

// padByte is the EBCDIC blank used to pad a short final record to the
// configured transmission block size.
const padByte = blank

// PadRecord pads rec to length n with EBCDIC blanks, leaving it unchanged
// if already at least n bytes long.
func PadRecord(rec []byte, n int) []byte {
	if len(rec) >= n {
		return rec
	}
	out := make([]byte, n)
	copy(out, rec)
	for i := len(rec); i < n; i++ {
		out[i] = padByte
	}
	return out
}

// ConnState is the passive/active NJE connection state machine.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateOpenSent
	StateOpenReceived
	StateActive
	StateSignoffSent
)

// Conn is the per-connection NJE state. It implements npu.ProtoState.
type Conn struct {
	State    ConnState
	LocalID  string
	RemoteID string
	BSN      uint8
}

var _ npu.ProtoState = (*Conn)(nil)

// Reset clears the connection back to disconnected.
func (c *Conn) Reset() { *c = Conn{} }

// EncodeTTB writes an 8-byte Transmission-To-Bisync header for a payload
// of the given length.
func EncodeTTB(length int) []byte {
	b := make([]byte, TtbLength)
	b[TtbOffFlags] = 0
	b[TtbOffLen] = byte(length >> 8)
	b[TtbOffLen+1] = byte(length)
	return b
}

// DecodeTTBLength reads the payload length from an 8-byte TTB header.
func DecodeTTBLength(b []byte) int {
	if len(b) < TtbLength {
		return 0
	}
	return int(b[TtbOffLen])<<8 | int(b[TtbOffLen+1])
}

// EncodeTTR writes a 4-byte Transmission-To-Record header for a record of
// the given length.
func EncodeTTR(length int) []byte {
	b := make([]byte, TtrLength)
	b[TtrOffFlags] = 0
	b[TtrOffLen] = byte(length >> 8)
	b[TtrOffLen+1] = byte(length)
	return b
}

// DecodeTTRLength reads the record length from a 4-byte TTR header.
func DecodeTTRLength(b []byte) int {
	if len(b) < TtrLength {
		return 0
	}
	return int(b[TtrOffLen])<<8 | int(b[TtrOffLen+1])
}

// EncodeOpen builds an Initial-Signon SRCB record announcing localID to a
// peer OPEN control record.
func EncodeOpen(localID string) []byte {
	rec := make([]byte, 2, 2+len(localID))
	rec[0] = byte(RCBGCR)
	rec[1] = byte(SRCBInitialSignon)
	rec = append(rec, []byte(localID)...)
	return rec
}

// EncodeAck builds an Accept-Signon SRCB reply.
func EncodeAck() []byte {
	return []byte{byte(RCBGCR), byte(SRCBAcceptSignon)}
}

// EncodeNak builds a Reset-Signon SRCB reply, used to refuse a signon.
func EncodeNak() []byte {
	return []byte{byte(RCBGCR), byte(SRCBResetSignon)}
}

// DecodeControl reports the RCB/SRCB pair at the front of a control record,
// and whether the record is long enough to hold them.
func DecodeControl(rec []byte) (rcb RCB, srcb SRCB, ok bool) {
	if len(rec) < 2 {
		return 0, 0, false
	}
	return RCB(rec[0]), SRCB(rec[1]), true
}

// HandleControl advances c's state machine on a decoded general-control
// (signon/signoff) record and returns a reply record to send back to the
// peer, if any.
func HandleControl(c *Conn, rec []byte) (reply []byte) {
	rcb, srcb, ok := DecodeControl(rec)
	if !ok || rcb != RCBGCR {
		return nil
	}
	switch srcb {
	case SRCBInitialSignon:
		c.RemoteID = string(rec[2:])
		if c.State == StateDisconnected || c.State == StateOpenSent {
			c.State = StateActive
			return EncodeAck()
		}
		return EncodeNak()
	case SRCBAcceptSignon:
		if c.State == StateOpenSent {
			c.State = StateActive
		}
	case SRCBResetSignon:
		c.State = StateDisconnected
	case SRCBSignoff:
		c.State = StateDisconnected
	}
	return nil
}

// Link-level control-record layout (§6): an 8-byte type field followed by
// RHOST/RIP/OHOST/OIP/R, 33 bytes total. This is the outer NJE/TCP OPEN/
// ACK/NAK handshake that precedes the inner RCB/SRCB signon exchanged once
// the link is up.
const (
	linkTypeLen   = 8
	hostFieldLen  = 8
	LinkRecordLen = linkTypeLen + hostFieldLen + 4 + hostFieldLen + 4 + 1

	linkOffType  = 0
	linkOffRHost = linkOffType + linkTypeLen
	linkOffRIP   = linkOffRHost + hostFieldLen
	linkOffOHost = linkOffRIP + 4
	linkOffOIP   = linkOffOHost + hostFieldLen
	linkOffR     = linkOffOIP + 4
)

// NAK reason codes (§4.8).
const (
	NakNoSuchLink          byte = 1
	NakLinkActive          byte = 2
	NakAttemptingActiveOpen byte = 3
	NakTemporaryFailure    byte = 4
)

// LinkRecord is a decoded OPEN/ACK/NAK control record.
type LinkRecord struct {
	Type  string
	RHost string
	RIP   uint32
	OHost string
	OIP   uint32
	R     byte
}

func padHost(s string) []byte {
	b := make([]byte, hostFieldLen)
	for i := range b {
		b[i] = blank
	}
	copy(b, s)
	return b
}

func trimHost(b []byte) string {
	i := len(b)
	for i > 0 && (b[i-1] == blank || b[i-1] == 0) {
		i--
	}
	return string(b[:i])
}

// encodeLinkRecord packs typ/rhost/rip/ohost/oip/r into a 33-byte control
// record per the §6 wire layout.
func encodeLinkRecord(typ, rhost string, rip uint32, ohost string, oip uint32, r byte) []byte {
	b := make([]byte, LinkRecordLen)
	copy(b[linkOffType:], padHost(typ))
	copy(b[linkOffRHost:], padHost(rhost))
	b[linkOffRIP] = byte(rip >> 24)
	b[linkOffRIP+1] = byte(rip >> 16)
	b[linkOffRIP+2] = byte(rip >> 8)
	b[linkOffRIP+3] = byte(rip)
	copy(b[linkOffOHost:], padHost(ohost))
	b[linkOffOIP] = byte(oip >> 24)
	b[linkOffOIP+1] = byte(oip >> 16)
	b[linkOffOIP+2] = byte(oip >> 8)
	b[linkOffOIP+3] = byte(oip)
	b[linkOffR] = r
	return b
}

// EncodeLinkOpen builds an OPEN control record.
func EncodeLinkOpen(rhost string, rip uint32, ohost string, oip uint32) []byte {
	return encodeLinkRecord("OPEN", rhost, rip, ohost, oip, 0)
}

// EncodeLinkAck builds an ACK control record replying to rec, with
// RHOST/OHOST swapped per the §8 scenario 2 convention.
func EncodeLinkAck(rec LinkRecord) []byte {
	return encodeLinkRecord("ACK", rec.OHost, rec.OIP, rec.RHost, rec.RIP, 0)
}

// EncodeLinkNak builds a NAK control record carrying reason.
func EncodeLinkNak(rec LinkRecord, reason byte) []byte {
	return encodeLinkRecord("NAK", rec.OHost, rec.OIP, rec.RHost, rec.RIP, reason)
}

// DecodeLinkRecord unpacks a 33-byte OPEN/ACK/NAK control record.
func DecodeLinkRecord(b []byte) (rec LinkRecord, ok bool) {
	if len(b) < LinkRecordLen {
		return LinkRecord{}, false
	}
	rec.Type = trimHost(b[linkOffType : linkOffType+linkTypeLen])
	rec.RHost = trimHost(b[linkOffRHost : linkOffRHost+hostFieldLen])
	rec.RIP = uint32(b[linkOffRIP])<<24 | uint32(b[linkOffRIP+1])<<16 | uint32(b[linkOffRIP+2])<<8 | uint32(b[linkOffRIP+3])
	rec.OHost = trimHost(b[linkOffOHost : linkOffOHost+hostFieldLen])
	rec.OIP = uint32(b[linkOffOIP])<<24 | uint32(b[linkOffOIP+1])<<16 | uint32(b[linkOffOIP+2])<<8 | uint32(b[linkOffOIP+3])
	rec.R = b[linkOffR]
	return rec, true
}

// LinkState tracks whether this side is attempting an active OPEN and
// whether the link is already live, for HandleLinkOpen's conflict rules.
type LinkState struct {
	ActiveOpenPending bool
	Live              bool
}

// HandleLinkOpen applies the §4.8 OPEN conflict rules to an inbound OPEN
// record and returns the reply to send (ACK or NAK).
func HandleLinkOpen(ls *LinkState, rec LinkRecord) []byte {
	switch {
	case ls.ActiveOpenPending:
		return EncodeLinkNak(rec, NakAttemptingActiveOpen)
	case ls.Live:
		return EncodeLinkNak(rec, NakLinkActive)
	default:
		ls.Live = true
		return EncodeLinkAck(rec)
	}
}

// SCB (String Control Byte) compression (§6): a compressed-run record is
// 0x80|0x20|count (0xA0|count, count in 1..scbMaxRun) followed by the
// repeated byte; a literal record is 0xC0|count (count in 1..scbMaxLiteral)
// followed by count literal bytes; 0x00 marks end-of-record.
const (
	scbRunTag     = 0xA0
	scbRunMask    = 0xE0
	scbLiteralTag = 0xC0
	scbLiteralMask = 0xC0
	scbEnd        = 0x00
	scbMaxRun     = 0x1F
	scbMaxLiteral = 0x3F
)

// ScbEncode compresses s into SCB-coded records terminated by an
// end-of-record byte.
func ScbEncode(s []byte) []byte {
	out := make([]byte, 0, len(s)+2)
	i := 0
	for i < len(s) {
		j := i + 1
		for j < len(s) && s[j] == s[i] && j-i < scbMaxRun {
			j++
		}
		if j-i >= 2 {
			out = append(out, byte(scbRunTag|(j-i)), s[i])
			i = j
			continue
		}
		k := i
		for k < len(s) && k-i < scbMaxLiteral {
			if k+1 < len(s) && s[k+1] == s[k] {
				break
			}
			k++
		}
		if k == i {
			k = i + 1
		}
		out = append(out, byte(scbLiteralTag|(k-i)))
		out = append(out, s[i:k]...)
		i = k
	}
	out = append(out, scbEnd)
	return out
}

// ScbDecode expands an SCB-coded record back to its literal bytes, stopping
// at the first end-of-record byte (or the end of enc).
func ScbDecode(enc []byte) []byte {
	out := make([]byte, 0, len(enc))
	i := 0
	for i < len(enc) {
		b := enc[i]
		if b == scbEnd {
			break
		}
		switch {
		case b&scbRunMask == scbRunTag:
			count := int(b & scbMaxRun)
			if i+1 >= len(enc) {
				return out
			}
			ch := enc[i+1]
			for n := 0; n < count; n++ {
				out = append(out, ch)
			}
			i += 2
		case b&scbLiteralMask == scbLiteralTag:
			count := int(b & scbMaxLiteral)
			if i+1+count > len(enc) {
				return out
			}
			out = append(out, enc[i+1:i+1+count]...)
			i += 1 + count
		default:
			i++
		}
	}
	return out
}

// Nje is the TIP module for the Nje connection type dispatch
// table row "NJE".
type Nje struct {
	tip *tip.TIP
}

// New constructs an Nje module bound to tip for upline block emission.
func New(t *tip.TIP) *Nje {
	return &Nje{tip: t}
}

// NotifyConnect marks the TCB as a batch device pending signon.
func (n *Nje) NotifyConnect(tcb *npu.TCB) {
	tcb.Device = npu.DeviceBatch
}

// NotifyDisconnect is a no-op; NJE connection state lives on the Conn, not
// the TCB.
func (n *Nje) NotifyDisconnect(tcb *npu.TCB) {}

// NotifyBlockAck advances the NJE block sequence on acknowledgement.
func (n *Nje) NotifyBlockAck(tcb *npu.TCB) {
	tcb.UplineBSN = (tcb.UplineBSN + 1) & 0x07
}

// ProcessUplineData forwards a reframed NJE record to TIP's upline path.
func (n *Nje) ProcessUplineData(tcb *npu.TCB, buf *bufpool.Buffer) {
	n.tip.ProcessBlock(buf)
}

var _ tip.Module = (*Nje)(nil)
