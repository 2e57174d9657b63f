package npu

import "net"

// ConnType identifies the wire protocol a CLA-port range speaks.
type ConnType int

const (
	ConnRaw ConnType = iota
	ConnPterm
	ConnRS232
	ConnTelnet
	ConnHasp
	ConnReverseHasp
	ConnNje
	ConnTrunk
	ConnCDCNet
	ConnDSA311
)

func (c ConnType) String() string {
	switch c {
	case ConnRaw:
		return "raw"
	case ConnPterm:
		return "pterm"
	case ConnRS232:
		return "rs232"
	case ConnTelnet:
		return "telnet"
	case ConnHasp:
		return "hasp"
	case ConnReverseHasp:
		return "reverse-hasp"
	case ConnNje:
		return "nje"
	case ConnTrunk:
		return "trunk"
	case ConnCDCNet:
		return "cdcnet"
	case ConnDSA311:
		return "dsa311"
	default:
		return "unknown"
	}
}

// NCBState is the coarse connection state of an NCB.
type NCBState int

const (
	NCBInit NCBState = iota
	NCBConnecting
	NCBConnected
	NCBBusy
)

// NCB is the Network Connection Control Block: one per configured
// listener or outbound trunk.
type NCB struct {
	TCPPort     int
	CLAPortBase int
	NumPorts    int
	ConnType    ConnType
	HostName    string
	ResolvedIP  net.IP
	PeerNode    uint8 // expected remote trunk node, LIP active-side CONNECT only

	Listener net.Listener // non-nil for passively-accepted connection types

	State             NCBState
	ConnectDeadline   int64 // unix nanos
	NextAttempt       int64 // unix nanos
	RetryIntervalSec  int
}

// CLAPortRange reports the inclusive range of CLA ports this NCB owns.
func (n *NCB) CLAPortRange() (lo, hi int) {
	return n.CLAPortBase, n.CLAPortBase + n.NumPorts - 1
}

// ProtoState is implemented by each protocol module's per-connection
// sub-state struct (async/HASP/NJE/LIP/CDCNet). It lets PCB hold an opaque
// per-protocol state without the npu package importing any protocol
// package, avoiding an import cycle.
type ProtoState interface {
	// Reset clears the sub-state back to its disconnected/idle shape. It
	// must not itself touch the socket; PCB.Close does that separately.
	Reset()
}

// PCB is the Port Control Block: one per configured CLA port.
type PCB struct {
	CLAPort int
	NCB     *NCB

	Conn net.Conn // nil when idle

	InBuf []byte // inbound raw-byte buffer, grown as needed

	Proto ProtoState

	// TCBCN is a weak back-reference to this PCB's TCB, resolved through
	// the TCB table by CN rather than an owning pointer.
	TCBCN uint8
}

// HasSocket reports whether this PCB currently owns a live socket.
func (p *PCB) HasSocket() bool { return p.Conn != nil }

// Close tears down the PCB's socket and resets its per-protocol state. It
// does not touch the TCB table; callers notify SVM separately.
func (p *PCB) Close() {
	if p.Conn != nil {
		_ = p.Conn.Close()
		p.Conn = nil
	}
	if p.Proto != nil {
		p.Proto.Reset()
	}
	p.InBuf = p.InBuf[:0]
	p.TCBCN = 0
}
