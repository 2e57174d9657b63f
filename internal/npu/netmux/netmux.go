// Package netmux owns every socket the NPU emulator holds: one listener per
// configured TCP port for passively-accepted connection types, and one
// per-PCB socket for active/accepted connections. Instrumented
// connection wrapping is adapted from the teacher's sockstats.go/wrap.go
// pair (merged into a single lineage here, since they differed only in
// field naming) and reports through pkg/tcpinfo.
package netmux

import (
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/pkg/tcpinfo"
)

// SockEvent identifies a socket lifecycle event reported by a tracked
// connection, the teacher's SockStatsOpen/SockStatsClose pair generalized
// to an exported enum.
type SockEvent int

const (
	EventOpen SockEvent = iota
	EventClose
)

// ReportFn receives a lifecycle event for a tracked connection.
type ReportFn func(c *TrackedConn, event SockEvent)

// TrackedConn wraps a net.Conn with byte/timestamp counters and, where the
// platform supports it, TCP_INFO snapshots taken on open and close — the
// teacher's wrap.go Conn, adapted from reporting generic stats to driving
// netmux's per-PCB accounting.
type TrackedConn struct {
	net.Conn

	report ReportFn

	OpenedAt  int64
	ClosedAt  int64
	FirstRxAt int64
	FirstTxAt int64
	RxBytes   int64
	TxBytes   int64
	RxErr     error
	TxErr     error

	OpenedInfo *tcpinfo.Info
	ClosedInfo *tcpinfo.Info

	supportsInfo bool
}

// WrapConn instruments ncon and immediately reports an EventOpen.
func WrapConn(ncon net.Conn, report ReportFn) *TrackedConn {
	w := &TrackedConn{
		Conn:         ncon,
		report:       report,
		OpenedAt:     time.Now().UnixNano(),
		supportsInfo: tcpinfo.Supported(),
	}
	w.gatherAndReport(EventOpen)
	return w
}

func (w *TrackedConn) gatherAndReport(event SockEvent) {
	if w.report != nil {
		defer w.report(w, event)
	}
	if !w.supportsInfo {
		return
	}
	tcpConn, ok := w.Conn.(*net.TCPConn)
	if !ok {
		return
	}
	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return
	}
	var sysInfo *tcpinfo.SysInfo
	ctlErr := rawConn.Control(func(fd uintptr) {
		sysInfo, err = tcpinfo.GetTCPInfo(fd)
	})
	if ctlErr != nil || err != nil {
		return
	}
	if event == EventOpen {
		w.OpenedInfo = sysInfo.ToInfo()
	} else {
		w.ClosedInfo = sysInfo.ToInfo()
	}
}

// Close reports an EventClose before closing the underlying connection.
func (w *TrackedConn) Close() error {
	w.ClosedAt = time.Now().UnixNano()
	w.gatherAndReport(EventClose)
	return w.Conn.Close()
}

// Read tracks received bytes and the first-byte timestamp.
func (w *TrackedConn) Read(b []byte) (int, error) {
	n, err := w.Conn.Read(b)
	if err == nil && n > 0 && w.FirstRxAt == 0 {
		w.FirstRxAt = time.Now().UnixNano()
	}
	w.RxBytes += int64(n)
	if nerr, ok := err.(net.Error); ok && !nerr.Timeout() {
		w.RxErr = err
	}
	return n, err
}

// Write tracks sent bytes and the first-byte timestamp.
func (w *TrackedConn) Write(b []byte) (int, error) {
	n, err := w.Conn.Write(b)
	if err == nil && n > 0 && w.FirstTxAt == 0 {
		w.FirstTxAt = time.Now().UnixNano()
	}
	w.TxBytes += int64(n)
	if nerr, ok := err.(net.Error); ok && !nerr.Timeout() {
		w.TxErr = err
	}
	return n, err
}

// RegisterResult is the outcome of registering a connection type.
type RegisterResult int

const (
	RegOk RegisterResult = iota
	RegDupTCP
	RegDupCLA
	RegOvfl
	RegNoMem
)

// Mux owns every NCB (listening port or outbound trunk definition) and PCB
// (per-port socket slot) configured for the emulator.
type Mux struct {
	core *npu.Core
	ncbs []*npu.NCB
	pcbs []*npu.PCB
}

// NewMux constructs an empty multiplexer bound to core.
func NewMux(core *npu.Core) *Mux {
	return &Mux{core: core}
}

// RegisterConnType registers an NCB spanning [claPortStart, claPortStart+numPorts)
// on tcpPort. Duplicate TCP ports are only allowed for NJE and
// LIP (Trunk); CLA-port spans must not overlap any existing NCB.
func (m *Mux) RegisterConnType(tcpPort, claPortStart, numPorts int, connType npu.ConnType, hostName string) RegisterResult {
	if numPorts <= 0 {
		return RegNoMem
	}
	for _, n := range m.ncbs {
		if n.TCPPort == tcpPort && connType != npu.ConnNje && connType != npu.ConnTrunk {
			return RegDupTCP
		}
		lo, hi := n.CLAPortRange()
		newHi := claPortStart + numPorts - 1
		if claPortStart <= hi && newHi >= lo {
			return RegDupCLA
		}
	}
	if len(m.pcbs)+numPorts > npu.MaxTcbs {
		return RegOvfl
	}

	ncb := &npu.NCB{
		TCPPort: tcpPort, CLAPortBase: claPortStart, NumPorts: numPorts,
		ConnType: connType, HostName: hostName, State: npu.NCBInit,
	}
	m.ncbs = append(m.ncbs, ncb)
	for i := 0; i < numPorts; i++ {
		m.pcbs = append(m.pcbs, &npu.PCB{CLAPort: claPortStart + i, NCB: ncb})
	}
	return RegOk
}

// NCBs returns every registered NCB, for callers that need to map a
// listener back to the NCB that owns it.
func (m *Mux) NCBs() []*npu.NCB { return m.ncbs }

// PCBByCLAPort finds the PCB owning claPort, or nil.
func (m *Mux) PCBByCLAPort(claPort int) *npu.PCB {
	for _, p := range m.pcbs {
		if p.CLAPort == claPort {
			return p
		}
	}
	return nil
}

// FreePCBInRange returns an idle PCB within the NCB's CLA-port range, or if
// shared is true (NJE/Trunk), any idle PCB sharing the NCB's listening TCP
// port across NCBs accept-time port selection.
func (m *Mux) FreePCBInRange(ncb *npu.NCB, shared bool) *npu.PCB {
	lo, hi := ncb.CLAPortRange()
	for _, p := range m.pcbs {
		if !p.HasSocket() && p.CLAPort >= lo && p.CLAPort <= hi {
			return p
		}
	}
	if !shared {
		return nil
	}
	for _, p := range m.pcbs {
		if !p.HasSocket() && p.NCB != nil && p.NCB.TCPPort == ncb.TCPPort {
			return p
		}
	}
	return nil
}

// Listeners starts one net.Listener per distinct TCP port among the
// registered NCBs, skipping CDCNet NCBs; NCBs that share a TCP port (NJE,
// Trunk) share its listener. NCBs with a HostName are not skipped: they get
// a listener on their TCP port like any other.
func (m *Mux) Listeners() ([]net.Listener, error) {
	var listeners []net.Listener
	byPort := make(map[int]*net.TCPListener)
	for _, ncb := range m.ncbs {
		if ncb.ConnType == npu.ConnCDCNet {
			continue
		}
		if ln, ok := byPort[ncb.TCPPort]; ok {
			ncb.Listener = ln
			continue
		}
		addr := &net.TCPAddr{Port: ncb.TCPPort}
		ln, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return listeners, err
		}
		ncb.Listener = ln
		byPort[ncb.TCPPort] = ln
		listeners = append(listeners, ln)
	}
	return listeners, nil
}

// Accept assigns an accepted socket to a free PCB in ncb's range, applying
// SO_KEEPALIVE. It returns nil if no PCB is available, in
// which case the caller must send "no free ports" and close conn.
func (m *Mux) Accept(ncb *npu.NCB, conn net.Conn, report ReportFn) *npu.PCB {
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetKeepAlive(true); err != nil {
			logrus.Debugf("netmux: SetKeepAlive failed: %v", err)
		}
	}
	shared := ncb.ConnType == npu.ConnNje || ncb.ConnType == npu.ConnTrunk
	pcb := m.FreePCBInRange(ncb, shared)
	if pcb == nil {
		return nil
	}
	pcb.Conn = WrapConn(conn, report)
	return pcb
}

// DialOutbound opens an outbound connection for a Trunk or Reverse-HASP
// NCB/§4.9; the dial blocks for at most timeout.
func DialOutbound(hostName string, port int, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", net.JoinHostPort(hostName, strconv.Itoa(port)), timeout)
}
