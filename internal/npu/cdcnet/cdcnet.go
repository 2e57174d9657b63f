// Package cdcnet implements the CDCNet gateway: TCP SAP/CEP virtualization
// over the NPU channel. It decodes the host's gateway command blocks
// (TCPOS/TCPCS/TCPAC/TCPPC/TCPACC/TCPA/TCPD/TCPSD), drives the matching
// socket operations, and emits upline connection/disconnect/error
// indications (TCPCI/TCPDI/TCPEI), with IP-address-class-aware encoding
// matching the real CDCNet TCP/IP gateway wire format.
package cdcnet

import (
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
)

// Gateway command block field offsets.
const (
	OffCmdName    = 5
	OffHeaderType = 12
	OffHeaderLen  = 13
	OffDataLen    = 15
	OffStatus     = 17
	OffTcpVersion = 19

	OffOpenSapUserSapID = 20
	OffOpenSapGwVersion = 24
	OffOpenSapTcpSapID  = 28
	OffCloseSapTcpSapID = 20
	OffAcceptTcpSapID   = 20
	OffAcceptUserCepID  = 28
	OffAcceptTcpCepID   = 35
	OffAcceptSrcAddr    = 50
	OffAcceptDstAddr    = 80
	OffConnectTcpSapID  = 20
	OffConnectUserCepID = 28
	OffConnectTcpCepID  = 35
	OffConnectSrcAddr   = 50
	OffConnectDstAddr   = 80
	OffDeliverTcpCepID  = 20
	OffCloseCepTcpCepID = 20
	OffStatusTcpCepID   = 20
)

// cmdNameLen is the width of the 7-character ASCII command-name field at
// OffCmdName.
const cmdNameLen = 7

// Downline gateway command names, read from OffCmdName.
const (
	CmdOpenSap     = "TCPOS"
	CmdCloseSap    = "TCPCS"
	CmdActiveConn  = "TCPAC"
	CmdPassiveConn = "TCPPC"
	CmdAccept      = "TCPACC"
	CmdAck         = "TCPA"
	CmdDisconnect  = "TCPD"
	CmdSendData    = "TCPSD"
)

// Upline indication names, written to OffCmdName.
const (
	IndConnInd    = "TCPCI"
	IndDisconnInd = "TCPDI"
	IndErrorInd   = "TCPEI"
)

// Gateway header-type values.
const (
	HTIndicationOrRequest = 0
	HTResponse            = 1
)

// TcpVersion is the gateway protocol version byte this emulator speaks.
const TcpVersion = 0x10

// ActiveConnectDeadline bounds how long an active connect may take before
// it is treated as failed.
const ActiveConnectDeadline = 60 * time.Second

// MaxUnackedBlocks is the upline flow-control credit window: no more than
// this many upline data blocks may be outstanding without a TCPA
// acknowledgement before the gateway pauses reading further socket data.
const MaxUnackedBlocks = 7

// PrivilegedPortOffset is added to passive-connect requests for ports
// below 1024, translating them into unprivileged host ports.
const PrivilegedPortOffset = 6600

// IP address field offsets within a relative gateway-encoded address
// structure.
const (
	relOffFieldsInUse = 0
	relOffAddrNetwork  = 1
	relOffAddrHost     = 4
	relOffPortInUse    = 15
	relOffPort         = 16
	addrStructLen      = relOffPort + 2
)

// GetIPAddress decodes a gateway-encoded class-aware IP address field.
func GetIPAddress(ap []byte) uint32 {
	inUse := ap[relOffFieldsInUse]
	var ipAddr uint32

	if inUse&0x40 != 0 {
		ipAddr = uint32(ap[relOffAddrNetwork])<<24 |
			uint32(ap[relOffAddrNetwork+1])<<16 |
			uint32(ap[relOffAddrNetwork+2])<<8
		if ipAddr&0xFFFF0000 == 0 {
			ipAddr <<= 16
		} else if ipAddr&0xFF000000 == 0 {
			ipAddr <<= 8
		}
	}

	switch {
	case ipAddr&0xC0000000 == 0xC0000000: // Class C
		ipAddr |= uint32(ap[relOffAddrHost+2])
	case ipAddr&0x80000000 != 0: // Class B
		ipAddr |= uint32(ap[relOffAddrHost+1])<<8 | uint32(ap[relOffAddrHost+2])
	default: // Class A
		ipAddr |= uint32(ap[relOffAddrHost])<<16 | uint32(ap[relOffAddrHost+1])<<8 | uint32(ap[relOffAddrHost+2])
	}
	return ipAddr
}

// SetIPAddress encodes ipAddr into ap's class-aware gateway address fields.
// ap must be at least 7 bytes (relOffAddrHost+3).
func SetIPAddress(ap []byte, ipAddr uint32) {
	ap[relOffFieldsInUse] |= 0xC0

	switch {
	case ipAddr&0xC0000000 == 0xC0000000: // Class C
		ap[relOffAddrNetwork] = byte(ipAddr >> 24)
		ap[relOffAddrNetwork+1] = byte(ipAddr >> 16)
		ap[relOffAddrNetwork+2] = byte(ipAddr >> 8)
		ap[relOffAddrHost] = 0
		ap[relOffAddrHost+1] = 0
		ap[relOffAddrHost+2] = byte(ipAddr)
	case ipAddr&0x80000000 != 0: // Class B
		ap[relOffAddrNetwork] = 0
		ap[relOffAddrNetwork+1] = byte(ipAddr >> 24)
		ap[relOffAddrNetwork+2] = byte(ipAddr >> 16)
		ap[relOffAddrHost] = 0
		ap[relOffAddrHost+1] = byte(ipAddr >> 8)
		ap[relOffAddrHost+2] = byte(ipAddr)
	default: // Class A
		ap[relOffAddrNetwork] = 0
		ap[relOffAddrNetwork+1] = 0
		ap[relOffAddrNetwork+2] = byte(ipAddr >> 24)
		ap[relOffAddrHost] = byte(ipAddr >> 16)
		ap[relOffAddrHost+1] = byte(ipAddr >> 8)
		ap[relOffAddrHost+2] = byte(ipAddr)
	}
}

// GetPort decodes a gateway-encoded port field, returning ok=false if the
// in-use bit is clear.
func GetPort(ap []byte) (port uint16, ok bool) {
	if ap[relOffPortInUse]&0x80 == 0 {
		return 0, false
	}
	return uint16(ap[relOffPort])<<8 | uint16(ap[relOffPort+1]), true
}

// SetPort encodes port into ap's gateway port field and sets the in-use
// bit.
func SetPort(ap []byte, port uint16) {
	ap[relOffPortInUse] |= 0x80
	ap[relOffPort] = byte(port >> 8)
	ap[relOffPort+1] = byte(port)
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func putBE16(b []byte, v uint16) {
	b[0] = byte(v >> 8)
	b[1] = byte(v)
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func cmdName(data []byte) string {
	return strings.TrimRight(string(data[OffCmdName:OffCmdName+cmdNameLen]), " ")
}

func putCmdName(data []byte, name string) {
	var field [cmdNameLen]byte
	for i := range field {
		field[i] = ' '
	}
	copy(field[:], name)
	copy(data[OffCmdName:OffCmdName+cmdNameLen], field[:])
}

func ipFromNetIP(ip net.IP) uint32 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func ipToString(ip uint32) string {
	return fmt.Sprintf("%d.%d.%d.%d", byte(ip>>24), byte(ip>>16), byte(ip>>8), byte(ip))
}

func applyPrivilegedOffset(port uint16) uint16 {
	if port != 0 && port < 1024 {
		return port + PrivilegedPortOffset
	}
	return port
}

// SapState is a SAP's (Service Access Point) lifecycle state.
type SapState int

const (
	SapClosed SapState = iota
	SapOpen
)

// Sap is a virtualized TCP listening endpoint the host has opened through
// the gateway.
type Sap struct {
	UserSapID int
	TcpSapID  int
	GwVersion uint32
	Port      uint16
	State     SapState
}

// GatewayState is a CEP's gateway-level (host-handshake) lifecycle state.
type GatewayState int

const (
	GwIdle GatewayState = iota
	GwStartingInit
	GwInitializing
	GwConnected
	GwInitiateTermination
	GwTerminating
	GwAwaitTermBlock
	GwError
)

// TcpState is a CEP's socket-level lifecycle state.
type TcpState int

const (
	TcpIdle TcpState = iota
	TcpConnecting
	TcpIndicatingConnection
	TcpListening
	TcpConnected
	TcpDisconnecting
)

// Cep is a virtualized TCP connection endpoint. Per "cepId equals
// ordinal" convention (an open question this module resolves), a Cep's
// TcpCepID is assigned as its index+1 in the owning Gateway's slice, so no
// separate ID allocator is needed.
type Cep struct {
	UserCepID int
	TcpCepID  int
	SapID     int

	Gateway GatewayState
	Tcp     TcpState

	LocalIP    uint32
	RemoteIP   uint32
	LocalPort  uint16
	RemotePort uint16
	TCBCN      uint8 // owning TCB, 0 until SVM configures one

	mu       sync.Mutex
	conn     net.Conn
	listener net.Listener
	outQueue [][]byte
	writing  bool
	unacked  int
	ackCh    chan struct{}
}

// Uplink is implemented by the top-level wiring to emit upline gateway
// blocks via BIP on the gateway's behalf.
type Uplink interface {
	SendUpline(buf *bufpool.Buffer)
}

// Gateway owns the SAP/CEP tables and live sockets for one CDCNet
// pseudo-node.
type Gateway struct {
	core   *npu.Core
	uplink Uplink

	mu   sync.Mutex
	Saps []*Sap
	Ceps []*Cep
}

// NewGateway constructs a gateway bound to core's buffer pool, emitting
// upline indications through uplink.
func NewGateway(core *npu.Core, uplink Uplink) *Gateway {
	return &Gateway{core: core, uplink: uplink}
}

// OpenSap registers a new SAP for userSapID listening on port.
func (g *Gateway) OpenSap(userSapID int, port uint16) *Sap {
	g.mu.Lock()
	defer g.mu.Unlock()
	sap := &Sap{UserSapID: userSapID, TcpSapID: len(g.Saps) + 1, Port: port, State: SapOpen}
	g.Saps = append(g.Saps, sap)
	return sap
}

// CloseSap marks the SAP with the given tcpSapID closed.
func (g *Gateway) CloseSap(tcpSapID int) {
	if s := g.SapByID(tcpSapID); s != nil {
		s.State = SapClosed
	}
}

// SapByID finds a SAP by its gateway-assigned tcpSapID, or nil.
func (g *Gateway) SapByID(tcpSapID int) *Sap {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.Saps {
		if s.TcpSapID == tcpSapID {
			return s
		}
	}
	return nil
}

// NewCep allocates a connection endpoint bound to sapID, assigning its
// TcpCepID as its ordinal (index+1) per the cepId==ordinal convention.
func (g *Gateway) NewCep(sapID, userCepID int) *Cep {
	g.mu.Lock()
	defer g.mu.Unlock()
	c := &Cep{
		UserCepID: userCepID, TcpCepID: len(g.Ceps) + 1, SapID: sapID,
		ackCh: make(chan struct{}, 1),
	}
	g.Ceps = append(g.Ceps, c)
	return c
}

// CepByID finds a connection endpoint by its gateway-assigned tcpCepID, or
// nil.
func (g *Gateway) CepByID(tcpCepID int) *Cep {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.Ceps {
		if c.TcpCepID == tcpCepID {
			return c
		}
	}
	return nil
}

// CloseCep tears down the socket (or listener) owned by tcpCepID and marks
// it terminating.
func (g *Gateway) CloseCep(tcpCepID int) {
	cep := g.CepByID(tcpCepID)
	if cep == nil {
		return
	}
	cep.mu.Lock()
	cep.Gateway = GwTerminating
	cep.Tcp = TcpDisconnecting
	conn := cep.conn
	ln := cep.listener
	cep.conn = nil
	cep.listener = nil
	cep.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
}

// ProcessCommand decodes one downline gateway command block and dispatches
// it to the matching handler, releasing buf once decoded (handlers that
// need to keep bytes around copy them out first).
func (g *Gateway) ProcessCommand(buf *bufpool.Buffer) {
	defer g.core.Pool.Release(buf)
	data := buf.Bytes()
	if len(data) < OffOpenSapUserSapID {
		logrus.Warnf("cdcnet: command block too short (%d bytes)", len(data))
		return
	}
	switch cmdName(data) {
	case CmdOpenSap:
		g.handleOpenSap(data)
	case CmdCloseSap:
		g.handleCloseSap(data)
	case CmdActiveConn:
		g.handleActiveConnect(data)
	case CmdPassiveConn:
		g.handlePassiveConnect(data)
	case CmdAccept:
		g.handleAccept(data)
	case CmdAck:
		g.handleAck(data)
	case CmdDisconnect:
		g.handleDisconnect(data)
	case CmdSendData:
		g.handleSendData(data)
	default:
		logrus.Warnf("cdcnet: unknown gateway command %q", cmdName(data))
	}
}

func (g *Gateway) handleOpenSap(data []byte) {
	userSapID := int(be32(data[OffOpenSapUserSapID:]))
	gwVersion := be32(data[OffOpenSapGwVersion:])

	sap := g.OpenSap(userSapID, 0)
	sap.GwVersion = gwVersion

	buf, reply := g.newUplineBuffer(CmdOpenSap, block.TypeMsg, 0)
	reply[OffHeaderType] = HTResponse
	putBE32(reply[OffOpenSapUserSapID:], uint32(userSapID))
	putBE32(reply[OffOpenSapGwVersion:], gwVersion)
	putBE32(reply[OffOpenSapTcpSapID:], uint32(sap.TcpSapID))
	headerLen := OffOpenSapTcpSapID + 4
	putBE16(reply[OffHeaderLen:], uint16(headerLen))
	buf.Count = headerLen
	g.uplink.SendUpline(buf)
}

func (g *Gateway) handleCloseSap(data []byte) {
	tcpSapID := int(be32(data[OffCloseSapTcpSapID:]))
	g.CloseSap(tcpSapID)
}

func (g *Gateway) handleActiveConnect(data []byte) {
	tcpSapID := int(be32(data[OffConnectTcpSapID:]))
	userCepID := int(be32(data[OffConnectUserCepID:]))
	dstIP := GetIPAddress(data[OffConnectDstAddr:])
	dstPort, _ := GetPort(data[OffConnectDstAddr:])

	cep := g.NewCep(tcpSapID, userCepID)
	cep.RemoteIP = dstIP
	cep.RemotePort = dstPort
	cep.Gateway = GwStartingInit
	cep.Tcp = TcpConnecting
	go g.runActiveConnect(cep)
}

func (g *Gateway) runActiveConnect(cep *Cep) {
	addr := net.JoinHostPort(ipToString(cep.RemoteIP), strconv.Itoa(int(cep.RemotePort)))
	conn, err := net.DialTimeout("tcp", addr, ActiveConnectDeadline)
	if err != nil {
		g.failCep(cep, err)
		return
	}
	g.completeConnect(cep, conn)
}

func (g *Gateway) handlePassiveConnect(data []byte) {
	tcpSapID := int(be32(data[OffConnectTcpSapID:]))
	userCepID := int(be32(data[OffConnectUserCepID:]))
	reqPort, _ := GetPort(data[OffConnectSrcAddr:])
	bindPort := applyPrivilegedOffset(reqPort)

	cep := g.NewCep(tcpSapID, userCepID)
	cep.LocalPort = bindPort
	cep.Gateway = GwStartingInit
	cep.Tcp = TcpListening
	go g.runPassiveListen(cep, bindPort)
}

func (g *Gateway) runPassiveListen(cep *Cep, port uint16) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		g.failCep(cep, err)
		return
	}
	cep.mu.Lock()
	cep.listener = ln
	if tcpAddr, ok := ln.Addr().(*net.TCPAddr); ok {
		cep.LocalPort = uint16(tcpAddr.Port)
	}
	cep.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		g.handleInboundAccept(cep, conn)
	}
}

func (g *Gateway) handleInboundAccept(listenCep *Cep, conn net.Conn) {
	cep := g.NewCep(listenCep.SapID, 0)
	cep.conn = conn
	cep.Gateway = GwInitializing
	cep.Tcp = TcpIndicatingConnection
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if local, ok := tcpConn.LocalAddr().(*net.TCPAddr); ok {
			cep.LocalIP, cep.LocalPort = ipFromNetIP(local.IP), uint16(local.Port)
		}
		if remote, ok := tcpConn.RemoteAddr().(*net.TCPAddr); ok {
			cep.RemoteIP, cep.RemotePort = ipFromNetIP(remote.IP), uint16(remote.Port)
		}
	}
	g.sendConnInd(cep)
}

func (g *Gateway) completeConnect(cep *Cep, conn net.Conn) {
	cep.mu.Lock()
	cep.conn = conn
	cep.Tcp = TcpConnected
	cep.Gateway = GwConnected
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if local, ok := tcpConn.LocalAddr().(*net.TCPAddr); ok {
			cep.LocalIP, cep.LocalPort = ipFromNetIP(local.IP), uint16(local.Port)
		}
	}
	cep.mu.Unlock()
	g.sendConnInd(cep)
	go g.readLoop(cep)
}

func (g *Gateway) handleAccept(data []byte) {
	tcpCepID := int(be32(data[OffAcceptTcpCepID:]))
	cep := g.CepByID(tcpCepID)
	if cep == nil {
		return
	}
	cep.mu.Lock()
	cep.Tcp = TcpConnected
	cep.Gateway = GwConnected
	conn := cep.conn
	cep.mu.Unlock()
	if conn != nil {
		go g.readLoop(cep)
	}
}

func (g *Gateway) handleAck(data []byte) {
	tcpCepID := int(be32(data[OffStatusTcpCepID:]))
	cep := g.CepByID(tcpCepID)
	if cep == nil {
		return
	}
	cep.mu.Lock()
	if cep.unacked > 0 {
		cep.unacked--
	}
	cep.mu.Unlock()
	select {
	case cep.ackCh <- struct{}{}:
	default:
	}
}

func (g *Gateway) handleDisconnect(data []byte) {
	tcpCepID := int(be32(data[OffCloseCepTcpCepID:]))
	g.CloseCep(tcpCepID)
}

func (g *Gateway) handleSendData(data []byte) {
	tcpCepID := int(be32(data[OffDeliverTcpCepID:]))
	if len(data) < OffHeaderLen+2 || len(data) < OffDataLen+2 {
		return
	}
	headerLen := int(be16(data[OffHeaderLen:]))
	dataLen := int(be16(data[OffDataLen:]))
	if headerLen <= 0 || headerLen+dataLen > len(data) {
		logrus.Warnf("cdcnet: %s headerLen/dataLen out of range (%d/%d)", CmdSendData, headerLen, dataLen)
		return
	}
	payload := append([]byte{}, data[headerLen:headerLen+dataLen]...)

	cep := g.CepByID(tcpCepID)
	if cep == nil {
		return
	}
	g.queueOutput(cep, payload)
}

func (g *Gateway) queueOutput(cep *Cep, payload []byte) {
	cep.mu.Lock()
	cep.outQueue = append(cep.outQueue, payload)
	alreadyWriting := cep.writing
	cep.writing = true
	conn := cep.conn
	cep.mu.Unlock()
	if !alreadyWriting && conn != nil {
		go g.drainOutput(cep)
	}
}

// drainOutput writes queued payloads to cep's socket; a short write
// re-queues the residual at the head of the queue, matching the module's
// general non-blocking-output idiom.
func (g *Gateway) drainOutput(cep *Cep) {
	for {
		cep.mu.Lock()
		if len(cep.outQueue) == 0 {
			cep.writing = false
			cep.mu.Unlock()
			return
		}
		next := cep.outQueue[0]
		cep.outQueue = cep.outQueue[1:]
		conn := cep.conn
		cep.mu.Unlock()

		if conn == nil {
			continue
		}
		n, err := conn.Write(next)
		if err != nil {
			g.handleSocketClosed(cep, err)
			return
		}
		if n < len(next) {
			rest := next[n:]
			cep.mu.Lock()
			cep.outQueue = append([][]byte{rest}, cep.outQueue...)
			cep.mu.Unlock()
		}
	}
}

// readLoop drains cep's socket, emitting each read as an upline data block
// and pausing once MaxUnackedBlocks are outstanding until a TCPA
// acknowledgement frees credit.
func (g *Gateway) readLoop(cep *Cep) {
	buf := make([]byte, bufpool.BlockSize-block.HeaderLen)
	for {
		n, err := cep.conn.Read(buf)
		if n > 0 {
			g.sendDataUpline(cep, buf[:n])
			cep.mu.Lock()
			overCredit := cep.unacked >= MaxUnackedBlocks
			cep.mu.Unlock()
			if overCredit {
				<-cep.ackCh
			}
		}
		if err != nil {
			g.handleSocketClosed(cep, err)
			return
		}
	}
}

func (g *Gateway) failCep(cep *Cep, err error) {
	cep.mu.Lock()
	cep.Gateway = GwError
	cep.Tcp = TcpDisconnecting
	cep.mu.Unlock()
	g.sendErrorInd(cep, err)
}

func (g *Gateway) handleSocketClosed(cep *Cep, err error) {
	cep.mu.Lock()
	alreadyTerminating := cep.Gateway == GwTerminating
	cep.Gateway = GwInitiateTermination
	cep.Tcp = TcpDisconnecting
	cep.mu.Unlock()
	if alreadyTerminating {
		return
	}
	if err == io.EOF {
		g.sendDisconnInd(cep)
	} else {
		g.sendErrorInd(cep, err)
	}
}

// newUplineBuffer allocates a buffer carrying a gateway command envelope
// (block header, command name, header type, version) for cn, leaving the
// caller to fill command-specific fields and buf.Count.
func (g *Gateway) newUplineBuffer(name string, bt block.Type, cn uint8) (*bufpool.Buffer, []byte) {
	buf := g.core.Pool.Get()
	data := buf.Data[:]
	block.Encode(data[:block.HeaderLen], block.Header{CN: cn, BT: bt})
	putCmdName(data, name)
	data[OffHeaderType] = HTIndicationOrRequest
	data[OffTcpVersion] = TcpVersion
	return buf, data
}

func (g *Gateway) sendConnInd(cep *Cep) {
	buf, data := g.newUplineBuffer(IndConnInd, block.TypeMsg, uint8(cep.TcpCepID))
	putBE32(data[OffAcceptUserCepID:], uint32(cep.UserCepID))
	putBE32(data[OffAcceptTcpCepID:], uint32(cep.TcpCepID))
	SetIPAddress(data[OffAcceptSrcAddr:], cep.LocalIP)
	SetPort(data[OffAcceptSrcAddr:], cep.LocalPort)
	SetIPAddress(data[OffAcceptDstAddr:], cep.RemoteIP)
	SetPort(data[OffAcceptDstAddr:], cep.RemotePort)
	headerLen := OffAcceptDstAddr + addrStructLen
	putBE16(data[OffHeaderLen:], uint16(headerLen))
	buf.Count = headerLen
	g.uplink.SendUpline(buf)
}

func (g *Gateway) sendDisconnInd(cep *Cep) {
	buf, data := g.newUplineBuffer(IndDisconnInd, block.TypeQMsg, uint8(cep.TcpCepID))
	putBE32(data[OffCloseCepTcpCepID:], uint32(cep.TcpCepID))
	headerLen := OffCloseCepTcpCepID + 4
	putBE16(data[OffHeaderLen:], uint16(headerLen))
	buf.Count = headerLen
	g.uplink.SendUpline(buf)
}

func (g *Gateway) sendErrorInd(cep *Cep, err error) {
	buf, data := g.newUplineBuffer(IndErrorInd, block.TypeQMsg, uint8(cep.TcpCepID))
	putBE32(data[OffCloseCepTcpCepID:], uint32(cep.TcpCepID))
	putBE16(data[OffStatus:], 1)
	headerLen := OffCloseCepTcpCepID + 4
	msg := []byte(err.Error())
	n := copy(data[headerLen:], msg)
	putBE16(data[OffDataLen:], uint16(n))
	buf.Count = headerLen + n
	g.uplink.SendUpline(buf)
}

func (g *Gateway) sendDataUpline(cep *Cep, payload []byte) {
	buf := g.core.Pool.Get()
	hdr := block.Header{CN: uint8(cep.TcpCepID), BT: block.TypeMsg}
	block.Encode(buf.Data[:block.HeaderLen], hdr)
	n := copy(buf.Data[block.HeaderLen:], payload)
	buf.Count = block.HeaderLen + n

	cep.mu.Lock()
	cep.unacked++
	cep.mu.Unlock()

	g.uplink.SendUpline(buf)
}
