// Package svm implements the Service Message protocol: the NPU↔host
// supervisory dialogue that regulates link availability and drives
// terminal configure/connect/disconnect.
package svm

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
)

// State is SVM's connection-management state machine.
type State int

const (
	StateIdle State = iota
	StateWaitSupervision
	StateReady
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitSupervision:
		return "waitSupervision"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// csAvailableMask is the regulation-level bit meaning "channel service
// available".
const csAvailableMask = 0x0c

// NPUStatus carries the CCP identity rendered into PfcNPS/SfcNP replies:
// CCP version/level and the node's configured name.
type NPUStatus struct {
	CCPVersion uint8
	CCPLevel   uint8
	NodeName   string
}

// TIPNotifier is implemented by the TIP layer to receive connection
// lifecycle events SVM drives.
type TIPNotifier interface {
	NotifyHostConnected(tcb *npu.TCB)
	NotifyDisconnect(tcb *npu.TCB)
	FreeTCB(tcb *npu.TCB)
	// ApplyClassDefaults loads per-terminal-class defaults then FN/FV
	// overrides into tcb.Params.
	ApplyClassDefaults(tcb *npu.TCB, fnfv []byte)
}

// Uplink is implemented by the top-level wiring to emit upline blocks
// (via BIP.RequestUplineTransfer) on SVM's behalf.
type Uplink interface {
	SendUpline(buf *bufpool.Buffer)
}

// SVM holds the regulation/connection-management state machine.
type SVM struct {
	core   *npu.Core
	uplink Uplink
	tip    TIPNotifier
	node   Nodes
	status NPUStatus

	state        State
	lastRegLevel int
}

// Nodes identifies SVM's own node addresses for composing block headers.
type Nodes struct {
	CouplerNode uint8
	NPUNode     uint8
}

// New constructs an SVM instance.
func New(core *npu.Core, uplink Uplink, tip TIPNotifier, nodes Nodes, status NPUStatus) *SVM {
	return &SVM{core: core, uplink: uplink, tip: tip, node: nodes, status: status, state: StateIdle, lastRegLevel: -1}
}

// IsReady reports whether the regulation handshake completed.
func (s *SVM) IsReady() bool { return s.state == StateReady }

// State returns SVM's current state.
func (s *SVM) State() State { return s.state }

func (s *SVM) newUplineCmd(pfc block.PFC, sfc block.SFC, extra ...byte) *bufpool.Buffer {
	buf := s.core.Pool.Get()
	hdr := block.Header{DN: s.node.CouplerNode, SN: s.node.NPUNode, CN: 0, BT: block.TypeCmd}
	block.Encode(buf.Data[:block.HeaderLen], hdr)
	buf.Data[block.OffsetPFC] = byte(pfc)
	buf.Data[block.OffsetSFC] = byte(sfc)
	n := copy(buf.Data[block.OffsetP3:], extra)
	buf.Count = block.OffsetP3 + n
	return buf
}

// NotifyHostRegulation handles a regulation-level change from the channel
// peer: it always echoes a Link-Regulation block, and when the level gains
// the "channel service available" bit while idle, it starts the
// supervision handshake.
func (s *SVM) NotifyHostRegulation(level int) {
	if level != s.lastRegLevel {
		buf := s.newUplineCmd(block.PfcLinkReg, block.SfcLinkReg, byte(level))
		s.uplink.SendUpline(buf)
		s.lastRegLevel = level
	}

	if level&csAvailableMask != 0 && s.state == StateIdle {
		buf := s.newUplineCmd(block.PfcSupervisionReq, block.SfcSupervisionReq, s.status.CCPVersion, s.status.CCPLevel)
		s.uplink.SendUpline(buf)
		s.state = StateWaitSupervision
	}
}

// ProcessMessage handles a downline SVM CMD block, dispatching on PFC/SFC
//. CN validation (header CN field must be 0; the real CN, if
// any, rides in P3) is mandatory before any TCB access.
func (s *SVM) ProcessMessage(buf *bufpool.Buffer, pcbLookup func(claPort int) *npu.PCB) error {
	defer s.core.Pool.Release(buf)

	data := buf.Bytes()
	if len(data) < block.OffsetSFC+1 {
		logrus.Warnf("svm: short message (%d bytes), discarding", len(data))
		return nil
	}
	hdr := block.Decode(data)
	if hdr.CN != 0 {
		logrus.Warnf("svm: non-zero CN %d in SVM header, discarding", hdr.CN)
		return nil
	}

	pfc := block.PFC(data[block.OffsetPFC])
	sfc := block.SFC(data[block.OffsetSFC])
	p3 := data[block.OffsetP3:]

	switch pfc {
	case block.PfcSUP:
		if sfc.Base() == block.SfcIN && sfc.IsResp() {
			s.state = StateReady
		}
	case block.PfcNPS:
		if sfc.Base() == block.SfcNP {
			s.sendStatusReply()
		}
	case block.PfcCNF:
		return s.handleConfigureReply(sfc, p3, pcbLookup)
	case block.PfcICN:
		s.handleInitiateConnectionReply(sfc, p3)
	case block.PfcTCN:
		s.handleDisconnect(sfc, p3)
	default:
		logrus.Warnf("svm: unexpected PFC %#x for state %v", pfc, s.state)
	}
	return nil
}

func (s *SVM) sendStatusReply() {
	buf := s.newUplineCmd(block.PfcNPS, block.SfcNP|block.SfcResp, s.status.CCPVersion, s.status.CCPLevel)
	n := copy(buf.Data[buf.Count:], s.status.NodeName)
	buf.Count += n
	s.uplink.SendUpline(buf)
}

func (s *SVM) handleConfigureReply(sfc block.SFC, p3 []byte, pcbLookup func(int) *npu.PCB) error {
	if len(p3) < 1 {
		return fmt.Errorf("svm: terminal-config reply missing CLA port in P3")
	}
	claPort := int(p3[0])
	pcb := pcbLookup(claPort)
	if pcb == nil {
		logrus.Warnf("svm: terminal-config reply for unknown CLA port %d, discarding", claPort)
		return nil
	}

	if sfc.IsErr() {
		pcb.Close()
		return nil
	}

	tcb := s.core.AllocTCB()
	if tcb == nil {
		logrus.Errorf("svm: no free TCB for CLA port %d, closing PCB", claPort)
		pcb.Close()
		return nil
	}
	tcb.PCBPort = claPort
	pcb.TCBCN = tcb.CN

	console := s.ownerConsole(pcb, tcb)
	tcb.ConsoleCN = console

	fnfv := p3[1:]
	s.tip.ApplyClassDefaults(tcb, fnfv)

	tcb.State = npu.TCBRequestConnection
	buf := s.newUplineCmd(block.PfcICN, block.SfcCO, byte(claPort))
	s.uplink.SendUpline(buf)
	return nil
}

// ownerConsole resolves the owning console CN for a newly configured TCB:
// itself for async, or the console on the same CLA port for HASP/NJE
// streams.
func (s *SVM) ownerConsole(pcb *npu.PCB, tcb *npu.TCB) uint8 {
	if tcb.Device == npu.DeviceConsole || tcb.TipType == npu.TipAsync {
		return tcb.CN
	}
	for cn := 1; cn < npu.MaxTcbs; cn++ {
		other := s.core.LookupTCB(uint8(cn))
		if other != nil && other.PCBPort == pcb.CLAPort && other.Device == npu.DeviceConsole {
			return other.CN
		}
	}
	return tcb.CN
}

func (s *SVM) handleInitiateConnectionReply(sfc block.SFC, p3 []byte) {
	if len(p3) < 1 {
		return
	}
	claPort := int(p3[0])
	tcb := s.tcbByPort(claPort)
	if tcb == nil {
		return
	}
	if sfc.IsErr() {
		s.tip.FreeTCB(tcb)
		s.core.FreeTCB(tcb.CN)
		return
	}
	tcb.State = npu.TCBHostConnected
	s.tip.NotifyHostConnected(tcb)
}

func (s *SVM) handleDisconnect(sfc block.SFC, p3 []byte) {
	if len(p3) < 1 {
		return
	}
	claPort := int(p3[0])
	tcb := s.tcbByPort(claPort)
	if tcb == nil {
		return
	}
	if sfc.IsResp() {
		// peer ack of our disconnect: finalise release
		s.tip.FreeTCB(tcb)
		s.core.FreeTCB(tcb.CN)
		return
	}
	// host-initiated disconnect
	tcb.State = npu.TCBNpuDisconnect
	s.tip.NotifyDisconnect(tcb)
	buf := s.newUplineCmd(block.PfcTCN, block.SfcTA|block.SfcResp, byte(claPort))
	s.uplink.SendUpline(buf)
}

func (s *SVM) tcbByPort(claPort int) *npu.TCB {
	for cn := 1; cn < npu.MaxTcbs; cn++ {
		tcb := s.core.LookupTCB(uint8(cn))
		if tcb != nil && tcb.PCBPort == claPort {
			return tcb
		}
	}
	return nil
}

// ConnectTerminal emits a terminal-config request for a freshly accepted
// PCB connectTerminal.
func (s *SVM) ConnectTerminal(pcb *npu.PCB) {
	buf := s.newUplineCmd(block.PfcCNF, block.SfcTE, byte(pcb.CLAPort))
	s.uplink.SendUpline(buf)
}

// SendDiscRequest clears flow control (XOFF), marks the TCB npuDisconnect,
// and emits a TCN/TA/R disconnect request. It does not discard pending
// output.
func (s *SVM) SendDiscRequest(tcb *npu.TCB) {
	tcb.XOFF = false
	tcb.State = npu.TCBNpuDisconnect
	buf := s.newUplineCmd(block.PfcTCN, block.SfcTA, byte(tcb.PCBPort))
	s.uplink.SendUpline(buf)
}

// DiscRequestTerminal notifies the TIP of a peer-initiated termination.
func (s *SVM) DiscRequestTerminal(tcb *npu.TCB) {
	s.tip.NotifyDisconnect(tcb)
}

// DiscReplyTerminal sends a TCN/TA response acknowledging a host-initiated
// disconnect.
func (s *SVM) DiscReplyTerminal(tcb *npu.TCB) {
	buf := s.newUplineCmd(block.PfcTCN, block.SfcTA|block.SfcResp, byte(tcb.PCBPort))
	s.uplink.SendUpline(buf)
}
