// Package app wires every protocol layer into one running NPU: BIP's
// order-word state machine, SVM's connection management, TIP's TCB
// dispatch, the async/HASP/NJE protocol modules, and the NET multiplexer,
// each passed the others only through the interfaces they declare. This is
// the composition root a command-line entry point calls into; no protocol
// package imports another's concrete type.
package app

import (
	"github.com/sirupsen/logrus"

	"github.com/dtcyber-emu/nhp/internal/npu/async"
	"github.com/dtcyber-emu/nhp/internal/npu/bip"
	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/cdcnet"
	"github.com/dtcyber-emu/nhp/internal/npu/dispatch"
	"github.com/dtcyber-emu/nhp/internal/npu/hasp"
	"github.com/dtcyber-emu/nhp/internal/npu/lip"
	"github.com/dtcyber-emu/nhp/internal/npu/metrics"
	"github.com/dtcyber-emu/nhp/internal/npu/netmux"
	"github.com/dtcyber-emu/nhp/internal/npu/nje"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/internal/npu/svm"
	"github.com/dtcyber-emu/nhp/internal/npu/tip"
)

// Config is the static setup for one NPU instance.
type Config struct {
	PoolSize   int
	Nodes      bip.Nodes
	Status     svm.NPUStatus
	NodeName   string
	LipNode    uint8 // this NPU's own trunk node number, for LIP's active-side CONNECT
	MetricsLog func(error)
}

// System owns every wired component single Core replacing
// process-wide mutable statics.
type System struct {
	Core     *npu.Core
	BIP      *bip.BIP
	SVM      *svm.SVM
	TIP      *tip.TIP
	Mux      *netmux.Mux
	Dispatch *dispatch.Table
	Metrics  *metrics.ConnCollector
	CDCNet   *cdcnet.Gateway
	Trunks   *lip.NodeTable
}

// New constructs a fully wired System bound to peer (the channel-transport
// collaborator, out of scope for this module).
func New(cfg Config, peer npu.ChannelPeer) *System {
	s := &System{}
	s.Core = npu.NewCore(cfg.PoolSize, peer)

	s.TIP = tip.New(s.Core, s)
	s.SVM = svm.New(s.Core, s, s.TIP, svm.Nodes{CouplerNode: cfg.Nodes.CouplerNode}, cfg.Status)
	s.BIP = bip.New(s.Core, peer, cfg.Nodes, s)
	s.Mux = netmux.NewMux(s.Core)
	s.Trunks = lip.NewNodeTable()
	s.Dispatch = dispatch.NewTable(s.TIP, cfg.NodeName, cfg.LipNode, s.Trunks)
	s.CDCNet = cdcnet.NewGateway(s.Core, s)

	if cfg.MetricsLog == nil {
		cfg.MetricsLog = func(err error) { logrus.Warnf("app: metrics: %v", err) }
	}
	s.Metrics = metrics.NewConnCollector(cfg.MetricsLog)

	s.TIP.RegisterModule(npu.TipAsync, async.New(s.TIP))
	s.TIP.RegisterModule(npu.TipHasp, hasp.New(s.TIP))
	s.TIP.RegisterModule(npu.TipReverseHasp, hasp.New(s.TIP))
	s.TIP.RegisterModule(npu.TipNje, nje.New(s.TIP))

	return s
}

// SendUpline implements tip.Uplink and svm.Uplink: both stage their buffer
// through BIP's upline serialization queue.
func (s *System) SendUpline(buf *bufpool.Buffer) {
	s.BIP.RequestUplineTransfer(buf)
}

// ProcessSVMBuffer implements bip.Dispatcher.
func (s *System) ProcessSVMBuffer(buf *bufpool.Buffer) {
	if err := s.SVM.ProcessMessage(buf, s.Mux.PCBByCLAPort); err != nil {
		logrus.Warnf("app: SVM message: %v", err)
	}
}

// ProcessTIPBuffer implements bip.Dispatcher.
func (s *System) ProcessTIPBuffer(buf *bufpool.Buffer, priority int) {
	s.TIP.ProcessBlock(buf)
}

// ProcessCDCNetBuffer implements bip.Dispatcher: it hands the downline
// gateway command block to the CDCNet gateway for decoding and dispatch.
func (s *System) ProcessCDCNetBuffer(buf *bufpool.Buffer) {
	s.CDCNet.ProcessCommand(buf)
}

// ProcessLIPBuffer implements bip.Dispatcher: it looks up the trunk PCB
// registered for the block's destination node and relays the payload to
// that trunk's live socket, framed as a LIP block. If no trunk is
// registered for that node (not yet connected, or never will be), the
// buffer is dropped.
func (s *System) ProcessLIPBuffer(buf *bufpool.Buffer) {
	defer s.Core.Pool.Release(buf)
	data := buf.Bytes()
	if len(data) < block.HeaderLen {
		return
	}
	hdr := block.Decode(data)
	pcb := s.Trunks.Lookup(hdr.DN)
	if pcb == nil || pcb.Conn == nil {
		logrus.Warnf("app: no connected trunk for node %d, dropping LIP buffer", hdr.DN)
		return
	}
	if _, err := pcb.Conn.Write(lip.FrameBlock(data[block.HeaderLen:])); err != nil {
		logrus.Warnf("app: relaying LIP buffer to node %d: %v", hdr.DN, err)
	}
}

var _ tip.Uplink = (*System)(nil)
var _ svm.Uplink = (*System)(nil)
var _ bip.Dispatcher = (*System)(nil)
