package app

import (
	"net"
	"testing"
	"time"

	"github.com/dtcyber-emu/nhp/internal/npu/bip"
	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/netmux"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/internal/npu/svm"
)

type fakePeer struct {
	delivered []*bufpool.Buffer
}

func (p *fakePeer) RequestDownlineBlock() *bufpool.Buffer { return nil }
func (p *fakePeer) DeliverUplineBlock(buf *bufpool.Buffer) {
	p.delivered = append(p.delivered, buf)
}

func setup(t *testing.T) (*System, *fakePeer) {
	t.Helper()
	peer := &fakePeer{}
	sys := New(Config{
		PoolSize: 16,
		Nodes:    bip.Nodes{CouplerNode: 1, CDCNetNode: 2},
		Status:   svm.NPUStatus{CCPVersion: 1, NodeName: "TEST01"},
		NodeName: "TEST01",
	}, peer)
	return sys, peer
}

// TestTelnetDataFlowsToUpline drives a byte of terminal input through the
// NET dispatch table, TIP's TCB assembly, and BIP's upline queue, the same
// path a real accepted connection takes once its PCB is preset.
func TestTelnetDataFlowsToUpline(t *testing.T) {
	sys, peer := setup(t)

	if res := sys.Mux.RegisterConnType(2000, 1, 4, npu.ConnTelnet, ""); res != netmux.RegOk {
		t.Fatalf("RegisterConnType = %v, want RegOk", res)
	}
	pcb := sys.Mux.PCBByCLAPort(1)
	if pcb == nil {
		t.Fatalf("expected a PCB allocated for CLA port 1")
	}
	sys.Dispatch.Preset(pcb)

	tcb := sys.Core.AllocTCB()
	tcb.Params.BlockFactor = 10

	if reply := sys.Dispatch.Recv(sys.TIP, pcb, tcb, []byte("hi\r")); reply != nil {
		t.Fatalf("expected no downline reply for plain input, got %v", reply)
	}

	if len(peer.delivered) != 1 {
		t.Fatalf("expected one upline block delivered to the peer, got %d", len(peer.delivered))
	}
	hdr := block.Decode(peer.delivered[0].Bytes())
	if hdr.BT != block.TypeMsg {
		t.Fatalf("BT = %v, want TypeMsg", hdr.BT)
	}
}

// TestDisconnectNotifiesTIPModule runs connect and disconnect notifications
// through the TIP dispatch table to the registered async module and
// confirms the TCB is freed afterwards; the module's side of those calls is
// not observed.
func TestDisconnectNotifiesTIPModule(t *testing.T) {
	sys, _ := setup(t)
	tcb := sys.Core.AllocTCB()
	tcb.TipType = npu.TipAsync
	tcb.Device = npu.DeviceConsole

	sys.TIP.NotifyHostConnected(tcb)
	sys.TIP.NotifyDisconnect(tcb)
	sys.TIP.FreeTCB(tcb)

	if sys.Core.LookupTCB(tcb.CN) != nil {
		t.Fatalf("expected TCB freed after disconnect notify")
	}
}

// TestUnknownConnTypeDrainsWithoutPanic confirms the dispatch table's
// passthrough path for a connType with no registered Entry (e.g. an
// outbound CDCNet gateway PCB) never reaches a nil protocol module.
func TestUnknownConnTypeDrainsWithoutPanic(t *testing.T) {
	sys, _ := setup(t)
	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnCDCNet}}
	sys.Dispatch.Preset(pcb)
	if reply := sys.Dispatch.Recv(sys.TIP, pcb, nil, []byte{1, 2, 3}); reply != nil {
		t.Fatalf("expected nil reply for unregistered connType, got %v", reply)
	}
}

// TestProcessCDCNetBufferReachesGateway drives a downline TCPOS command
// through BIP's CDCNet routing and confirms it reaches the gateway rather
// than being silently drained.
func TestProcessCDCNetBufferReachesGateway(t *testing.T) {
	sys, peer := setup(t)

	buf := sys.Core.Pool.Get()
	data := buf.Data[:]
	block.Encode(data[:block.HeaderLen], block.Header{DN: 2})
	copy(data[5:12], "TCPOS  ")
	data[19] = 0x10 // tcp version
	putBE := func(off int, v uint32) {
		data[off] = byte(v >> 24)
		data[off+1] = byte(v >> 16)
		data[off+2] = byte(v >> 8)
		data[off+3] = byte(v)
	}
	putBE(20, 1) // UserSapID
	buf.Count = 24

	sys.ProcessCDCNetBuffer(buf)

	if len(sys.CDCNet.Saps) != 1 {
		t.Fatalf("expected the TCPOS command to register a SAP, got %d", len(sys.CDCNet.Saps))
	}
	if len(peer.delivered) != 1 {
		t.Fatalf("expected the gateway's TCPOS response delivered upline, got %d", len(peer.delivered))
	}
}

// TestProcessLIPBufferRelaysToRegisteredTrunk confirms a downline buffer
// addressed to a trunk node is relayed to that trunk's live socket once
// its CONNECT handshake has registered it.
func TestProcessLIPBufferRelaysToRegisteredTrunk(t *testing.T) {
	sys, _ := setup(t)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()
	pcb := &npu.PCB{CLAPort: 5, Conn: client}
	sys.Trunks.Register(2, pcb)

	buf := sys.Core.Pool.Get()
	data := buf.Data[:]
	block.Encode(data[:block.HeaderLen], block.Header{DN: 2})
	n := copy(data[block.HeaderLen:], []byte("HELLO"))
	buf.Count = block.HeaderLen + n

	done := make(chan struct{})
	go func() {
		sys.ProcessLIPBuffer(buf)
		close(done)
	}()

	readBuf := make([]byte, 7)
	server.SetReadDeadline(timeNowPlus(2))
	if _, err := readFullConn(server, readBuf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	<-done
	if string(readBuf[2:]) != "HELLO" {
		t.Fatalf("relayed payload = %q, want %q", readBuf[2:], "HELLO")
	}
}

func readFullConn(r net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func timeNowPlus(seconds int) (t time.Time) {
	return time.Now().Add(time.Duration(seconds) * time.Second)
}
