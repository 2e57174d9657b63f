package dispatch

import (
	"testing"

	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/dsa311"
	"github.com/dtcyber-emu/nhp/internal/npu/lip"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
	"github.com/dtcyber-emu/nhp/internal/npu/tip"
)

type fakeUplink struct {
	sent []*bufpool.Buffer
}

func (u *fakeUplink) SendUpline(buf *bufpool.Buffer) { u.sent = append(u.sent, buf) }

func setup(t *testing.T) (*npu.Core, *fakeUplink, *tip.TIP, *Table) {
	t.Helper()
	core := npu.NewCore(16, nil)
	up := &fakeUplink{}
	tp := tip.New(core, up)
	return core, up, tp, NewTable(tp, "CYBER1", 1, lip.NewNodeTable())
}

func TestTelnetRecvFlushesOnEOLAndEscapesIAC(t *testing.T) {
	core, up, tp, tb := setup(t)
	tcb := core.AllocTCB()
	tcb.Params.BlockFactor = 10 // a large bound so only EOL triggers the flush

	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnTelnet}}
	tb.Preset(pcb)

	reply := tb.Recv(tp, pcb, tcb, []byte("hi\r"))
	if reply != nil {
		t.Fatalf("expected no reply for plain data, got %v", reply)
	}
	if len(up.sent) != 1 {
		t.Fatalf("expected one upline send on CR, got %d", len(up.sent))
	}
	hdr := block.Decode(up.sent[0].Bytes())
	if hdr.BT != block.TypeMsg {
		t.Fatalf("BT = %v, want TypeMsg", hdr.BT)
	}

	out := tb.Send(pcb, []byte{0x41, 255})
	if len(out) != 3 || out[0] != 0x41 || out[1] != 255 || out[2] != 255 {
		t.Fatalf("expected IAC doubled in downline output, got %v", out)
	}
}

func TestTelnetRecvAnswersOptionNegotiation(t *testing.T) {
	_, _, tp, tb := setup(t)
	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnTelnet}}
	tb.Preset(pcb)

	// IAC WILL ECHO (255, 251, 1) -> expect IAC DO ECHO reply.
	reply := tb.Recv(tp, pcb, nil, []byte{255, 251, 1})
	want := []byte{255, 253, 1}
	if len(reply) != 3 || reply[0] != want[0] || reply[1] != want[1] || reply[2] != want[2] {
		t.Fatalf("reply = %v, want %v", reply, want)
	}
}

func TestHaspRecvReassemblesBSCFrame(t *testing.T) {
	core, up, tp, tb := setup(t)
	tcb := core.AllocTCB()

	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnHasp}}
	tb.Preset(pcb)

	framed := tb.Send(pcb, []byte{0x10, 0x20, 0x30})
	tb.Recv(tp, pcb, tcb, framed)

	if len(up.sent) != 1 {
		t.Fatalf("expected one reassembled frame dispatched upline, got %d", len(up.sent))
	}
	payload := up.sent[0].Bytes()[block.HeaderLen:]
	if len(payload) != 3 || payload[0] != 0x10 || payload[1] != 0x20 || payload[2] != 0x30 {
		t.Fatalf("payload = %v, want [0x10 0x20 0x30]", payload)
	}
}

func TestDSA311RecvValidatesCRCAndLength(t *testing.T) {
	core, up, tp, tb := setup(t)
	tcb := core.AllocTCB()

	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnDSA311}}
	tb.Preset(pcb)

	payload := []byte{1, 2, 3, 4}
	framed := tb.Send(pcb, payload)
	tb.Recv(tp, pcb, tcb, framed)

	if len(up.sent) != 1 {
		t.Fatalf("expected one trunk frame dispatched upline, got %d", len(up.sent))
	}
	got := up.sent[0].Bytes()[block.HeaderLen:]
	if len(got) != len(payload) {
		t.Fatalf("payload = %v, want %v", got, payload)
	}
}

func TestDSA311RecvRequestsResyncOnCRCCorruption(t *testing.T) {
	_, _, tp, tb := setup(t)
	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnDSA311}}
	tb.Preset(pcb)

	framed := tb.Send(pcb, []byte{9, 9})
	framed[len(framed)-1] ^= 0xff

	reply := tb.Recv(tp, pcb, nil, framed)
	if len(reply) == 0 {
		t.Fatalf("expected a resync reply on CRC mismatch")
	}
	conn := pcb.Proto.(*dsa311.Conn)
	if conn.Stats.Resyncs != 1 {
		t.Fatalf("expected Resyncs incremented")
	}
}

func TestTrunkConnectSendsCONNECTOnlyForActiveSide(t *testing.T) {
	_, _, _, tb := setup(t)

	passive := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnTrunk}}
	tb.Preset(passive)
	if out := tb.Connect(passive); out != nil {
		t.Fatalf("expected no notify-connect output for a passively accepted trunk, got %q", out)
	}

	active := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnTrunk, HostName: "cyber2.example", PeerNode: 2}}
	tb.Preset(active)
	out := tb.Connect(active)
	if string(out) != "CONNECT CYBER1 1 2\n" {
		t.Fatalf("CONNECT line = %q, want %q", out, "CONNECT CYBER1 1 2\n")
	}
}

func TestTrunkRecvRunsHandshakeThenRelaysFramesUpline(t *testing.T) {
	core, up, tp, tb := setup(t)
	tcb := core.AllocTCB()

	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnTrunk}}
	tb.Preset(pcb)

	reply := tb.Recv(tp, pcb, tcb, []byte("CONNECT CYBER2 2 1\n"))
	if string(reply) != "200 CYBER1 1 2 connected\n" {
		t.Fatalf("handshake reply = %q, want %q", reply, "200 CYBER1 1 2 connected\n")
	}

	payload := append([]byte{0x00, 0x05}, []byte("HELLO")...)
	tb.Recv(tp, pcb, tcb, payload)
	if len(up.sent) != 1 {
		t.Fatalf("expected one relayed frame dispatched upline, got %d", len(up.sent))
	}
	got := up.sent[0].Bytes()[block.HeaderLen:]
	if string(got) != "HELLO" {
		t.Fatalf("payload = %q, want %q", got, "HELLO")
	}
}

func TestTrunkRecvRejectsMalformedHandshake(t *testing.T) {
	_, _, tp, tb := setup(t)
	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnTrunk}}
	tb.Preset(pcb)

	if reply := tb.Recv(tp, pcb, nil, []byte("garbage\n")); reply != nil {
		t.Fatalf("expected no reply for a malformed handshake line, got %q", reply)
	}
	conn := pcb.Proto.(*lip.Conn)
	if conn.State == lip.StateConnected {
		t.Fatalf("expected handshake to remain incomplete")
	}
}

func TestNjeRecvHandshake(t *testing.T) {
	_, _, tp, tb := setup(t)
	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnNje}}
	tb.Preset(pcb)

	open := tb.Send(pcb, append([]byte{0xf0, 0xc9}, []byte("REMOTE1")...))
	reply := tb.Recv(tp, pcb, nil, open)
	if len(reply) != 2 || reply[0] != 0xf0 || reply[1] != 0xd3 {
		t.Fatalf("reply = %v, want Accept-Signon SRCB", reply)
	}
}

func TestTableUnknownConnTypeIsPassthrough(t *testing.T) {
	_, _, tp, tb := setup(t)
	pcb := &npu.PCB{NCB: &npu.NCB{ConnType: npu.ConnCDCNet}}
	tb.Preset(pcb)
	out := tb.Send(pcb, []byte{1, 2, 3})
	if len(out) != 3 {
		t.Fatalf("expected unregistered connType to pass payload through unchanged")
	}
	if tb.Recv(tp, pcb, nil, []byte{1}) != nil {
		t.Fatalf("expected nil reply for unregistered connType")
	}
}
