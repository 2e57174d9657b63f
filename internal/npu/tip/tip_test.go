package tip

import (
	"testing"

	"github.com/dtcyber-emu/nhp/internal/npu/block"
	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
)

type fakeUplink struct {
	sent []*bufpool.Buffer
}

func (u *fakeUplink) SendUpline(buf *bufpool.Buffer) { u.sent = append(u.sent, buf) }

type fakeModule struct {
	connected, disconnected []*npu.TCB
	received                []*bufpool.Buffer
	acked                   []*npu.TCB
}

func (m *fakeModule) NotifyConnect(tcb *npu.TCB)    { m.connected = append(m.connected, tcb) }
func (m *fakeModule) NotifyDisconnect(tcb *npu.TCB) { m.disconnected = append(m.disconnected, tcb) }
func (m *fakeModule) ProcessUplineData(tcb *npu.TCB, buf *bufpool.Buffer) {
	m.received = append(m.received, buf)
}
func (m *fakeModule) NotifyBlockAck(tcb *npu.TCB) { m.acked = append(m.acked, tcb) }

func setup(t *testing.T) (*npu.Core, *fakeUplink, *TIP) {
	t.Helper()
	core := npu.NewCore(16, nil)
	up := &fakeUplink{}
	return core, up, New(core, up)
}

func TestParseFNFVOverridesDefaults(t *testing.T) {
	base := ClassDefaults[npu.DeviceConsole]
	fnfv := []byte{byte(FNPageWidth), 132, byte(FNEchoplex), 0}
	p := ParseFNFV(base, fnfv)
	if p.PageWidth != 132 {
		t.Fatalf("PageWidth = %d, want 132", p.PageWidth)
	}
	if p.Echoplex {
		t.Fatalf("expected Echoplex overridden to false")
	}
	if p.PageLength != base.PageLength {
		t.Fatalf("expected unrelated field PageLength unchanged")
	}
}

func TestApplyClassDefaultsResolvesTipType(t *testing.T) {
	_, _, tp := setup(t)
	tcb := &npu.TCB{Device: npu.DeviceBatch, TipType: npu.TipAsync}
	fnfv := []byte{byte(FNTipType), byte(npu.TipHasp)}
	tp.ApplyClassDefaults(tcb, fnfv)
	if tcb.TipType != npu.TipHasp {
		t.Fatalf("TipType = %v, want hasp", tcb.TipType)
	}
	if tcb.Params.PageWidth != ClassDefaults[npu.DeviceBatch].PageWidth {
		t.Fatalf("expected batch-class defaults applied")
	}
}

func TestDispatchToRegisteredModule(t *testing.T) {
	core, _, tp := setup(t)
	mod := &fakeModule{}
	tp.RegisterModule(npu.TipAsync, mod)

	tcb := core.AllocTCB()
	tcb.TipType = npu.TipAsync

	tp.NotifyHostConnected(tcb)
	if len(mod.connected) != 1 {
		t.Fatalf("expected NotifyConnect called")
	}

	buf := core.Pool.Get()
	hdr := block.Header{CN: tcb.CN, BT: block.TypeMsg}
	block.Encode(buf.Data[:block.HeaderLen], hdr)
	buf.Count = block.HeaderLen
	tp.ProcessBlock(buf)
	if len(mod.received) != 1 {
		t.Fatalf("expected block dispatched to module")
	}

	ackBuf := core.Pool.Get()
	ackHdr := block.Header{CN: tcb.CN, BT: block.TypeBAck}
	block.Encode(ackBuf.Data[:block.HeaderLen], ackHdr)
	ackBuf.Count = block.HeaderLen
	tp.ProcessBlock(ackBuf)
	if len(mod.acked) != 1 {
		t.Fatalf("expected NotifyBlockAck called")
	}

	tp.NotifyDisconnect(tcb)
	if len(mod.disconnected) != 1 {
		t.Fatalf("expected NotifyDisconnect called")
	}
}

func TestUnknownTCBReleasesBuffer(t *testing.T) {
	core, _, tp := setup(t)
	before := core.Pool.Size()
	buf := core.Pool.Get()
	hdr := block.Header{CN: 200, BT: block.TypeMsg}
	block.Encode(buf.Data[:block.HeaderLen], hdr)
	buf.Count = block.HeaderLen

	tp.ProcessBlock(buf)

	if core.Pool.Size() != before {
		t.Fatalf("expected buffer released back to pool, size = %d, want %d", core.Pool.Size(), before)
	}
}

func TestFeedInputForcesBoundaryAndEOLFlush(t *testing.T) {
	core, up, tp := setup(t)
	tcb := core.AllocTCB()
	tcb.Params.BlockFactor = 1 // bound = 1*MaxIvtData = 100

	for i := 0; i < 99; i++ {
		tp.FeedInput(tcb, byte('a'), false)
	}
	if len(up.sent) != 0 {
		t.Fatalf("expected no flush before bound reached")
	}
	tp.FeedInput(tcb, byte('a'), false)
	if len(up.sent) != 1 {
		t.Fatalf("expected boundary flush, got %d sends", len(up.sent))
	}
	hdr := block.Decode(up.sent[0].Bytes())
	if hdr.BT != block.TypeBlk {
		t.Fatalf("expected BlkHTBLK on boundary, got %v", hdr.BT)
	}

	tp.FeedInput(tcb, byte('\r'), true)
	if len(up.sent) != 2 {
		t.Fatalf("expected EOL flush, got %d sends", len(up.sent))
	}
	hdr2 := block.Decode(up.sent[1].Bytes())
	if hdr2.BT != block.TypeMsg {
		t.Fatalf("expected BlkHTMSG on EOL, got %v", hdr2.BT)
	}
}
