package bip

import (
	"testing"

	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
	"github.com/dtcyber-emu/nhp/internal/npu/npu"
)

type fakePeer struct {
	downline   []*bufpool.Buffer
	delivered  []*bufpool.Buffer
}

func (f *fakePeer) RequestDownlineBlock() *bufpool.Buffer {
	if len(f.downline) == 0 {
		return nil
	}
	buf := f.downline[0]
	f.downline = f.downline[1:]
	return buf
}

func (f *fakePeer) DeliverUplineBlock(buf *bufpool.Buffer) {
	f.delivered = append(f.delivered, buf)
}

type fakeDispatcher struct {
	svm, tip, cdcnet, lip int
	lastPriority          int
}

func (d *fakeDispatcher) ProcessSVMBuffer(buf *bufpool.Buffer)              { d.svm++ }
func (d *fakeDispatcher) ProcessTIPBuffer(buf *bufpool.Buffer, p int)       { d.tip++; d.lastPriority = p }
func (d *fakeDispatcher) ProcessCDCNetBuffer(buf *bufpool.Buffer)           { d.cdcnet++ }
func (d *fakeDispatcher) ProcessLIPBuffer(buf *bufpool.Buffer)              { d.lip++ }

func setup(t *testing.T) (*npu.Core, *fakePeer, *fakeDispatcher, *BIP) {
	t.Helper()
	peer := &fakePeer{}
	core := npu.NewCore(8, peer)
	disp := &fakeDispatcher{}
	b := New(core, peer, Nodes{CouplerNode: 1, CDCNetNode: 2}, disp)
	return core, peer, disp, b
}

func bufWithDN(core *npu.Core, dn byte) *bufpool.Buffer {
	buf := core.Pool.Get()
	buf.Data[0] = dn
	buf.Count = 5
	return buf
}

func TestNotifyServiceMessageRoutesToSVM(t *testing.T) {
	core, peer, disp, b := setup(t)
	peer.downline = []*bufpool.Buffer{bufWithDN(core, 1)}

	b.NotifyServiceMessage()

	if disp.svm != 1 {
		t.Fatalf("expected ProcessSVMBuffer to be called once, got %d", disp.svm)
	}
	if b.State() != Idle {
		t.Fatalf("expected state to return to Idle, got %v", b.State())
	}
}

func TestNotifyDataRoutesToTIPWithPriority(t *testing.T) {
	core, peer, disp, b := setup(t)
	peer.downline = []*bufpool.Buffer{bufWithDN(core, 1)}

	b.NotifyData(1)

	if disp.tip != 1 || disp.lastPriority != 1 {
		t.Fatalf("expected TIP dispatch with priority 1, got tip=%d priority=%d", disp.tip, disp.lastPriority)
	}
}

func TestCDCNetAndLIPRouting(t *testing.T) {
	core, peer, disp, b := setup(t)
	peer.downline = []*bufpool.Buffer{bufWithDN(core, 2)}
	b.NotifyData(0)
	if disp.cdcnet != 1 {
		t.Fatalf("expected CDCNet routing for CDCNet node, got %d", disp.cdcnet)
	}

	peer.downline = []*bufpool.Buffer{bufWithDN(core, 9)}
	b.NotifyData(0)
	if disp.lip != 1 {
		t.Fatalf("expected LIP routing for unknown node, got %d", disp.lip)
	}
}

func TestUplineSerialization(t *testing.T) {
	core, peer, _, b := setup(t)

	buf1 := core.Pool.Get()
	buf2 := core.Pool.Get()

	b.RequestUplineTransfer(buf1)
	if len(peer.delivered) != 1 {
		t.Fatalf("expected first buffer delivered immediately, got %d deliveries", len(peer.delivered))
	}

	b.RequestUplineTransfer(buf2)
	if len(peer.delivered) != 1 {
		t.Fatalf("expected second buffer to be queued, not delivered, got %d deliveries", len(peer.delivered))
	}

	b.NotifyUplineSent()
	if len(peer.delivered) != 2 {
		t.Fatalf("expected queued buffer delivered after NotifyUplineSent, got %d deliveries", len(peer.delivered))
	}
	if peer.delivered[1] != buf2 {
		t.Fatalf("expected buf2 delivered second")
	}
}

func TestAbortDownlineReceivedReturnsIdle(t *testing.T) {
	core, _, _, b := setup(t)
	b.state = DownSvm
	buf := core.Pool.Get()

	b.AbortDownlineReceived(buf)

	if b.State() != Idle {
		t.Fatalf("expected Idle after abort, got %v", b.State())
	}
}
