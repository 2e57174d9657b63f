package hasp

import (
	"bytes"
	"testing"

	"github.com/dtcyber-emu/nhp/internal/npu/bufpool"
)

func TestFrameAndFeedBSCRoundTrip(t *testing.T) {
	payload := []byte{0x01, ctlDLE, 0x02, 0x03}
	framed := FrameBSC(payload)

	c := &Conn{}
	var got []byte
	var complete bool
	for _, b := range framed {
		got, complete = FeedBSC(c, b)
		if complete {
			break
		}
	}
	if !complete {
		t.Fatalf("expected a complete frame")
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %v, want %v", got, payload)
	}
}

func TestFeedBSCIgnoresNoise(t *testing.T) {
	c := &Conn{}
	_, complete := FeedBSC(c, 0xAA)
	if complete {
		t.Fatalf("expected noise outside DLE-STX framing to produce nothing")
	}
	if c.Recv != RecvSync {
		t.Fatalf("state = %v, want RecvSync", c.Recv)
	}
}

func TestStreamByCN(t *testing.T) {
	c := &Conn{Streams: []*Stream{
		{Kind: StreamConsole, CN: 1},
		{Kind: StreamReader, CN: 2},
	}}
	if s := c.StreamByCN(2); s == nil || s.Kind != StreamReader {
		t.Fatalf("expected to find reader stream by CN")
	}
	if s := c.StreamByCN(9); s != nil {
		t.Fatalf("expected nil for unknown CN")
	}
}

func TestConnQueueOutput(t *testing.T) {
	pool := bufpool.NewPool(4)
	c := &Conn{}
	c.QueueOutput(pool, []byte("hello"))
	if c.PendingOutput() != 1 {
		t.Fatalf("expected one queued frame")
	}
}

func TestResetClearsState(t *testing.T) {
	c := &Conn{Recv: RecvData, Send: SendWaitAck, Streams: []*Stream{{CN: 1}}}
	c.Reset()
	if c.Recv != RecvSync || c.Send != SendIdle || c.Streams != nil {
		t.Fatalf("expected full reset, got %+v", c)
	}
}
