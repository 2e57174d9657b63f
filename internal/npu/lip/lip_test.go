package lip

import (
	"testing"

	"github.com/dtcyber-emu/nhp/internal/npu/npu"
)

func TestEncodeParseConnectRoundTrip(t *testing.T) {
	line := EncodeConnect("NPU1", 5, 9)
	req, ok := ParseConnect(string(line))
	if !ok {
		t.Fatalf("expected valid CONNECT line to parse")
	}
	if req.Name != "NPU1" || req.LocalNode != 5 || req.PeerNode != 9 {
		t.Fatalf("parsed %+v, want {NPU1 5 9}", req)
	}
}

func TestParseConnectRejectsMalformed(t *testing.T) {
	cases := []string{
		"CONNECT NPU1 5\n",
		"HELLO NPU1 5 9\n",
		"CONNECT NPU1 five 9\n",
	}
	for _, c := range cases {
		if _, ok := ParseConnect(c); ok {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestEncodeParseStatusReplyRoundTrip(t *testing.T) {
	line := EncodeStatusReply(StatusOK, "CYBER1", 1, 2, "connected")
	if string(line) != "200 CYBER1 1 2 connected\n" {
		t.Fatalf("line = %q, want %q", line, "200 CYBER1 1 2 connected\n")
	}
	reply, ok := ParseStatusReply(string(line))
	if !ok {
		t.Fatalf("expected valid status reply to parse")
	}
	if reply.Code != StatusOK || reply.Name != "CYBER1" || reply.LocalNode != 1 || reply.PeerNode != 2 || reply.Msg != "connected" {
		t.Fatalf("parsed %+v", reply)
	}
}

func TestHandleConnectRequestSetsState(t *testing.T) {
	// spec §8 scenario 3: a trunk whose local host is CYBER1 and expected
	// remote node is 2 receives "CONNECT CYBER2 2 1\n" and must reply
	// "200 CYBER1 1 2 connected\n".
	conn := &Conn{}
	reply := HandleConnectRequest(conn, "CYBER1", 1, "CONNECT CYBER2 2 1\n")
	if string(reply) != "200 CYBER1 1 2 connected\n" {
		t.Fatalf("reply = %q, want %q", reply, "200 CYBER1 1 2 connected\n")
	}
	if conn.State != StateConnected || conn.PeerNode != 2 || conn.PeerName != "CYBER2" || conn.LocalNode != 1 {
		t.Fatalf("conn = %+v", conn)
	}
}

func TestHandleConnectRequestRejectsMalformed(t *testing.T) {
	conn := &Conn{}
	if reply := HandleConnectRequest(conn, "NPU2", 9, "garbage\n"); reply != nil {
		t.Fatalf("expected nil reply for malformed request")
	}
	if conn.State != StateDisconnected {
		t.Fatalf("expected state to remain disconnected")
	}
}

func TestHandleConnectResponseCompletesHandshake(t *testing.T) {
	conn := &Conn{Active: true, LocalNode: 1}
	if !HandleConnectResponse(conn, "200 CYBER1 1 2 connected\n") {
		t.Fatalf("expected a 200 status reply to complete the handshake")
	}
	if conn.State != StateConnected || conn.PeerNode != 1 || conn.PeerName != "CYBER1" {
		t.Fatalf("conn = %+v", conn)
	}
}

func TestHandleConnectResponseRejectsNonOKStatus(t *testing.T) {
	conn := &Conn{Active: true}
	if HandleConnectResponse(conn, "500 CYBER1 1 2 refused\n") {
		t.Fatalf("expected a non-200 status to be rejected")
	}
	if conn.State != StateDisconnected {
		t.Fatalf("expected state to remain disconnected")
	}
}

func TestNodeTableRegisterLookup(t *testing.T) {
	nt := NewNodeTable()
	p := &npu.PCB{CLAPort: 3}
	nt.Register(7, p)
	if nt.Lookup(7) != p {
		t.Fatalf("expected lookup to find registered pcb")
	}
	nt.Unregister(7)
	if nt.Lookup(7) != nil {
		t.Fatalf("expected lookup to return nil after unregister")
	}
}

func TestFrameAndParseBlockLength(t *testing.T) {
	framed := FrameBlock([]byte("abcdef"))
	if got := ParseBlockLength(framed); got != 6 {
		t.Fatalf("ParseBlockLength = %d, want 6", got)
	}
}

func TestNeedsPing(t *testing.T) {
	c := &Conn{}
	c.Touch(100)
	if c.NeedsPing(110) {
		t.Fatalf("expected no ping needed within idle window")
	}
	if !c.NeedsPing(100 + MaxIdleTime) {
		t.Fatalf("expected ping needed once idle window elapses")
	}
}

func TestFeedTrunkScenario(t *testing.T) {
	// spec §8 scenario 3, continued: once connected, a 2-byte-length-prefixed
	// "\x00\x05HELLO" payload is delivered as a 5-byte frame.
	c := &Conn{}
	reply := HandleConnectRequest(c, "CYBER1", 1, "CONNECT CYBER2 2 1\n")
	if reply == nil {
		t.Fatalf("expected handshake to succeed")
	}

	payload := append([]byte{0x00, 0x05}, []byte("HELLO")...)
	var frame []byte
	var hasFrame bool
	for _, b := range payload {
		_, frame, hasFrame, _ = c.FeedTrunk("CYBER1", 1, b)
	}
	if !hasFrame || string(frame) != "HELLO" {
		t.Fatalf("frame = %q, hasFrame = %v, want \"HELLO\" true", frame, hasFrame)
	}
}

func TestFeedTrunkZeroLengthBlockIsPing(t *testing.T) {
	c := &Conn{State: StateConnected}
	var frame []byte
	var hasFrame bool
	for _, b := range []byte{0x00, 0x00} {
		_, frame, hasFrame, _ = c.FeedTrunk("CYBER1", 1, b)
	}
	if !hasFrame || len(frame) != 0 {
		t.Fatalf("expected a zero-length ping frame, got %v hasFrame=%v", frame, hasFrame)
	}
}

func TestFeedTrunkActiveSideParsesStatusReply(t *testing.T) {
	c := &Conn{Active: true, LocalNode: 1}
	var malformed bool
	for _, b := range []byte("200 CYBER1 1 2 connected\n") {
		_, _, _, malformed = c.FeedTrunk("CYBER2", 2, b)
	}
	if malformed {
		t.Fatalf("expected a well-formed status reply to be accepted")
	}
	if c.State != StateConnected || c.PeerNode != 1 {
		t.Fatalf("conn = %+v", c)
	}
}
