package dsa311

import "testing"

func TestCRC16IsConsistentAcrossRepeatedComputation(t *testing.T) {
	data := []byte("the quick brown fox")
	a := ComputeCRC(data)
	b := ComputeCRC(data)
	if a != b {
		t.Fatalf("CRC not deterministic: %#x != %#x", a, b)
	}
}

func TestCRC16DiffersOnCorruption(t *testing.T) {
	data := []byte("the quick brown fox")
	corrupt := append([]byte{}, data...)
	corrupt[3] ^= 0xff
	if ComputeCRC(data) == ComputeCRC(corrupt) {
		t.Fatalf("expected CRC to change when a byte is corrupted")
	}
}

func TestFrameAndFeedInputRoundTrip(t *testing.T) {
	payload := []byte{0x01, dle, 0x02, 0x03, 0xAA}
	sender := &Conn{}
	framed := sender.FrameOutput(payload)

	recv := &Conn{}
	var frame []byte
	var complete, crcOK bool
	for _, b := range framed {
		frame, complete, crcOK = recv.FeedInput(b)
		if complete {
			break
		}
	}
	if !complete {
		t.Fatalf("expected a complete frame")
	}
	if !crcOK {
		t.Fatalf("expected CRC to validate on an uncorrupted frame")
	}
	if len(frame) != len(payload) {
		t.Fatalf("frame = %v, want %v", frame, payload)
	}
	for i := range payload {
		if frame[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, frame[i], payload[i])
		}
	}
	if recv.Stats.FramesReceived != 1 {
		t.Fatalf("expected FramesReceived incremented")
	}
	if sender.Stats.FramesSent != 1 {
		t.Fatalf("expected FramesSent incremented")
	}
}

func TestFeedInputDetectsCRCCorruption(t *testing.T) {
	sender := &Conn{}
	framed := sender.FrameOutput([]byte{0x01, 0x02, 0x03})
	framed[len(framed)-1] ^= 0xff // corrupt trailing CRC byte

	recv := &Conn{}
	var complete, crcOK bool
	for _, b := range framed {
		_, complete, crcOK = recv.FeedInput(b)
		if complete {
			break
		}
	}
	if !complete {
		t.Fatalf("expected frame to still complete")
	}
	if crcOK {
		t.Fatalf("expected CRC mismatch to be detected")
	}
	if recv.Stats.CRCErrors != 1 {
		t.Fatalf("expected CRCErrors incremented")
	}
}

func TestResetClearsFramingState(t *testing.T) {
	c := &Conn{Input: InpData, Major: MajConnected}
	c.Reset()
	if c.Input != InpHuntSOH || c.Major != MajDisconnected {
		t.Fatalf("expected reset to restore hunting/disconnected state")
	}
}
