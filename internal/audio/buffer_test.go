package audio

import (
	"bytes"
	"testing"
)

// Frame reassembly as the pipeline does it: irregular network-sized
// writes in, fixed-size frames out.
func TestRingBuffer_FrameReassembly(t *testing.T) {
	const frameBytes = 8
	rb := NewRingBuffer(64)

	var sent []byte
	for i, size := range []int{3, 11, 5, 13} {
		chunk := make([]byte, size)
		for j := range chunk {
			chunk[j] = byte(i*20 + j)
		}
		if written := rb.Write(chunk); written != size {
			t.Fatalf("write %d: wrote %d of %d bytes", i, written, size)
		}
		sent = append(sent, chunk...)
	}

	var frames [][]byte
	for rb.Available() >= frameBytes {
		frame := make([]byte, frameBytes)
		if n := rb.Read(frame); n != frameBytes {
			t.Fatalf("short frame read: %d", n)
		}
		frames = append(frames, frame)
	}

	if len(frames) != 4 {
		t.Fatalf("expected 4 full frames from 32 bytes, got %d", len(frames))
	}
	if !bytes.Equal(bytes.Join(frames, nil), sent[:32]) {
		t.Error("frames do not reproduce the written bytes in order")
	}
	if rb.Available() != 0 {
		t.Errorf("expected no leftover below a full frame, got %d", rb.Available())
	}
}

func TestRingBuffer_OverflowDropsTail(t *testing.T) {
	rb := NewRingBuffer(9)

	if written := rb.Write(make([]byte, 6)); written != 6 {
		t.Fatalf("expected 6 bytes written, got %d", written)
	}
	// Only 2 bytes of room remain; the rest of the chunk is dropped
	// and the caller sees the short count.
	written := rb.Write([]byte{1, 2, 3, 4, 5})
	if written != 2 {
		t.Errorf("expected a short write of 2 bytes, got %d", written)
	}
	if !rb.IsFull() {
		t.Error("expected a full buffer")
	}
	if rb.Space() != 0 {
		t.Errorf("expected no space left, got %d", rb.Space())
	}
}

func TestRingBuffer_ReadFromEmpty(t *testing.T) {
	rb := NewRingBuffer(16)

	frame := make([]byte, 4)
	if n := rb.Read(frame); n != 0 {
		t.Errorf("expected nothing from an empty buffer, got %d", n)
	}
	if !rb.IsEmpty() {
		t.Error("expected empty buffer")
	}
}

func TestRingBuffer_WrapAround(t *testing.T) {
	rb := NewRingBuffer(9)
	frame := make([]byte, 4)

	// Push the read and write cursors past the end repeatedly; frames
	// must come back intact across the seam.
	for round := 0; round < 10; round++ {
		chunk := []byte{byte(round), byte(round + 1), byte(round + 2), byte(round + 3)}
		if written := rb.Write(chunk); written != len(chunk) {
			t.Fatalf("round %d: wrote %d bytes", round, written)
		}
		if n := rb.Read(frame); n != len(frame) {
			t.Fatalf("round %d: read %d bytes", round, n)
		}
		if !bytes.Equal(frame, chunk) {
			t.Fatalf("round %d: got %v, want %v", round, frame, chunk)
		}
	}
}

func TestRingBuffer_ClearDiscardsBuffered(t *testing.T) {
	rb := NewRingBuffer(16)
	rb.Write([]byte{1, 2, 3, 4, 5})

	rb.Clear()
	if !rb.IsEmpty() {
		t.Error("expected empty buffer after clear")
	}
	if rb.Space() != 15 {
		t.Errorf("expected full space back, got %d", rb.Space())
	}

	// The buffer is reusable after a clear.
	rb.Write([]byte{9, 9})
	if rb.Available() != 2 {
		t.Errorf("expected 2 bytes available, got %d", rb.Available())
	}
}
