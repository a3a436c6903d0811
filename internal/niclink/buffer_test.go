// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package niclink

import "testing"

func TestHeapBufferPrependWithinHeadroom(t *testing.T) {
	b := NewHeapBufferWithHeadroom(10, 14)
	copy(b.Data(), []byte("0123456789"))

	grown := b.Prepend(14)
	if len(grown) != 24 {
		t.Fatalf("len(grown) = %d, want 24", len(grown))
	}
	if string(grown[14:]) != "0123456789" {
		t.Errorf("payload corrupted: %q", grown[14:])
	}
}

func TestHeapBufferPrependBeyondHeadroom(t *testing.T) {
	b := NewHeapBuffer([]byte("payload"))

	grown := b.Prepend(4)
	if len(grown) != 11 {
		t.Fatalf("len(grown) = %d, want 11", len(grown))
	}
	if string(grown[4:]) != "payload" {
		t.Errorf("payload corrupted after realloc: %q", grown[4:])
	}
}

func TestHeapBufferLinearize(t *testing.T) {
	b := NewHeapBuffer([]byte("0123456789"))

	data, err := b.Linearize(5)
	if err != nil {
		t.Fatalf("Linearize: %v", err)
	}
	if len(data) != 10 {
		t.Errorf("Linearize should return the whole contiguous buffer, got len %d", len(data))
	}

	if _, err := b.Linearize(20); err == nil {
		t.Error("Linearize beyond buffer length should error")
	}
}

func TestHeapBufferTrimFront(t *testing.T) {
	b := NewHeapBuffer([]byte("HEADERpayload"))

	data, err := b.TrimFront(6)
	if err != nil {
		t.Fatalf("TrimFront: %v", err)
	}
	if string(data) != "payload" {
		t.Errorf("TrimFront(6) = %q, want %q", data, "payload")
	}
	if b.Length() != 7 {
		t.Errorf("Length() after trim = %d, want 7", b.Length())
	}

	if _, err := b.TrimFront(100); err == nil {
		t.Error("TrimFront beyond buffer length should error")
	}
}

func TestHeapBufferSetLength(t *testing.T) {
	b := NewHeapBufferWithHeadroom(1500, 14)

	if err := b.SetLength(64); err != nil {
		t.Fatalf("SetLength(64): %v", err)
	}
	if got := b.Length(); got != 64 {
		t.Errorf("Length() after SetLength(64) = %d, want 64", got)
	}
	if len(b.Data()) != 64 {
		t.Errorf("len(Data()) after SetLength(64) = %d, want 64", len(b.Data()))
	}

	if err := b.SetLength(1500); err != nil {
		t.Fatalf("SetLength(1500) within capacity: %v", err)
	}
	if err := b.SetLength(1501); err == nil {
		t.Error("SetLength beyond the buffer's backing capacity should error")
	}
	if err := b.SetLength(-1); err == nil {
		t.Error("SetLength with a negative length should error")
	}
}
