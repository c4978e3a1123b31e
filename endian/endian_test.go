package endian

import "testing"

func TestRoundTrip32(t *testing.T) {
	buf := make([]byte, 8)
	Store32(buf, 2, 0xdeadbeef)
	if got := Load32(buf, 2); got != 0xdeadbeef {
		t.Fatalf("Load32 = %#x, want 0xdeadbeef", got)
	}
}

func TestRoundTrip64(t *testing.T) {
	buf := make([]byte, 9)
	Store64(buf, 1, 0x0102030405060708)
	if got := Load64(buf, 1); got != 0x0102030405060708 {
		t.Fatalf("Load64 = %#x, want 0x0102030405060708", got)
	}
}

func TestSignExtend(t *testing.T) {
	buf := []byte{0xff}
	if got := SLoad8(buf, 0); got != -1 {
		t.Fatalf("SLoad8 = %d, want -1", got)
	}
}

func TestLoadStoreWidth(t *testing.T) {
	buf := make([]byte, 8)
	StoreWidth(buf, 0, 2, 0xabcd)
	if got := LoadWidth(buf, 0, 2); got != 0xabcd {
		t.Fatalf("LoadWidth(2) = %#x, want 0xabcd", got)
	}
}
