package abi

import "testing"

func TestTimevalRoundTrip(t *testing.T) {
	buf := make([]byte, SizeofTimeval)
	PutTimeval(buf, 12, 345000)
	sec, usec := GetTimeval(buf)
	if sec != 12 || usec != 345000 {
		t.Fatalf("GetTimeval = (%d, %d), want (12, 345000)", sec, usec)
	}
}

func TestTimespecRoundTrip(t *testing.T) {
	buf := make([]byte, SizeofTimespec)
	PutTimespec(buf, 7, 500)
	sec, nsec := GetTimespec(buf)
	if sec != 7 || nsec != 500 {
		t.Fatalf("GetTimespec = (%d, %d), want (7, 500)", sec, nsec)
	}
}

func TestPollfdRoundTrip(t *testing.T) {
	buf := make([]byte, SizeofPollfd)
	buf[0], buf[1], buf[2], buf[3] = 5, 0, 0, 0 // fd = 5
	buf[4], buf[5] = 0x01, 0x00                 // events = POLLIN

	fd, events := GetPollfd(buf)
	if fd != 5 || events != 1 {
		t.Fatalf("GetPollfd = (%d, %d), want (5, 1)", fd, events)
	}

	PutPollfdRevents(buf, 2)
	if buf[6] != 2 || buf[7] != 0 {
		t.Fatalf("PutPollfdRevents wrote %v, want revents=2 at offset 6", buf[6:8])
	}
}

func TestRlimitRoundTrip(t *testing.T) {
	buf := make([]byte, SizeofRlimit)
	PutRlimit(buf, 1024, 4096)
	cur, max := GetRlimit(buf)
	if cur != 1024 || max != 4096 {
		t.Fatalf("GetRlimit = (%d, %d), want (1024, 4096)", cur, max)
	}
}

func TestDirent64Encoding(t *testing.T) {
	buf := make([]byte, 64)
	n := PutDirent64(buf, 42, 8, 4, "foo")
	if n == 0 {
		t.Fatalf("PutDirent64 returned 0")
	}
	if buf[18] != 4 {
		t.Fatalf("type byte = %d, want 4", buf[18])
	}
	if string(buf[19:22]) != "foo" {
		t.Fatalf("name = %q, want foo", buf[19:22])
	}
}

func TestDirent64TooSmall(t *testing.T) {
	buf := make([]byte, 8)
	if n := PutDirent64(buf, 1, 0, 0, "toolong"); n != 0 {
		t.Fatalf("PutDirent64 into an 8-byte buffer = %d, want 0", n)
	}
}
