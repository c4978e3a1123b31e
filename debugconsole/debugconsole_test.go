package debugconsole

import "testing"

func TestMatchCommandPrefix(t *testing.T) {
	c := cmd{name: "continue", min: 1}
	cases := []struct {
		in   string
		want bool
	}{
		{"c", true},
		{"con", true},
		{"continue", true},
		{"continuex", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := matchCommand(c, tc.in); got != tc.want {
			t.Fatalf("matchCommand(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestMatchListUniqueAndMissing(t *testing.T) {
	// "b" only matches "break"; nothing else in cmdList starts with b.
	if got := matchList("b"); len(got) != 1 || got[0].name != "break" {
		t.Fatalf("matchList(%q) = %v, want exactly [break]", "b", got)
	}
	if got := matchList("z"); got != nil {
		t.Fatalf("matchList(%q) = %v, want nil", "z", got)
	}
}

func TestParseAddr(t *testing.T) {
	cases := map[string]uint64{
		"0x1000": 0x1000,
		"1000":   0x1000,
		"0X2A":   0x2a,
	}
	for in, want := range cases {
		got, err := parseAddr(in)
		if err != nil {
			t.Fatalf("parseAddr(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("parseAddr(%q) = %#x, want %#x", in, got, want)
		}
	}
	if _, err := parseAddr("zz"); err == nil {
		t.Fatalf("expected an error parsing a non-hex address")
	}
}

func TestConsoleBreakpointAndWatchSeed(t *testing.T) {
	m, addr := newTestMachine(t)
	c := New(m, nil)
	c.AddBreakpoint(addr)
	if !c.breakpoints[addr] {
		t.Fatalf("AddBreakpoint did not set %#x", addr)
	}
	c.AddWatch(addr)
	if _, ok := c.watchpoints[addr]; !ok {
		t.Fatalf("AddWatch did not seed %#x", addr)
	}
}
