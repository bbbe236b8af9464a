package cmds

import (
	"testing"

	sys "golang.org/x/sys/unix"
)

func TestParseSyscall(t *testing.T) {
	nr, args, err := parseSyscall([]string{"getpid"})
	if err != nil {
		t.Fatal(err)
	}
	if nr != sys.SYS_GETPID || len(args) != 0 {
		t.Fatalf("expected getpid without arguments; but was %d %v", nr, args)
	}

	nr, args, err = parseSyscall([]string{"9", "0", "0x1000", "3", "0x22", "-1", "0"})
	if err != nil {
		t.Fatal(err)
	}
	want := []uint64{0, 0x1000, 3, 0x22, ^uint64(0), 0}
	if nr != 9 || len(args) != len(want) {
		t.Fatalf("unexpected syscall %d %v", nr, args)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("argument %d: expected %#x; but was %#x", i, want[i], args[i])
		}
	}

	for _, bad := range [][]string{
		{"nosuchcall"},
		{"getpid", "x"},
		{"1", "1", "2", "3", "4", "5", "6", "7"},
	} {
		if _, _, err := parseSyscall(bad); err == nil {
			t.Fatalf("expected an error for %q", bad)
		}
	}
}
