package procfs

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleMaps = `55d0c8a00000-55d0c8a21000 r--p 00000000 fd:01 1311204                    /usr/bin/qemu-system-x86_64
7f1c40000000-7f1c80000000 rw-s 00000000 00:01 2051                       /memfd:pc.ram (deleted)
7f1c9c000000-7f1c9c003000 rw-s 00000000 00:0e 10419                      anon_inode:kvm-vcpu:0
7ffc8e9e0000-7ffc8ea01000 rw-p 00000000 00:00 0                          [stack]
7ffc8ebf6000-7ffc8ebf8000 r-xp 00000000 00:00 0
`

func TestParseMaps(t *testing.T) {
	maps, err := ParseMaps(strings.NewReader(sampleMaps))
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 5 {
		t.Fatalf("expected 5 mappings; but was %d", len(maps))
	}
	ram := maps[1]
	if ram.Start != 0x7f1c40000000 || ram.Size() != 0x40000000 {
		t.Fatalf("unexpected ram mapping %v", ram)
	}
	if !ram.Readable() || !ram.Writable() || !ram.Shared() {
		t.Fatalf("expected rw shared mapping; but was %s", ram.Perms)
	}
	if ram.Path != "/memfd:pc.ram (deleted)" {
		t.Fatalf("expected path with spaces to be kept; but was %q", ram.Path)
	}
	if maps[2].Path != "anon_inode:kvm-vcpu:0" {
		t.Fatalf("expected vcpu mapping; but was %q", maps[2].Path)
	}
	if maps[4].Path != "" || maps[4].Writable() {
		t.Fatalf("unexpected anonymous mapping %v", maps[4])
	}
}

func TestParseMapsMalformed(t *testing.T) {
	if _, err := ParseMaps(strings.NewReader("zzzz r--p 0 0 0\n")); err == nil {
		t.Fatalf("expected an error for a malformed range")
	}
}

func fakeProc(t *testing.T) int {
	t.Helper()
	old := Root
	Root = t.TempDir()
	t.Cleanup(func() { Root = old })

	const pid = 4242
	dir := filepath.Join(Root, "4242")
	for _, tid := range []string{"4242", "4250", "4244"} {
		if err := os.MkdirAll(filepath.Join(dir, "task", tid), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(dir, "fd"), 0o755); err != nil {
		t.Fatal(err)
	}
	for fd, target := range map[string]string{
		"12": "anon_inode:kvm-vcpu:0",
		"3":  "/dev/kvm",
		"10": "anon_inode:kvm-vm",
	} {
		if err := os.Symlink(target, filepath.Join(dir, "fd", fd)); err != nil {
			t.Fatal(err)
		}
	}
	stat := "4242 (qemu (x86) y) T 1 4242 4242 0 -1"
	if err := os.WriteFile(filepath.Join(dir, "stat"), []byte(stat), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "maps"), []byte(sampleMaps), 0o644); err != nil {
		t.Fatal(err)
	}
	return pid
}

func TestFakeProc(t *testing.T) {
	pid := fakeProc(t)

	tids, err := Tasks(pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(tids) != 3 || tids[0] != 4242 || tids[1] != 4244 || tids[2] != 4250 {
		t.Fatalf("expected sorted tids [4242 4244 4250]; but was %v", tids)
	}

	fds, err := Fds(pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(fds) != 3 || fds[0].Num != 3 || fds[1].Target != "anon_inode:kvm-vm" || fds[2].Num != 12 {
		t.Fatalf("unexpected fds %v", fds)
	}

	if s := Status(pid); s != 'T' {
		t.Fatalf("expected state T; but was %q", s)
	}
	if s := Status(pid + 1); s != 0 {
		t.Fatalf("expected no state for a missing process; but was %q", s)
	}

	maps, err := Maps(pid)
	if err != nil {
		t.Fatal(err)
	}
	if len(maps) != 5 {
		t.Fatalf("expected 5 mappings; but was %d", len(maps))
	}
}
