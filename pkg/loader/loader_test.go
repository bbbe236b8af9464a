package loader

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeLoader(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "stage1.ko")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xaa}, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolve(t *testing.T) {
	p, err := Resolve(writeLoader(t, 1000))
	if err != nil {
		t.Fatal(err)
	}
	if p.Blocks() != 2 {
		t.Fatalf("expected 2 blocks; but was %d", p.Blocks())
	}
	padded := p.Padded()
	if len(padded) != 1024 {
		t.Fatalf("expected 1024 padded bytes; but was %d", len(padded))
	}
	if !bytes.Equal(padded[:1000], p.Data) || !bytes.Equal(padded[1000:], make([]byte, 24)) {
		t.Fatalf("unexpected padding")
	}

	exact, err := Resolve(writeLoader(t, 512))
	if err != nil {
		t.Fatal(err)
	}
	if len(exact.Padded()) != 512 {
		t.Fatalf("expected no padding for a whole block; but was %d bytes", len(exact.Padded()))
	}
}

func TestResolveErrors(t *testing.T) {
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.ko"), writeLoader(t, 0)} {
		if _, err := Resolve(path); err == nil {
			t.Fatalf("expected an error for %q", path)
		}
	}
}

func TestSplitCommand(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want []string
		err  bool
	}{
		{in: "/bin/sh", want: []string{"/bin/sh"}},
		{in: `/bin/sh -c 'echo hello'`, want: []string{"/bin/sh", "-c", "echo hello"}},
		{in: "", err: true},
		{in: "a | b", err: true},
		{in: "echo `id`", err: true},
		{in: "echo a,b", err: true},
	} {
		got, err := SplitCommand(tc.in)
		if tc.err {
			if err == nil {
				t.Fatalf("%q: expected an error; but was %q", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%q: %v", tc.in, err)
		}
		if strings.Join(got, "\x00") != strings.Join(tc.want, "\x00") {
			t.Fatalf("%q: expected %q; but was %q", tc.in, tc.want, got)
		}
	}
}

func TestInstallScript(t *testing.T) {
	p := &Payload{Path: "stage1.ko", Data: make([]byte, 1500)}
	script, err := InstallScript(p, "/sbin/init --foo", false)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"set -eu -o pipefail\n",
		`dd if=/proc/self/fd/0 of="$tmpdir/stage1.ko" count=3 bs=512`,
		"rmmod stage1 2>/dev/null || true",
		`insmod "$tmpdir/stage1.ko" stage2_argv="/sbin/init,--foo"`,
	} {
		if !strings.Contains(script, want) {
			t.Fatalf("expected %q in script:\n%s", want, script)
		}
	}

	traced, err := InstallScript(p, "/sbin/init", true)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(traced, "set -eux -o pipefail") {
		t.Fatalf("expected shell tracing in script:\n%s", traced)
	}
}
