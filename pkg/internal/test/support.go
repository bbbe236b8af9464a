// Package test builds and runs the C programs in _fixtures that
// integration tests attach to.
package test

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// Fixture is a test binary.
type Fixture struct {
	// Name is the short name of the fixture.
	Name string
	// Path is the absolute path to the test binary.
	Path string
	// Source is the absolute path of the test binary source.
	Source string
}

var (
	fixturesMu sync.Mutex
	// Fixtures is a map of Fixture.Name to Fixture.
	Fixtures = make(map[string]Fixture)
)

// FindFixturesDir walks up from the working directory until it finds the
// _fixtures directory.
func FindFixturesDir() string {
	parent := ".."
	fixturesDir := "_fixtures"
	for depth := 0; depth < 10; depth++ {
		if _, err := os.Stat(fixturesDir); err == nil {
			break
		}
		fixturesDir = filepath.Join(parent, fixturesDir)
	}
	return fixturesDir
}

// BuildFixture compiles _fixtures/<name>.c with the system C compiler.
// The test is skipped if there is no compiler.
func BuildFixture(t testing.TB, name string) Fixture {
	t.Helper()
	fixturesMu.Lock()
	defer fixturesMu.Unlock()
	if f, ok := Fixtures[name]; ok {
		return f
	}

	cc, err := exec.LookPath("cc")
	if err != nil {
		t.Skip("no C compiler available")
	}

	source, _ := filepath.Abs(filepath.Join(FindFixturesDir(), name+".c"))

	// Make a (good enough) random temporary file name
	r := make([]byte, 4)
	rand.Read(r)
	tmpfile := filepath.Join(os.TempDir(), fmt.Sprintf("%s.%s", name, hex.EncodeToString(r)))

	out, err := exec.Command(cc, "-O0", "-pthread", "-o", tmpfile, source).CombinedOutput()
	if err != nil {
		t.Fatalf("error compiling %s: %v\n%s", source, err, out)
	}

	Fixtures[name] = Fixture{Name: name, Path: tmpfile, Source: source}
	return Fixtures[name]
}

// RunTestsWithFixtures will pre-compile test fixtures before running test
// methods. Test binaries are deleted before exiting.
func RunTestsWithFixtures(m *testing.M) int {
	status := m.Run()

	// Remove the fixtures.
	for _, f := range Fixtures {
		os.Remove(f.Path)
	}
	return status
}

// MustHavePtrace skips the test if the yama LSM forbids attaching to
// processes altogether.
func MustHavePtrace(t testing.TB) {
	t.Helper()
	buf, err := os.ReadFile("/proc/sys/kernel/yama/ptrace_scope")
	if err != nil {
		return
	}
	if scope, _ := strconv.Atoi(strings.TrimSpace(string(buf))); scope >= 3 {
		t.Skip("ptrace disabled by kernel.yama.ptrace_scope")
	}
}

// WaitForState polls the state field of /proc/<pid>/stat until it equals
// state or the timeout expires.
func WaitForState(t testing.TB, pid int, state byte, timeout time.Duration) {
	t.Helper()
	path := fmt.Sprintf("/proc/%d/stat", pid)
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		buf, err := os.ReadFile(path)
		if err == nil {
			if i := strings.LastIndexByte(string(buf), ')'); i >= 0 && i+2 < len(buf) && buf[i+2] == state {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("process %d did not reach state %c", pid, state)
}
