// Package procfs reads the parts of /proc/<pid> needed to find a
// hypervisor's threads, KVM handles and memory layout.
package procfs

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Root is the mount point of procfs. Tests point it at a fake tree.
var Root = "/proc"

func path(pid int, elem ...string) string {
	return filepath.Join(append([]string{Root, strconv.Itoa(pid)}, elem...)...)
}

// Tasks returns the thread ids of pid in ascending order.
func Tasks(pid int) ([]int, error) {
	des, err := os.ReadDir(path(pid, "task"))
	if err != nil {
		return nil, errors.Wrapf(err, "could not list threads of %d", pid)
	}
	tids := make([]int, 0, len(des))
	for _, de := range des {
		tid, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		tids = append(tids, tid)
	}
	sort.Ints(tids)
	return tids, nil
}

// Fd is one open file descriptor and the target of its /proc link, for
// example "anon_inode:kvm-vm".
type Fd struct {
	Num    int
	Target string
}

// Fds returns the open file descriptors of pid ordered by number.
func Fds(pid int) ([]Fd, error) {
	dir := path(pid, "fd")
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "could not list file descriptors of %d", pid)
	}
	fds := make([]Fd, 0, len(des))
	for _, de := range des {
		n, err := strconv.Atoi(de.Name())
		if err != nil {
			continue
		}
		target, err := os.Readlink(filepath.Join(dir, de.Name()))
		if err != nil {
			// closed since ReadDir
			continue
		}
		fds = append(fds, Fd{Num: n, Target: target})
	}
	sort.Slice(fds, func(i, j int) bool { return fds[i].Num < fds[j].Num })
	return fds, nil
}

// Status returns the state character of the third field of
// /proc/<pid>/stat ('R', 'S', 'T', 't', 'Z', ...), or 0 if it could not be
// read.
func Status(pid int) rune {
	buf, err := os.ReadFile(path(pid, "stat"))
	if err != nil {
		return '\000'
	}
	// The command name is in parentheses and may itself contain spaces
	// and parentheses, the state follows the last closing one.
	i := bytes.LastIndexByte(buf, ')')
	if i < 0 || i+2 >= len(buf) {
		return '\000'
	}
	return rune(buf[i+2])
}

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start, End uint64
	Perms      string
	Offset     uint64
	Dev        string
	Inode      uint64
	Path       string
}

// Size returns the length of the mapping in bytes.
func (m Mapping) Size() uint64 {
	return m.End - m.Start
}

func (m Mapping) Readable() bool { return len(m.Perms) > 0 && m.Perms[0] == 'r' }
func (m Mapping) Writable() bool { return len(m.Perms) > 1 && m.Perms[1] == 'w' }
func (m Mapping) Shared() bool   { return len(m.Perms) > 3 && m.Perms[3] == 's' }

func (m Mapping) String() string {
	return fmt.Sprintf("%#x-%#x %s %#x %s", m.Start, m.End, m.Perms, m.Offset, m.Path)
}

// Maps returns the memory mappings of pid.
func Maps(pid int) ([]Mapping, error) {
	f, err := os.Open(path(pid, "maps"))
	if err != nil {
		return nil, errors.Wrapf(err, "could not read mappings of %d", pid)
	}
	defer f.Close()
	maps, err := ParseMaps(f)
	if err != nil {
		return nil, errors.Wrapf(err, "could not parse mappings of %d", pid)
	}
	return maps, nil
}

// ParseMaps parses the /proc/<pid>/maps format.
func ParseMaps(r io.Reader) ([]Mapping, error) {
	var maps []Mapping
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 4096), 1<<20)
	lineno := 0
	for s.Scan() {
		lineno++
		line := s.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseMapsLine(line)
		if err != nil {
			return nil, errors.Wrapf(err, "line %d", lineno)
		}
		maps = append(maps, m)
	}
	return maps, s.Err()
}

func parseMapsLine(line string) (Mapping, error) {
	var m Mapping
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return m, fmt.Errorf("malformed mapping %q", line)
	}
	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return m, fmt.Errorf("malformed address range %q", fields[0])
	}
	var err error
	if m.Start, err = strconv.ParseUint(rng[0], 16, 64); err != nil {
		return m, err
	}
	if m.End, err = strconv.ParseUint(rng[1], 16, 64); err != nil {
		return m, err
	}
	m.Perms = fields[1]
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return m, err
	}
	m.Dev = fields[3]
	if m.Inode, err = strconv.ParseUint(fields[4], 10, 64); err != nil {
		return m, err
	}
	if len(fields) > 5 {
		// paths may contain spaces
		m.Path = strings.Join(fields[5:], " ")
	}
	return m, nil
}
