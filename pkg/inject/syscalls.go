//go:build linux

package inject

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/vmattach/vmattach/pkg/ptrace"
	sys "golang.org/x/sys/unix"
)

// call runs a syscall and turns negative errno results into errors
// carrying the syscall name.
func (p *Process) call(name string, nr uint64, args ...uint64) (int64, error) {
	ret, err := p.Syscall(nr, args...)
	if err != nil {
		return 0, errors.WithMessagef(err, "remote %s", name)
	}
	if errno, isErr := ptrace.SyscallErrno(ret); isErr {
		return ret, errors.Wrapf(errno, "remote %s", name)
	}
	return ret, nil
}

func fdArg(fd int) uint64 {
	return uint64(int64(fd))
}

// Ioctl issues ioctl(fd, req, arg).
func (p *Process) Ioctl(fd int, req, arg uint64) (int, error) {
	ret, err := p.call("ioctl", sys.SYS_IOCTL, fdArg(fd), req, arg)
	return int(ret), err
}

// Mmap issues mmap and returns the address of the new mapping in the
// target's address space.
func (p *Process) Mmap(addr uintptr, length uint64, prot, flags, fd int, offset uint64) (uintptr, error) {
	ret, err := p.call("mmap", sys.SYS_MMAP, uint64(addr), length, uint64(prot), uint64(flags), fdArg(fd), offset)
	if err != nil {
		return 0, err
	}
	return uintptr(ret), nil
}

// Munmap issues munmap(addr, length).
func (p *Process) Munmap(addr uintptr, length uint64) error {
	_, err := p.call("munmap", sys.SYS_MUNMAP, uint64(addr), length)
	return err
}

// Socket issues socket(domain, typ, proto).
func (p *Process) Socket(domain, typ, proto int) (int, error) {
	ret, err := p.call("socket", sys.SYS_SOCKET, uint64(domain), uint64(typ), uint64(proto))
	return int(ret), err
}

// Close issues close(fd).
func (p *Process) Close(fd int) error {
	_, err := p.call("close", sys.SYS_CLOSE, fdArg(fd))
	return err
}

// Bind issues bind(fd, addr, addrlen). addr is an address in the target.
func (p *Process) Bind(fd int, addr uintptr, addrlen uint32) error {
	_, err := p.call("bind", sys.SYS_BIND, fdArg(fd), uint64(addr), uint64(addrlen))
	return err
}

// Connect issues connect(fd, addr, addrlen). addr is an address in the
// target.
func (p *Process) Connect(fd int, addr uintptr, addrlen uint32) error {
	_, err := p.call("connect", sys.SYS_CONNECT, fdArg(fd), uint64(addr), uint64(addrlen))
	return err
}

// Recvmsg issues recvmsg(fd, msg, flags). msg is an address in the target.
func (p *Process) Recvmsg(fd int, msg uintptr, flags int) (int, error) {
	ret, err := p.call("recvmsg", sys.SYS_RECVMSG, fdArg(fd), uint64(msg), uint64(flags))
	return int(ret), err
}

// Userfaultfd issues userfaultfd(flags).
func (p *Process) Userfaultfd(flags int) (int, error) {
	ret, err := p.call("userfaultfd", sys.SYS_USERFAULTFD, uint64(flags))
	return int(ret), err
}

// Getpid issues getpid().
func (p *Process) Getpid() (int, error) {
	ret, err := p.call("getpid", sys.SYS_GETPID)
	return int(ret), err
}

// ReadMemory reads len(data) bytes at addr in the target.
func (p *Process) ReadMemory(addr uintptr, data []byte) error {
	if _, err := ptrace.ReadProcessMemory(p.pid, addr, data); err == nil {
		return nil
	}
	// process_vm_readv is not available everywhere, fall back on peeks
	for off := 0; off < len(data); off += 8 {
		a := addr + uintptr(off)
		word, err := p.main.ReadWord(a)
		if err != nil {
			return errors.WithMessagef(err, "could not read %#x", a)
		}
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], word)
		copy(data[off:], buf[:])
	}
	return nil
}

// WriteMemory writes data at addr in the target.
func (p *Process) WriteMemory(addr uintptr, data []byte) error {
	if _, err := ptrace.WriteProcessMemory(p.pid, addr, data); err == nil {
		return nil
	}
	for off := 0; off < len(data); off += 8 {
		a := addr + uintptr(off)
		var buf [8]byte
		if n := copy(buf[:], data[off:]); n < 8 {
			// partial tail word, keep the bytes after it
			old, err := p.main.ReadWord(a)
			if err != nil {
				return errors.WithMessagef(err, "could not read %#x", a)
			}
			var oldBuf [8]byte
			binary.LittleEndian.PutUint64(oldBuf[:], old)
			copy(buf[n:], oldBuf[n:])
		}
		if err := p.main.WriteWord(a, binary.LittleEndian.Uint64(buf[:])); err != nil {
			return errors.WithMessagef(err, "could not write %#x", a)
		}
	}
	return nil
}
