package device

import (
	"encoding/binary"
	"fmt"
	"io"
)

// GuestMemory is the guest physical address space, offsets are guest
// physical addresses.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt
}

const (
	descFlagNext  = 1
	descFlagWrite = 2

	descSize = 16
)

type descriptor struct {
	addr  uint64
	len   uint32
	flags uint16
	next  uint16
}

// virtqueue is a split virtqueue.
type virtqueue struct {
	maxSize uint16
	size    uint16
	ready   bool

	descAddr  uint64
	availAddr uint64
	usedAddr  uint64

	lastAvail uint16
	usedIdx   uint16
}

func (q *virtqueue) reset() {
	*q = virtqueue{maxSize: q.maxSize}
}

func readGuest(mem GuestMemory, addr uint64, buf []byte) error {
	n, err := mem.ReadAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short guest memory read at %#x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

func writeGuest(mem GuestMemory, addr uint64, buf []byte) error {
	n, err := mem.WriteAt(buf, int64(addr))
	if err != nil {
		return err
	}
	if n != len(buf) {
		return fmt.Errorf("short guest memory write at %#x (want %d, got %d)", addr, len(buf), n)
	}
	return nil
}

func (q *virtqueue) availIdx(mem GuestMemory) (uint16, error) {
	var buf [2]byte
	if err := readGuest(mem, q.availAddr+2, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(buf[:]), nil
}

func (q *virtqueue) descriptor(mem GuestMemory, idx uint16) (descriptor, error) {
	if idx >= q.size {
		return descriptor{}, fmt.Errorf("descriptor index %d out of range (queue size %d)", idx, q.size)
	}
	var buf [descSize]byte
	if err := readGuest(mem, q.descAddr+uint64(idx)*descSize, buf[:]); err != nil {
		return descriptor{}, err
	}
	return descriptor{
		addr:  binary.LittleEndian.Uint64(buf[0:]),
		len:   binary.LittleEndian.Uint32(buf[8:]),
		flags: binary.LittleEndian.Uint16(buf[12:]),
		next:  binary.LittleEndian.Uint16(buf[14:]),
	}, nil
}

// chain returns the descriptors of the chain starting at head.
func (q *virtqueue) chain(mem GuestMemory, head uint16) ([]descriptor, error) {
	var descs []descriptor
	idx := head
	for i := uint16(0); i < q.size; i++ {
		d, err := q.descriptor(mem, idx)
		if err != nil {
			return nil, err
		}
		descs = append(descs, d)
		if d.flags&descFlagNext == 0 {
			return descs, nil
		}
		idx = d.next
	}
	return nil, fmt.Errorf("descriptor chain at %d is a loop", head)
}

// pop returns the next available chain head.
func (q *virtqueue) pop(mem GuestMemory) (uint16, bool, error) {
	idx, err := q.availIdx(mem)
	if err != nil {
		return 0, false, err
	}
	if idx == q.lastAvail {
		return 0, false, nil
	}
	var buf [2]byte
	if err := readGuest(mem, q.availAddr+4+uint64(q.lastAvail%q.size)*2, buf[:]); err != nil {
		return 0, false, err
	}
	q.lastAvail++
	return binary.LittleEndian.Uint16(buf[:]), true, nil
}

// push adds head to the used ring.
func (q *virtqueue) push(mem GuestMemory, head uint16, written uint32) error {
	var elem [8]byte
	binary.LittleEndian.PutUint32(elem[0:], uint32(head))
	binary.LittleEndian.PutUint32(elem[4:], written)
	if err := writeGuest(mem, q.usedAddr+4+uint64(q.usedIdx%q.size)*8, elem[:]); err != nil {
		return err
	}
	q.usedIdx++
	var idx [2]byte
	binary.LittleEndian.PutUint16(idx[:], q.usedIdx)
	return writeGuest(mem, q.usedAddr+2, idx[:])
}
