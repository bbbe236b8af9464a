package device

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/pkg/errors"
)

// BlockConfig configures the emulated block device.
type BlockConfig struct {
	// Backing is the path of the file holding the disk contents.
	Backing string
	// ReadOnly opens the backing file read-only and advertises
	// VIRTIO_BLK_F_RO.
	ReadOnly bool
	// Flush advertises VIRTIO_BLK_F_FLUSH.
	Flush bool
	// QueueSize is the maximum size of the request queue.
	QueueSize uint16
}

const defaultQueueSize = 256

// Snapshot is the negotiation state of the device.
type Snapshot struct {
	DeviceType       uint32
	Features         uint64
	InterruptStatus  uint32
	Status           uint32
	ConfigGeneration uint32
	QueueMaxSize     uint16
	QueueReady       bool
}

// blockDevice is a virtio-mmio block device. It is not safe for
// concurrent use, the Bridge owns it.
type blockDevice struct {
	file     *os.File
	readOnly bool
	capacity uint64 // in sectors
	mem      GuestMemory

	deviceFeatures    uint64
	deviceFeaturesSel uint32
	driverFeatures    uint64
	driverFeaturesSel uint32

	queueSel         uint32
	queues           [1]virtqueue
	status           uint32
	interruptStatus  uint32
	configGeneration uint32
}

func newBlockDevice(mem GuestMemory, cfg BlockConfig) (*blockDevice, error) {
	flag := os.O_RDWR
	if cfg.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(cfg.Backing, flag, 0)
	if err != nil {
		return nil, errors.Wrap(err, "could not open backing file")
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "could not open backing file")
	}

	d := &blockDevice{
		file:           f,
		readOnly:       cfg.ReadOnly,
		capacity:       uint64(fi.Size()) / sectorSize,
		mem:            mem,
		deviceFeatures: featureVersion1 | blkFeatureBlkSize,
	}
	if cfg.ReadOnly {
		d.deviceFeatures |= blkFeatureRO
	}
	if cfg.Flush {
		d.deviceFeatures |= blkFeatureFlush
	}
	qs := cfg.QueueSize
	if qs == 0 {
		qs = defaultQueueSize
	}
	d.queues[0].maxSize = qs
	return d, nil
}

func (d *blockDevice) close() error {
	return d.file.Close()
}

func (d *blockDevice) reset() {
	d.deviceFeaturesSel = 0
	d.driverFeatures = 0
	d.driverFeaturesSel = 0
	d.queueSel = 0
	for i := range d.queues {
		d.queues[i].reset()
	}
	d.status = 0
	d.interruptStatus = 0
}

func (d *blockDevice) selectedQueue() *virtqueue {
	if d.queueSel < uint32(len(d.queues)) {
		return &d.queues[d.queueSel]
	}
	return nil
}

// ready reports whether the driver has made the selected queue usable.
func (d *blockDevice) ready() bool {
	q := d.selectedQueue()
	return q != nil && q.ready
}

func (d *blockDevice) snapshot() Snapshot {
	s := Snapshot{
		DeviceType:       deviceIDBlock,
		Features:         d.deviceFeatures,
		InterruptStatus:  d.interruptStatus,
		Status:           d.status,
		ConfigGeneration: d.configGeneration,
	}
	if q := d.selectedQueue(); q != nil {
		s.QueueMaxSize = q.maxSize
		s.QueueReady = q.ready
	}
	return s
}

func (d *blockDevice) config() []byte {
	buf := make([]byte, 24)
	binary.LittleEndian.PutUint64(buf[0:], d.capacity)
	binary.LittleEndian.PutUint32(buf[20:], sectorSize)
	return buf
}

// read returns the value of a size byte read at offset into the register
// block.
func (d *blockDevice) read(offset uint64, size int) (uint64, error) {
	if size > 8 {
		size = 8
	}
	if offset >= regConfig {
		var buf [8]byte
		cfg := d.config()
		if off := offset - regConfig; off < uint64(len(cfg)) {
			copy(buf[:size], cfg[off:])
		}
		return binary.LittleEndian.Uint64(buf[:]), nil
	}

	q := d.selectedQueue()
	switch offset {
	case regMagicValue:
		return magicValue, nil
	case regVersion:
		return mmioVersion, nil
	case regDeviceID:
		return deviceIDBlock, nil
	case regVendorID:
		return vendorID, nil
	case regDeviceFeatures:
		return featureWord(d.deviceFeatures, d.deviceFeaturesSel), nil
	case regQueueNumMax:
		if q != nil {
			return uint64(q.maxSize), nil
		}
	case regQueueNum:
		if q != nil {
			return uint64(q.size), nil
		}
	case regQueueReady:
		if q != nil && q.ready {
			return 1, nil
		}
	case regInterruptStatus:
		return uint64(d.interruptStatus), nil
	case regStatus:
		return uint64(d.status), nil
	case regConfigGeneration:
		return uint64(d.configGeneration), nil
	}
	return 0, nil
}

func featureWord(features uint64, sel uint32) uint64 {
	switch sel {
	case 0:
		return features & 0xffffffff
	case 1:
		return features >> 32
	}
	return 0
}

func setFeatureWord(features uint64, sel uint32, v uint32) uint64 {
	switch sel {
	case 0:
		return setLow(features, v)
	case 1:
		return setHigh(features, v)
	}
	return features
}

func setLow(v uint64, low uint32) uint64  { return v&^0xffffffff | uint64(low) }
func setHigh(v uint64, high uint32) uint64 { return v&0xffffffff | uint64(high)<<32 }

// write applies a write of value at offset into the register block.
func (d *blockDevice) write(offset uint64, value uint64) error {
	if offset >= regConfig {
		// the block configuration space is read-only
		return nil
	}
	v := uint32(value)
	q := d.selectedQueue()
	switch offset {
	case regDeviceFeaturesSel:
		d.deviceFeaturesSel = v
	case regDriverFeatures:
		old := d.driverFeatures
		d.driverFeatures = setFeatureWord(d.driverFeatures, d.driverFeaturesSel, v)
		if d.driverFeatures != old {
			d.configGeneration++
		}
	case regDriverFeaturesSel:
		d.driverFeaturesSel = v
	case regQueueSel:
		d.queueSel = v
	case regQueueNum:
		if q == nil {
			return fmt.Errorf("queue %d does not exist", d.queueSel)
		}
		if v == 0 || v > uint32(q.maxSize) || v&(v-1) != 0 {
			return fmt.Errorf("invalid size %d for queue %d (max %d)", v, d.queueSel, q.maxSize)
		}
		q.size = uint16(v)
	case regQueueReady:
		if q == nil {
			return fmt.Errorf("queue %d does not exist", d.queueSel)
		}
		if v == 0 {
			q.ready = false
			return nil
		}
		return d.enableQueue(q)
	case regQueueNotify:
		return d.notify(v)
	case regInterruptAck:
		d.interruptStatus &^= v
	case regStatus:
		if v == 0 {
			d.reset()
			return nil
		}
		if v&StatusFeaturesOK != 0 && d.driverFeatures&^d.deviceFeatures != 0 {
			// the driver accepted features we never offered
			v &^= StatusFeaturesOK
		}
		d.status = v
	case regQueueDescLow:
		if q != nil {
			q.descAddr = setLow(q.descAddr, v)
		}
	case regQueueDescHigh:
		if q != nil {
			q.descAddr = setHigh(q.descAddr, v)
		}
	case regQueueAvailLow:
		if q != nil {
			q.availAddr = setLow(q.availAddr, v)
		}
	case regQueueAvailHigh:
		if q != nil {
			q.availAddr = setHigh(q.availAddr, v)
		}
	case regQueueUsedLow:
		if q != nil {
			q.usedAddr = setLow(q.usedAddr, v)
		}
	case regQueueUsedHigh:
		if q != nil {
			q.usedAddr = setHigh(q.usedAddr, v)
		}
	}
	return nil
}

// enableQueue marks q ready once its rings are known to be in guest
// memory.
func (d *blockDevice) enableQueue(q *virtqueue) error {
	if q.size == 0 {
		return fmt.Errorf("queue %d enabled without a size", d.queueSel)
	}
	idx, err := q.availIdx(d.mem)
	if err != nil {
		return errors.Wrapf(err, "available ring of queue %d", d.queueSel)
	}
	var first [1]byte
	if err := readGuest(d.mem, q.descAddr, first[:]); err != nil {
		return errors.Wrapf(err, "descriptor table of queue %d", d.queueSel)
	}
	if err := readGuest(d.mem, q.usedAddr, first[:]); err != nil {
		return errors.Wrapf(err, "used ring of queue %d", d.queueSel)
	}
	q.lastAvail = idx
	q.ready = true
	return nil
}

// notify processes the requests available on queue n.
func (d *blockDevice) notify(n uint32) error {
	if n >= uint32(len(d.queues)) || !d.queues[n].ready {
		return nil
	}
	q := &d.queues[n]
	processed := false
	for {
		head, ok, err := q.pop(d.mem)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		written, err := d.request(q, head)
		if err != nil {
			return err
		}
		if err := q.push(d.mem, head, written); err != nil {
			return err
		}
		processed = true
	}
	if processed {
		d.interruptStatus |= interruptUsedBuffer
	}
	return nil
}

// request executes the block request at head and returns the number of
// bytes written to guest memory.
func (d *blockDevice) request(q *virtqueue, head uint16) (uint32, error) {
	descs, err := q.chain(d.mem, head)
	if err != nil {
		return 0, err
	}
	if len(descs) < 2 {
		return 0, fmt.Errorf("block request at %d has %d descriptors", head, len(descs))
	}
	hdrDesc, data, statusDesc := descs[0], descs[1:len(descs)-1], descs[len(descs)-1]
	if hdrDesc.len < 16 || hdrDesc.flags&descFlagWrite != 0 {
		return 0, fmt.Errorf("bad block request header at %d", head)
	}
	var hdr [16]byte
	if err := readGuest(d.mem, hdrDesc.addr, hdr[:]); err != nil {
		return 0, err
	}
	typ := binary.LittleEndian.Uint32(hdr[0:])
	sector := binary.LittleEndian.Uint64(hdr[8:])

	status, written := d.execute(typ, sector, data)
	if err := writeGuest(d.mem, statusDesc.addr, []byte{status}); err != nil {
		return 0, err
	}
	return written + 1, nil
}

// ioChunkSize bounds the buffer used to copy between the backing file and
// guest memory, descriptor lengths are chosen by the guest.
const ioChunkSize = 64 << 10

// inRange reports whether data fits on the disk starting at sector.
func (d *blockDevice) inRange(sector uint64, data []descriptor) bool {
	if sector > d.capacity {
		return false
	}
	var total uint64
	for _, desc := range data {
		total += uint64(desc.len)
	}
	return total <= (d.capacity-sector)*sectorSize
}

func (d *blockDevice) execute(typ uint32, sector uint64, data []descriptor) (status byte, written uint32) {
	switch typ {
	case blkTypeIn, blkTypeOut:
		if !d.inRange(sector, data) {
			return blkStatusIOErr, 0
		}
	}
	off := int64(sector * sectorSize)
	switch typ {
	case blkTypeIn:
		buf := make([]byte, ioChunkSize)
		for _, desc := range data {
			if desc.flags&descFlagWrite == 0 {
				return blkStatusIOErr, written
			}
			for done := uint32(0); done < desc.len; {
				chunk := buf
				if left := desc.len - done; left < uint32(len(chunk)) {
					chunk = chunk[:left]
				}
				if _, err := d.file.ReadAt(chunk, off); err != nil {
					return blkStatusIOErr, written
				}
				if err := writeGuest(d.mem, desc.addr+uint64(done), chunk); err != nil {
					return blkStatusIOErr, written
				}
				off += int64(len(chunk))
				done += uint32(len(chunk))
				written += uint32(len(chunk))
			}
		}
		return blkStatusOK, written
	case blkTypeOut:
		if d.readOnly {
			return blkStatusIOErr, 0
		}
		buf := make([]byte, ioChunkSize)
		for _, desc := range data {
			for done := uint32(0); done < desc.len; {
				chunk := buf
				if left := desc.len - done; left < uint32(len(chunk)) {
					chunk = chunk[:left]
				}
				if err := readGuest(d.mem, desc.addr+uint64(done), chunk); err != nil {
					return blkStatusIOErr, 0
				}
				if _, err := d.file.WriteAt(chunk, off); err != nil {
					return blkStatusIOErr, 0
				}
				off += int64(len(chunk))
				done += uint32(len(chunk))
			}
		}
		return blkStatusOK, 0
	case blkTypeFlush:
		if err := d.file.Sync(); err != nil {
			return blkStatusIOErr, 0
		}
		return blkStatusOK, 0
	case blkTypeGetID:
		if len(data) == 0 {
			return blkStatusIOErr, 0
		}
		id := make([]byte, blkIDSize)
		copy(id, "vmattach")
		if uint32(len(id)) > data[0].len {
			id = id[:data[0].len]
		}
		if err := writeGuest(d.mem, data[0].addr, id); err != nil {
			return blkStatusIOErr, 0
		}
		return blkStatusOK, uint32(len(id))
	}
	return blkStatusUnsupp, 0
}
